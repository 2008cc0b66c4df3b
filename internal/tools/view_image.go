package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/samsaffron/toolloop/internal/llm"
)

// ViewImageTool loads an image file as a multimodal attachment.
type ViewImageTool struct{}

// NewViewImageTool creates a new ViewImageTool.
func NewViewImageTool() *ViewImageTool {
	return &ViewImageTool{}
}

// ViewImageArgs are the arguments for view_image.
type ViewImageArgs struct {
	Path string `json:"path"`
}

const (
	maxImageSize = 5 * 1024 * 1024
	maxDimension = 1568
	jpegQuality  = 85
)

var supportedImageFormats = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

func (t *ViewImageTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        ViewImageToolName,
		Description: "Load an image file so it can be inspected. Supports PNG, JPEG, GIF, WebP.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Path to the image file",
				},
			},
			"required": []string{"path"},
		},
	}
}

func (t *ViewImageTool) Execute(ctx context.Context, args json.RawMessage) (Output, error) {
	var a ViewImageArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return Output{}, NewToolError(ErrInvalidParams, err.Error())
	}
	if a.Path == "" {
		return Output{}, NewToolError(ErrInvalidParams, "path is required")
	}

	ext := strings.ToLower(filepath.Ext(a.Path))
	mimeType, ok := supportedImageFormats[ext]
	if !ok {
		return Output{}, NewToolErrorf(ErrUnsupportedFormat, "unsupported format: %s (supported: PNG, JPEG, GIF, WebP)", ext)
	}

	data, err := os.ReadFile(a.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Output{}, NewToolError(ErrFileNotFound, a.Path)
		}
		return Output{}, NewToolErrorf(ErrExecutionFailed, "failed to read image: %v", err)
	}

	processed, processedMime, resized, err := processImage(data, mimeType)
	if err != nil {
		return Output{}, NewToolErrorf(ErrExecutionFailed, "failed to process image: %v", err)
	}

	sizeInfo := fmt.Sprintf("%d bytes", len(processed))
	if resized {
		sizeInfo = fmt.Sprintf("%d bytes (resized from %d bytes)", len(processed), len(data))
	}
	name := filepath.Base(a.Path)
	return Output{
		Text: fmt.Sprintf("Image loaded: %s\nFormat: %s\nSize: %s", a.Path, processedMime, sizeInfo),
		Attachments: []llm.InlineDataPart{{
			MIMEType:    processedMime,
			Data:        base64.StdEncoding.EncodeToString(processed),
			Name:        name,
			DisplayName: name,
		}},
	}, nil
}

// processImage downscales images over the dimension or size limit.
func processImage(data []byte, originalMime string) ([]byte, string, bool, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", false, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= maxDimension && height <= maxDimension && len(data) <= maxImageSize {
		return data, originalMime, false, nil
	}

	newWidth, newHeight := width, height
	if width > maxDimension || height > maxDimension {
		if width > height {
			newWidth = maxDimension
			newHeight = int(float64(height) * float64(maxDimension) / float64(width))
		} else {
			newHeight = maxDimension
			newWidth = int(float64(width) * float64(maxDimension) / float64(height))
		}
	}
	resized := resizeImage(img, newWidth, newHeight)

	var buf bytes.Buffer
	outputMime := "image/jpeg"
	switch format {
	case "png", "gif":
		if err := png.Encode(&buf, resized); err != nil {
			return nil, "", false, fmt.Errorf("failed to encode PNG: %w", err)
		}
		outputMime = "image/png"
	default:
		if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, "", false, fmt.Errorf("failed to encode JPEG: %w", err)
		}
	}

	if buf.Len() > maxImageSize {
		buf.Reset()
		if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 70}); err != nil {
			return nil, "", false, fmt.Errorf("failed to encode JPEG: %w", err)
		}
		outputMime = "image/jpeg"
	}
	if buf.Len() > maxImageSize {
		return nil, "", false, fmt.Errorf("image still exceeds 5MB after resizing (%d bytes)", buf.Len())
	}
	return buf.Bytes(), outputMime, true, nil
}

func resizeImage(src image.Image, width, height int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}
