package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ModelInfo describes one model offered by a provider.
type ModelInfo struct {
	ID      string
	Created int64
}

// knownModels is the fallback list for provider types that are not
// queried live.
var knownModels = map[string][]string{
	"anthropic": {
		"claude-sonnet-4-5",
		"claude-opus-4-1",
		"claude-haiku-4-5",
	},
	"gemini": {
		"gemini-2.5-pro",
		"gemini-2.5-flash",
		"gemini-2.5-flash-lite",
	},
}

// ListModels returns the models available to a provider config. OpenAI
// style endpoints are queried through /models; other types fall back to a
// built-in list.
func ListModels(ctx context.Context, cfg ProviderConfig) ([]ModelInfo, error) {
	switch strings.ToLower(cfg.Type) {
	case "openai", "openai-responses":
		return listOpenAIModels(ctx, cfg)
	}
	names, ok := knownModels[strings.ToLower(cfg.Type)]
	if !ok {
		return nil, NewError(CodeConfigNotFound, "no model list for provider type %q", cfg.Type)
	}
	out := make([]ModelInfo, 0, len(names))
	for _, n := range names {
		out = append(out, ModelInfo{ID: n})
	}
	return out, nil
}

func listOpenAIModels(ctx context.Context, cfg ProviderConfig) ([]ModelInfo, error) {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithHTTPClient(defaultHTTPClient)}
	if cfg.URL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.URL, "/")+"/"))
	}
	for k, v := range cfg.CustomHeaders {
		opts = append(opts, option.WithHeader(k, v))
	}
	client := openai.NewClient(opts...)

	page, err := client.Models.List(ctx)
	if err != nil {
		return nil, &Error{Code: CodeProviderError, Provider: cfg.Name, Message: fmt.Sprintf("list models: %v", err), Cause: err}
	}
	models := make([]ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, ModelInfo{ID: m.ID, Created: m.Created})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}
