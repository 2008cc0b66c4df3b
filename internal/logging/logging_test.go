package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.Disabled, ParseLevel("off"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestComponentAddsField(t *testing.T) {
	require.NoError(t, Init(Config{Level: "debug", Format: "json"}))
	var buf bytes.Buffer
	SetOutput(&buf)

	log := Component("engine")
	log.Info().Str("conversation", "c1").Msg("hello")

	assert.Contains(t, buf.String(), `"component":"engine"`)
	assert.Contains(t, buf.String(), `"conversation":"c1"`)
}

func TestInitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolloop.log")
	require.NoError(t, Init(Config{Level: "info", Format: "json", File: path}))
	t.Cleanup(func() { _ = Close() })

	log := Logger()
	log.Info().Msg("to file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}
