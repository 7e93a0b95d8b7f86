package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "json", "info")
	l.Debug("hidden")
	l.Info("Starting search phase", "queries", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "Starting search phase", rec["msg"])
	assert.Equal(t, "deep-research", rec["service"])
	assert.EqualValues(t, 2, rec["queries"])
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewWithWriter(&buf, "text", "debug"))

	WithComponent("search").Debug("Search completed")
	assert.Contains(t, buf.String(), "component=search")
	assert.Contains(t, buf.String(), `msg="Search completed"`)
}
