package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLoggerCarriesAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, "debug").WithBridge("b-1").With("generation", 2)

	l.Info("context ready", "request_id", 7)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "context ready", entry["msg"])
	assert.Equal(t, "b-1", entry["bridge_id"])
	assert.Equal(t, float64(2), entry["generation"])
	assert.Equal(t, float64(7), entry["request_id"])
}

func TestWriterLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, "warn")

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "shown")
}

func TestNewLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir, "info")
	require.NoError(t, err)

	l.Info("hello")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	data, err := os.ReadFile(filepath.Join(dir, "isobridge.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
	assert.Len(t, ValidLevels(), 4)
}

func TestNopLoggerDiscards(t *testing.T) {
	l := NopLogger()
	l.Error("nothing")
	assert.NoError(t, l.Close())
}
