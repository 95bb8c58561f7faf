package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	Info("session created", "session", "abc", "pid", 42)

	out := buf.String()
	assert.Contains(t, out, "session created")
	assert.Contains(t, out, "session=abc")
	assert.Contains(t, out, "pid=42")
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json")

	Warn("buffer full", "session", "abc")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "buffer full", entry["msg"])
	assert.Equal(t, "abc", entry["session"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text")

	Debug("invisible")
	Info("also invisible")
	Warn("visible")

	out := buf.String()
	assert.NotContains(t, out, "invisible")
	assert.Contains(t, out, "visible")
}

func TestSetLevelAtRuntime(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	Debug("hidden")
	SetLevel("DEBUG")
	Debug("shown")

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "level=DEBUG"))
	assert.Contains(t, out, "shown")
}
