package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "info", true)
	require.NoError(t, err)

	logger.Infow("scheduler: tick complete", "dispatched", 3)
	logger.Debug("hidden")
	require.NoError(t, logger.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "scheduler: tick complete", entry["msg"])
	assert.Equal(t, float64(3), entry["dispatched"])
	assert.Equal(t, "info", entry["level"])
}

func TestNewWithWriter_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "debug", false)
	require.NoError(t, err)

	logger.Debugw("dispatcher: attempt", "job_id", "job_1")
	assert.Contains(t, buf.String(), "dispatcher: attempt")
	assert.Contains(t, buf.String(), "job_1")
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New("loud", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loud")
}
