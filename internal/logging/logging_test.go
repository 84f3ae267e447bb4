package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkcap.ai/internal/sim/tuning"
)

func TestNew_JSONWithISOTimestamp(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(tuning.Log{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("hello")
	require.NoError(t, log.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}T`, entry["ts"])
}

func TestNew_BadLevel(t *testing.T) {
	_, err := NewWithWriter(tuning.Log{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}
