package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	t.Setenv("APP_ENV", "")
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "warn"}, &buf)

	log.Info().Msg("hidden")
	log.Warn().Str("station", "CP-1").Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["message"])
	assert.Equal(t, "CP-1", line["station"])
	assert.Equal(t, "warn", line["level"])
}

func TestNewConsoleInDev(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "bogus"}, &buf)

	log.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(buf.Bytes()))
}
