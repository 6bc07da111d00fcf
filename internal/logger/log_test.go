package logger

import (
	"bytes"
	"strings"
	"testing"

	"crashrelay/internal/config"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWriter_JSONWithBaseFields(t *testing.T) {
	prev, prevLevel := zlog.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		zlog.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	InitWriter(config.Config{LogLevel: "warn", ServiceName: "crashrelay", InstanceID: "node-1"}, &buf)

	zlog.Info().Msg("hidden")
	zlog.Warn().Str("request_id", "r1").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["message"])
	assert.Equal(t, "warn", rec["level"])
	assert.Equal(t, "crashrelay", rec["service"])
	assert.Equal(t, "node-1", rec["instance"])
	assert.Equal(t, "r1", rec["request_id"])
}

func TestInitWriter_DefaultsToInfo(t *testing.T) {
	prev, prevLevel := zlog.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		zlog.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	InitWriter(config.Config{LogLevel: "nonsense"}, &bytes.Buffer{})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
