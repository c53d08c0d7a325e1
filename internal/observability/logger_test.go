package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"trace":   zerolog.TraceLevel,
	}
	for raw, want := range cases {
		got, err := ParseLevel(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestInitLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := InitLogger("ragstack-test", LogOptions{Level: "info", Format: "json", Out: &buf})
	require.NoError(t, err)

	logger.Debug().Msg("hidden")
	logger.Info().Str("step", "migrate").Msg("done")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "ragstack-test", rec["app"])
	assert.Equal(t, "migrate", rec["step"])
	assert.Equal(t, "done", rec["message"])
}

func TestInitLoggerRejectsUnknownFormat(t *testing.T) {
	_, err := InitLogger("x", LogOptions{Format: "xml"})
	assert.Error(t, err)
}
