package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(Config{Level: "debug", Version: "1.2.3"}, &buf)

	log.Debug().Str("booking_id", "bkg-1").Msg("confirmed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kos-engine", line["service"])
	assert.Equal(t, "1.2.3", line["version"])
	assert.Equal(t, "bkg-1", line["booking_id"])
	assert.Equal(t, "debug", line["level"])
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"WARN", zerolog.WarnLevel},
		{"nonsense", zerolog.InfoLevel},
		{"error", zerolog.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			assert.Equal(t, tt.want, newLogger(Config{Level: tt.level}, &buf).GetLevel())
		})
	}
}

func TestNewLogger_DefaultVersion(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{}, &buf)
	logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), `"version":"dev"`)
}

func TestNewLogger_Pretty(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Pretty: true}, &buf)
	logger.Info().Msg("hello")

	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), colorizeLevel("info"))
}
