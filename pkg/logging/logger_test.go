package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "warn", Output: &buf})

	logger.Info("dropped")
	logger.Warn("kept", "service", "data")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &record))
	assert.Equal(t, "kept", record["msg"])
	assert.Equal(t, "data", record["service"])
}

func TestNewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "info", Format: "text", Output: &buf})
	logger.Info("hello", "k", "v")
	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "k=v")
}

func TestNewLogger_Pretty(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "debug", Pretty: true, Output: &buf})
	logger.Info("service ready", "service", "mongo")

	out := buf.String()
	assert.Contains(t, out, "service ready")
	assert.Contains(t, out, "mongo")
	assert.NotContains(t, out, `"msg"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestRedactor(t *testing.T) {
	r := NewRedactor("s3cr3t", "")

	assert.Equal(t, "key=[REDACTED]", r.Redact("key=s3cr3t"))
	assert.Equal(t, "Authorization: Bearer [REDACTED]", r.Redact("Authorization: Bearer abc.def.ghi"))

	env := r.RedactEnv(map[string]string{
		"PRIVATE_KEY":  "LS0tLS1CRUdJTi",
		"JWT_API_KEY":  "abc",
		"KAFKA_PEERS":  "kafka:9092",
		"SOME_SETTING": "uses s3cr3t inline",
	})
	assert.Equal(t, "[REDACTED]", env["PRIVATE_KEY"])
	assert.Equal(t, "[REDACTED]", env["JWT_API_KEY"])
	assert.Equal(t, "kafka:9092", env["KAFKA_PEERS"])
	assert.Equal(t, "uses [REDACTED] inline", env["SOME_SETTING"])
}
