package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestRedactAttributes(t *testing.T) {
	attrs := []attribute.KeyValue{
		attribute.String("http.request.header.authorization", "Bearer secret"),
		attribute.String("http.request.header.api-key", "abc"),
		attribute.String("jwt.token", "eyJhbGciOi"),
		attribute.String("user.dn", "CN=localuser,O=Harness"),
		attribute.String("user.email", "person@example.com"),
		attribute.String("data.oid", "1"),
	}

	got := map[string]string{}
	for _, kv := range RedactAttributes(attrs, "user.email") {
		got[string(kv.Key)] = kv.Value.Emit()
	}

	require.Len(t, got, 3)
	assert.Equal(t, "pers***.com", got["user.email"])
	assert.Equal(t, "1", got["data.oid"])
	assert.Regexp(t, `^\[REDACTED:hash:[0-9a-f]{8}\]$`, got["user.dn"])

	again := RedactAttributes([]attribute.KeyValue{attribute.String("user.dn", "CN=localuser,O=Harness")})
	assert.Equal(t, got["user.dn"], again[0].Value.Emit())
}

func TestRedactAttributes_ShortAndEmptyValues(t *testing.T) {
	out := RedactAttributes([]attribute.KeyValue{
		attribute.String("user.dn", ""),
		attribute.String("user.email", "a@b.c"),
	}, "user.email")

	require.Len(t, out, 2)
	assert.Equal(t, "[REDACTED:empty]", out[0].Value.Emit())
	assert.Equal(t, "***", out[1].Value.Emit())
	assert.Nil(t, RedactAttributes(nil))
}
