package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
)

// envCarrier maps propagation keys onto upper-case environment variables
// (traceparent becomes TRACEPARENT).
type envCarrier map[string]string

func (c envCarrier) Get(key string) string { return c[strings.ToUpper(key)] }

func (c envCarrier) Set(key, value string) { c[strings.ToUpper(key)] = value }

func (c envCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// ProcessTracing injects the active span context into child process
// environments so the compose CLI can join the trace.
type ProcessTracing struct{}

// InjectProcessEnv implements compose.EnvInjector.
func (ProcessTracing) InjectProcessEnv(ctx context.Context, env []string) []string {
	carrier := envCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return env
	}

	out := make([]string, 0, len(env)+len(carrier))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if _, replaced := carrier[name]; replaced {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range carrier {
		out = append(out, k+"="+v)
	}
	return out
}
