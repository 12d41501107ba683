package logging

import (
	"regexp"
	"sort"
	"strings"
)

// sensitiveKeyParts marks environment keys whose values are never logged.
var sensitiveKeyParts = []string{"KEY", "SECRET", "PASSWORD", "TOKEN", "JWT_PUB", "PRIVATE"}

// Redactor masks known secret values and bearer tokens in log output.
type Redactor struct {
	knownSecrets []string
	patterns     []*regexp.Regexp
}

// NewRedactor creates a redactor knowing the provided secrets.
func NewRedactor(secrets ...string) *Redactor {
	known := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			known = append(known, s)
		}
	}
	// Longest first so a secret containing another is masked whole.
	sort.Slice(known, func(i, j int) bool { return len(known[i]) > len(known[j]) })

	return &Redactor{
		knownSecrets: known,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`((?i:authorization):\s*Bearer\s+)([a-zA-Z0-9\-\._~+/]+=*)`),
		},
	}
}

// Redact replaces secrets in the input string
func (r *Redactor) Redact(input string) string {
	res := input
	for _, secret := range r.knownSecrets {
		res = strings.ReplaceAll(res, secret, "[REDACTED]")
	}
	for _, re := range r.patterns {
		res = re.ReplaceAllString(res, "${1}[REDACTED]")
	}
	return res
}

// RedactEnv returns a copy of env with sensitive values masked, suitable for
// logging a service's environment.
func (r *Redactor) RedactEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if IsSensitiveKey(k) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = r.Redact(v)
	}
	return out
}

// IsSensitiveKey reports whether an environment key names secret material.
func IsSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(upper, part) {
			return true
		}
	}
	return false
}
