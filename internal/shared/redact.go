// Package shared holds small helpers used across layers.
package shared

import (
	"regexp"
	"strings"
)

// Redacted is the placeholder substituted for secret material.
const Redacted = "[REDACTED]"

// The control plane handles exactly three families of secret-bearing
// strings: bearer tokens on the admin/agent HTTP surfaces, api_key query
// params on SSE and tunnel dial URLs, and the ADMIN_API_KEY /
// AGENT_API_KEYS material from the environment or the watched key file.
// Each rule keeps the identifying prefix and replaces the value.
var redactRules = []*regexp.Regexp{
	// Authorization headers and websocket dial strings: Bearer <token>.
	regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{8,}`),
	// api_key query params (SSE clients pass the admin token in the URL).
	regexp.MustCompile(`(?i)(api_key=)[^&\s"']+`),
	// The two key env vars, however they end up quoted in an error string.
	regexp.MustCompile(`(ADMIN_API_KEY|AGENT_API_KEYS)(\s*[:=]\s*)"?[^"\s]+"?`),
	// Generic key-like assignments from config or wrapped library errors.
	regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password)(\s*[:=]\s*)"?[A-Za-z0-9_\-./+=]{8,}"?`),
}

// Redact replaces secret values in the input with the placeholder,
// preserving the prefix that identifies what was redacted.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, rule := range redactRules {
		result = rule.ReplaceAllString(result, "${1}${2}"+Redacted)
	}
	return result
}

// sensitiveKeyFragments flags structured-log attribute keys and env var
// names whose whole value is secret, not just a substring.
var sensitiveKeyFragments = []string{
	"api_key", "apikey", "token", "secret", "password", "credential", "authorization", "bearer",
}

// SensitiveKey reports whether a log attribute or env var name denotes a
// value that must never be emitted.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
