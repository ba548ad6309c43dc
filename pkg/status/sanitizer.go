// Package status scrubs credentials out of messages that agents and storage backends report, before
// they are persisted or returned by the admin API.
package status

import (
	"regexp"
	"unicode/utf8"
)

// MaxMessageLength bounds a stored message, in bytes
const MaxMessageLength = 2000

// Sanitizer removes sensitive information from free-form messages
type Sanitizer struct {
	sensitivePatterns []*sensitivePattern
}

type sensitivePattern struct {
	pattern     *regexp.Regexp
	replacement string
	description string
}

var defaultSanitizer = NewSanitizer()

// NewSanitizer creates a sanitizer with the default patterns
func NewSanitizer() *Sanitizer {
	return &Sanitizer{sensitivePatterns: buildDefaultSensitivePatterns()}
}

func buildDefaultSensitivePatterns() []*sensitivePattern {
	return []*sensitivePattern{
		{
			pattern:     regexp.MustCompile(`\b([a-zA-Z][a-zA-Z0-9+.-]*://)[^/\s:@]*:[^/\s@]+@`),
			replacement: "${1}[redacted]@",
			description: "URL with credentials",
		},
		{
			pattern:     regexp.MustCompile(`\b(X-Amz-(?:Signature|Credential|Security-Token))=[^&\s"]+`),
			replacement: "${1}=[redacted]",
			description: "presigned URL signature",
		},
		{
			pattern:     regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`),
			replacement: "Bearer [redacted]",
			description: "bearer token",
		},
		{
			pattern:     regexp.MustCompile(`(?i)\b((?:[a-z0-9]+_)*(?:password|passwd|secret|token|api[_-]?key|access[_-]?key)(?:_[a-z0-9]+)*)(\s*[=:]\s*)("?)[^\s"&,;]+`),
			replacement: "${1}${2}${3}[redacted]",
			description: "credential assignment",
		},
		{
			pattern:     regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
			replacement: "[aws-access-key]",
			description: "AWS access key id",
		},
	}
}

// AddSensitivePattern extends the default patterns
func (s *Sanitizer) AddSensitivePattern(pattern *regexp.Regexp, replacement, description string) {
	s.sensitivePatterns = append(s.sensitivePatterns, &sensitivePattern{
		pattern:     pattern,
		replacement: replacement,
		description: description,
	})
}

// SanitizeSensitiveInfo redacts every sensitive match and truncates the result to MaxMessageLength
func (s *Sanitizer) SanitizeSensitiveInfo(message string) string {
	if message == "" {
		return message
	}
	result := message
	for _, p := range s.sensitivePatterns {
		result = p.pattern.ReplaceAllString(result, p.replacement)
	}
	return truncate(result, MaxMessageLength)
}

// Sanitize redacts message with the default patterns
func Sanitize(message string) string {
	return defaultSanitizer.SanitizeSensitiveInfo(message)
}

// truncate cuts s to at most max bytes without splitting a rune
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - len("...")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
