package redact

import (
	"regexp"
	"strings"
)

// Patterns that match credential material anywhere in free text. Order matters:
// longer provider prefixes must be tried before the generic openai prefix.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]+`),
	regexp.MustCompile(`sk-or-[A-Za-z0-9_-]+`),
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{8,}`),
}

const mask = "***"

// String masks known credential patterns in text. Every outward-facing message
// and every persisted event-log line must pass through here before it can be
// observed or stored.
func String(text string) string {
	for _, pattern := range secretPatterns {
		text = pattern.ReplaceAllString(text, mask)
	}
	return text
}

// Error masks credential patterns in an error's message. Nil-safe.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// Token masks an exact secret value wherever it appears in text, in addition
// to the pattern-based masking. Used for bearer tokens, which have no
// recognizable prefix.
func Token(text, token string) string {
	token = strings.TrimSpace(token)
	if token != "" {
		text = strings.ReplaceAll(text, token, mask)
	}
	return String(text)
}
