// Package safety finds credentials in free text that agents write to the
// shared store: notes, probe errors, audit reasons and log attributes.
package safety

import (
	"regexp"
	"strings"
)

const placeholder = "[REDACTED]"

// Finding is one credential-shaped match.
type Finding struct {
	Kind   string
	Sample string // truncated, safe to log
}

type secretPattern struct {
	re   *regexp.Regexp
	kind string
	// repl keeps the key or scheme prefix captured in group 1 where there is one.
	repl string
}

var secretPatterns = []secretPattern{
	{regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token)\s*[:=]\s*"?)([A-Za-z0-9_\-./+=]{16,})`), "api key", "${1}" + placeholder},
	{regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`), "bearer token", "${1}" + placeholder},
	{regexp.MustCompile(`(?i)((?:token|secret)\s*[:=]\s*"?)([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`), "token", "${1}" + placeholder},
	{regexp.MustCompile(`(?i)((?:password|passwd|pwd)\s*[:=]\s*"?)([^\s"]{8,})`), "password", "${1}" + placeholder},
	{regexp.MustCompile(`(://[^:/@\s]+:)([^@/\s]+)@`), "url credentials", "${1}" + placeholder + "@"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "aws access key", placeholder},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "google api key", placeholder},
	{regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`), "github token", placeholder},
	{regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), "secret key", placeholder},
	{regexp.MustCompile(`-----BEGIN\s+([A-Z]+\s+)?PRIVATE\s+KEY-----`), "private key", placeholder},
}

// Scan reports credential-shaped substrings of text, at most three per kind.
func Scan(text string) []Finding {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var out []Finding
	for _, p := range secretPatterns {
		for _, m := range p.re.FindAllString(text, 3) {
			out = append(out, Finding{Kind: p.kind, Sample: sample(m)})
		}
	}
	return out
}

// Kinds returns the distinct finding kinds in first-seen order.
func Kinds(findings []Finding) []string {
	seen := make(map[string]bool, len(findings))
	var kinds []string
	for _, f := range findings {
		if !seen[f.Kind] {
			seen[f.Kind] = true
			kinds = append(kinds, f.Kind)
		}
	}
	return kinds
}

// Redact replaces every credential in text with [REDACTED], keeping the key
// name, "Bearer" or URL user in front of it.
func Redact(text string) string {
	if text == "" {
		return text
	}
	for _, p := range secretPatterns {
		text = p.re.ReplaceAllString(text, p.repl)
	}
	return text
}

func sample(m string) string {
	if len(m) <= 8 {
		return "***"
	}
	return m[:6] + "***"
}
