package agent

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxToolResultSize caps tool output kept in records and prompts.
const DefaultMaxToolResultSize = 64 * 1024

const (
	defaultRedaction      = "[REDACTED]"
	defaultTruncateSuffix = "...[truncated]"
)

// secretRule redacts one credential shape. keep is the replacement prefix,
// in regexp expansion syntax, preserved ahead of the redaction text.
type secretRule struct {
	re   *regexp.Regexp
	keep string
}

var secretRules = []secretRule{
	{regexp.MustCompile(`(?i)\b(api[_-]?key|secret|token|password|passwd)(\s*[=:]\s*)\S+`), "${1}${2}"},
	{regexp.MustCompile(`(?i)\b(bearer\s+)[a-z0-9._\-]+`), "${1}"},
	{regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`), ""},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9]{16,}\b`), ""},
}

// ToolResultGuard redacts and truncates tool output before it is recorded
// or sent back to a provider. The zero value passes output through.
type ToolResultGuard struct {
	// MaxChars is a byte budget; longer output is cut on a rune boundary.
	MaxChars int

	// SanitizeSecrets redacts credential-looking values, keeping their keys.
	SanitizeSecrets bool

	// RedactPatterns are extra expressions whose matches are replaced
	// whole. Invalid patterns are skipped.
	RedactPatterns []string

	RedactionText  string
	TruncateSuffix string
}

// Apply returns content with redactions and truncation applied.
func (g ToolResultGuard) Apply(content string) string {
	if content == "" {
		return content
	}
	redaction := orDefault(g.RedactionText, defaultRedaction)
	literal := strings.ReplaceAll(redaction, "$", "$$")

	if g.SanitizeSecrets {
		for _, rule := range secretRules {
			content = rule.re.ReplaceAllString(content, rule.keep+literal)
		}
	}
	for _, re := range compilePatterns(g.RedactPatterns) {
		content = re.ReplaceAllLiteralString(content, redaction)
	}
	if g.MaxChars > 0 {
		content = truncateAtRune(content, g.MaxChars, orDefault(g.TruncateSuffix, defaultTruncateSuffix))
	}
	return content
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	var out []*regexp.Regexp
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if re, err := regexp.Compile(p); err == nil {
			out = append(out, re)
		}
	}
	return out
}

// truncateAtRune keeps at most limit bytes of s without splitting a rune and
// appends suffix when anything was dropped.
func truncateAtRune(s string, limit int, suffix string) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + suffix
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}
