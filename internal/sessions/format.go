package sessions

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/flowgate/pkg/models"
)

// FormatOptions bounds how much history is rendered into a prompt.
type FormatOptions struct {
	// MaxTurns is the hard cap on turns included. Default: 60.
	MaxTurns int

	// MaxChars is the approximate character budget (cheap proxy for tokens).
	// Default: 30000 (~7500 tokens at 4 chars/token).
	MaxChars int

	// MaxToolResultChars caps each rendered tool result. Default: 2000.
	MaxToolResultChars int
}

// DefaultFormatOptions returns the defaults used by both stores.
func DefaultFormatOptions() FormatOptions {
	return FormatOptions{
		MaxTurns:           60,
		MaxChars:           30000,
		MaxToolResultChars: 2000,
	}
}

func (o FormatOptions) withDefaults() FormatOptions {
	d := DefaultFormatOptions()
	if o.MaxTurns <= 0 {
		o.MaxTurns = d.MaxTurns
	}
	if o.MaxChars <= 0 {
		o.MaxChars = d.MaxChars
	}
	if o.MaxToolResultChars <= 0 {
		o.MaxToolResultChars = d.MaxToolResultChars
	}
	return o
}

// FormatTurns renders history as "role: content" lines. Turns are selected
// newest first until MaxTurns or MaxChars is reached, then emitted in
// chronological order.
func FormatTurns(turns []models.Turn, opts FormatOptions) string {
	opts = opts.withDefaults()

	lines := make([]string, 0, len(turns))
	total := 0
	for i := len(turns) - 1; i >= 0; i-- {
		line := formatTurn(turns[i], opts.MaxToolResultChars)
		if line == "" {
			continue
		}
		if len(lines)+1 > opts.MaxTurns || total+len(line) > opts.MaxChars {
			break
		}
		lines = append(lines, line)
		total += len(line)
	}

	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}

func formatTurn(t models.Turn, maxToolChars int) string {
	if rec := t.ToolExecution; rec != nil {
		if rec.Succeeded() {
			return fmt.Sprintf("tool %s: %s", rec.ToolName, truncate(rec.Result, maxToolChars))
		}
		return fmt.Sprintf("tool %s failed: %s", rec.ToolName, truncate(rec.Error, maxToolChars))
	}

	content := strings.TrimSpace(t.Content)
	if len(t.ToolCalls) > 0 {
		names := make([]string, len(t.ToolCalls))
		for i, call := range t.ToolCalls {
			names[i] = call.Name
		}
		calls := "[called " + strings.Join(names, ", ") + "]"
		if content == "" {
			content = calls
		} else {
			content += " " + calls
		}
	}
	if content == "" {
		return ""
	}
	return string(t.Role) + ": " + content
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...[truncated]"
}
