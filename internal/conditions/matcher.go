// Package conditions evaluates routing condition sets against incoming messages.
package conditions

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/flowgate/pkg/models"
)

// maxCachedPatterns bounds the compiled pattern cache.
const maxCachedPatterns = 512

// Predicate evaluates one custom condition. arg is the raw value configured
// under the predicate's key in ConditionSet.Custom.
type Predicate func(msg *models.IncomingMessage, arg any) bool

// Matcher evaluates condition sets. It has no side effects beyond its
// pattern cache and is safe for concurrent use.
type Matcher struct {
	now      func() time.Time
	location *time.Location
	logger   *slog.Logger

	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
	custom   map[string]Predicate
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithClock overrides the wall clock used for time windows.
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLocation evaluates time windows in loc instead of the clock's zone.
func WithLocation(loc *time.Location) Option {
	return func(m *Matcher) {
		m.location = loc
	}
}

// WithLogger sets the logger used for configuration diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Matcher) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPredicate registers a custom predicate under key.
func WithPredicate(key string, p Predicate) Option {
	return func(m *Matcher) {
		m.custom[strings.ToLower(strings.TrimSpace(key))] = p
	}
}

// NewMatcher creates a Matcher. The "intent" custom predicate is registered
// by default and backed by the heuristic classifier.
func NewMatcher(opts ...Option) *Matcher {
	m := &Matcher{
		now:      time.Now,
		logger:   slog.Default(),
		patterns: make(map[string]*regexp.Regexp),
		custom: map[string]Predicate{
			"intent": intentPredicate(&HeuristicClassifier{}),
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Matches reports whether every predicate present in set holds for msg.
func (m *Matcher) Matches(msg *models.IncomingMessage, set models.ConditionSet) bool {
	if msg == nil {
		return false
	}
	if len(set.Channels) > 0 && !containsChannel(set.Channels, msg.Channel) {
		return false
	}
	if len(set.Senders) > 0 && !containsString(set.Senders, msg.SenderID) {
		return false
	}
	if set.Segment != "" && set.Segment != msg.Segment() {
		return false
	}
	if set.Pattern != "" {
		re, ok := m.compile(set.Pattern)
		if !ok || !re.MatchString(msg.Content) {
			return false
		}
	}
	if set.TimeWindow != nil && !m.inWindow(*set.TimeWindow) {
		return false
	}
	for key, arg := range set.Custom {
		m.mu.RLock()
		pred, ok := m.custom[strings.ToLower(key)]
		m.mu.RUnlock()
		if !ok {
			// Unknown custom conditions are reserved and always hold.
			continue
		}
		if !pred(msg, arg) {
			return false
		}
	}
	return true
}

// ValidPattern reports whether pattern compiles.
func ValidPattern(pattern string) error {
	_, err := regexp.Compile(translatePattern(pattern))
	return err
}

// compile returns the cached regexp for pattern. Malformed patterns are cached
// as nil so they are reported once and then fail fast.
func (m *Matcher) compile(pattern string) (*regexp.Regexp, bool) {
	m.mu.RLock()
	re, seen := m.patterns[pattern]
	m.mu.RUnlock()
	if seen {
		return re, re != nil
	}

	re, err := regexp.Compile(translatePattern(pattern))
	if err != nil {
		m.logger.Warn("invalid condition pattern; treating as non-match",
			"pattern", pattern,
			"error", err)
		re = nil
	}

	m.mu.Lock()
	if len(m.patterns) >= maxCachedPatterns {
		m.patterns = make(map[string]*regexp.Regexp)
	}
	m.patterns[pattern] = re
	m.mu.Unlock()
	return re, re != nil
}

// translatePattern converts a /body/flags literal into Go regexp syntax.
// Flags are limited to i, m and s. Anything else, "/api/v1" included, is a
// plain regexp and is used as-is.
func translatePattern(pattern string) string {
	if len(pattern) < 2 || pattern[0] != '/' {
		return pattern
	}
	end := strings.LastIndex(pattern, "/")
	if end <= 0 {
		return pattern
	}
	flags := pattern[end+1:]
	if strings.Trim(flags, "ims") != "" {
		return pattern
	}
	body := pattern[1:end]
	if flags == "" {
		return body
	}
	return fmt.Sprintf("(?%s)%s", flags, body)
}

func (m *Matcher) inWindow(w models.TimeWindow) bool {
	start, err := parseClock(w.Start)
	if err != nil {
		m.logger.Warn("invalid time window start", "value", w.Start, "error", err)
		return false
	}
	end, err := parseClock(w.End)
	if err != nil {
		m.logger.Warn("invalid time window end", "value", w.End, "error", err)
		return false
	}

	now := m.now()
	if m.location != nil {
		now = now.In(m.location)
	}
	minute := now.Hour()*60 + now.Minute()

	if start <= end {
		return minute >= start && minute <= end
	}
	return minute >= start || minute <= end
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(value string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ValidTimeWindow reports whether both bounds parse.
func ValidTimeWindow(w models.TimeWindow) error {
	if _, err := parseClock(w.Start); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if _, err := parseClock(w.End); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	return nil
}

func containsChannel(channels []models.ChannelType, channel models.ChannelType) bool {
	for _, c := range channels {
		if strings.EqualFold(string(c), string(channel)) {
			return true
		}
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
