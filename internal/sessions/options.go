package sessions

import (
	"time"

	"github.com/haasonsaas/flowgate/pkg/models"
)

// Option configures a store.
type Option func(*storeOptions)

type storeOptions struct {
	format      FormatOptions
	lockTimeout time.Duration
	now         func() time.Time
}

func defaultStoreOptions() storeOptions {
	return storeOptions{
		format:      DefaultFormatOptions(),
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
	}
}

func applyOptions(opts []Option) storeOptions {
	o := defaultStoreOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.format = o.format.withDefaults()
	return o
}

// WithFormatOptions sets the prompt rendering budget.
func WithFormatOptions(f FormatOptions) Option {
	return func(o *storeOptions) { o.format = f }
}

// WithLockTimeout sets how long writers wait for a session.
func WithLockTimeout(d time.Duration) Option {
	return func(o *storeOptions) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func cloneToolCalls(calls []models.ToolCall) []models.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]models.ToolCall, len(calls))
	copy(out, calls)
	return out
}
