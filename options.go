package bitswap

import (
	"time"
)

// Options configures a Bitswap instance, per spec.md §5/§9. Every field
// has a documented default so New(...) can be called with no options at
// all, matching the teacher's New(ctx, p, network, bstore, nice) shape
// generalized into functional options (see DESIGN.md). Protocol-level
// settings (legacy-only negotiation, the legacy hash loader) live on
// network.Settings instead, since they're consumed when the network
// adapter is constructed, a step Bitswap itself never performs.
type Options struct {
	MaxProvidersPerRequest int
	ProviderRequestTimeout time.Duration
	HasBlockTimeout        time.Duration
	ProvideTimeout         time.Duration
	TaskWorkerCount        int
	ProvideWorkerCount     int
	RebroadcastInterval    time.Duration
	SendDebounce           time.Duration
}

// Option mutates an Options value; see the With* functions below.
type Option func(*Options)

// DefaultOptions returns the option set spec.md §5/§9 names as defaults.
func DefaultOptions() Options {
	return Options{
		MaxProvidersPerRequest: 10,
		ProviderRequestTimeout: 10 * time.Second,
		HasBlockTimeout:        15 * time.Second,
		ProvideTimeout:         15 * time.Second,
		TaskWorkerCount:        8,
		ProvideWorkerCount:     4,
		RebroadcastInterval:    10 * time.Second,
		SendDebounce:           10 * time.Millisecond,
	}
}

// WithMaxProvidersPerRequest bounds how many providers are requested per
// lookup (spec.md §4.3).
func WithMaxProvidersPerRequest(n int) Option {
	return func(o *Options) { o.MaxProvidersPerRequest = n }
}

// WithTaskWorkerCount sets how many goroutines drain the decision
// engine's Outbox concurrently (spec.md §4.6).
func WithTaskWorkerCount(n int) Option {
	return func(o *Options) { o.TaskWorkerCount = n }
}

// WithRebroadcastInterval sets how often the unresolved local wantlist
// is resent to providers (spec.md §4.4).
func WithRebroadcastInterval(d time.Duration) Option {
	return func(o *Options) { o.RebroadcastInterval = d }
}

// WithSendDebounce sets how long the per-peer message queue coalesces
// want/cancel entries before flushing (spec.md §4.4/§4.5).
func WithSendDebounce(d time.Duration) Option {
	return func(o *Options) { o.SendDebounce = d }
}

func buildOptions(opts []Option) Options {
	o := DefaultOptions()
	for _, apply := range opts {
		apply(&o)
	}
	return o
}
