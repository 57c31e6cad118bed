package retry

import (
	"context"
	"math/rand"
	"time"
)

// Options configure the retry loop.
type Options struct {
	MaxRetries  int
	BaseWait    time.Duration
	MaxWait     time.Duration
	BackoffRate float64
	Jitter      bool
}

// Option customizes retry behavior.
type Option func(*Options)

// WithMaxRetries bounds the number of retries after the initial attempt.
func WithMaxRetries(n int) Option {
	return func(o *Options) { o.MaxRetries = n }
}

// WithBaseWait sets the delay before the first retry.
func WithBaseWait(d time.Duration) Option {
	return func(o *Options) { o.BaseWait = d }
}

// WithMaxWait caps the delay between retries.
func WithMaxWait(d time.Duration) Option {
	return func(o *Options) { o.MaxWait = d }
}

// WithBackoffRate sets the multiplier applied to the delay after each retry.
func WithBackoffRate(rate float64) Option {
	return func(o *Options) { o.BackoffRate = rate }
}

// WithJitter enables full jitter on the computed delays.
func WithJitter() Option {
	return func(o *Options) { o.Jitter = true }
}

func defaultOptions() *Options {
	return &Options{
		MaxRetries:  3,
		BaseWait:    time.Second,
		MaxWait:     10 * time.Second,
		BackoffRate: 2.0,
	}
}

// Do runs fn, retrying recoverable failures with bounded exponential
// backoff. Non-recoverable errors propagate immediately without consuming
// retry budget. The last error is returned when the budget is exhausted.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsRecoverable(err) {
			return err
		}
		if attempt >= options.MaxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(options.wait(attempt)):
		}
	}
}

// wait computes the delay before retry number attempt+1.
func (o *Options) wait(attempt int) time.Duration {
	delay := float64(o.BaseWait)
	for i := 0; i < attempt; i++ {
		delay *= o.BackoffRate
	}
	if max := float64(o.MaxWait); o.MaxWait > 0 && delay > max {
		delay = max
	}
	if o.Jitter {
		delay = rand.Float64() * delay
	}
	return time.Duration(delay)
}
