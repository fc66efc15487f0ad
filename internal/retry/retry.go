// Package retry wraps a single provider call with bounded exponential backoff.
//
// The policy is uniform: every failure is retried until MaxRetries attempts have
// been made. Network classification is computed for diagnostics only, unless
// SkipPermanent is set, in which case errors marked permanent end the loop early.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"equity-recon/internal/fetcher"
)

const maxMessageLen = 200

// Policy configures the backoff schedule.
type Policy struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialDelay   time.Duration `mapstructure:"initial_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	Multiplier     float64       `mapstructure:"multiplier"`
	JitterFraction float64       `mapstructure:"jitter"`
	// SkipPermanent stops retrying errors marked fetcher.ErrPermanent.
	SkipPermanent bool `mapstructure:"skip_permanent"`
	// AttemptTimeout bounds a single attempt when positive. Zero leaves latency
	// entirely to the adapter.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// DefaultPolicy returns the stock schedule: 3 attempts, 1s doubling up to 10s, 30% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialDelay:   time.Second,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.3,
	}
}

// Backoff returns the delay after the given zero-based attempt for a jitter sample in [0,1).
func (p Policy) Backoff(attempt int, sample float64) time.Duration {
	base := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if ceiling := float64(p.MaxDelay); p.MaxDelay > 0 && base > ceiling {
		base = ceiling
	}
	return time.Duration(base + base*p.JitterFraction*sample)
}

// Failure describes a call that never succeeded.
type Failure struct {
	ErrorType string        `json:"error_type"`
	Message   string        `json:"error_message"`
	Elapsed   time.Duration `json:"elapsed"`
	Attempts  int           `json:"attempts"`
	Network   bool          `json:"is_network_error"`
	Err       error         `json:"-"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %s", f.ErrorType, f.Attempts, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Call identifies the wrapped call in logs.
type Call struct {
	Adapter   string
	Operation fetcher.Operation
}

// Retrier executes calls under a Policy. It holds no per-call state and is safe
// for concurrent use.
type Retrier struct {
	policy Policy
	logger zerolog.Logger
	sleep  Sleeper
	jitter func() float64
	now    func() time.Time
}

// Option customises a Retrier.
type Option func(*Retrier)

// WithSleeper replaces the inter-attempt sleep.
func WithSleeper(s Sleeper) Option {
	return func(r *Retrier) { r.sleep = s }
}

// WithJitterSource replaces the [0,1) jitter sample source.
func WithJitterSource(fn func() float64) Option {
	return func(r *Retrier) { r.jitter = fn }
}

// WithClock replaces time.Now for elapsed-time measurement.
func WithClock(now func() time.Time) Option {
	return func(r *Retrier) { r.now = now }
}

// New builds a Retrier.
func New(policy Policy, logger zerolog.Logger, opts ...Option) *Retrier {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = 1
	}
	r := &Retrier{
		policy: policy,
		logger: logger.With().Str("component", "retry").Logger(),
		sleep:  sleepContext,
		jitter: rand.Float64,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the configured policy.
func (r *Retrier) Policy() Policy { return r.policy }

// Do runs fn until it succeeds or the attempt budget is spent. A non-nil error is
// always a *Failure describing the last attempt.
func Do[T any](ctx context.Context, r *Retrier, call Call, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	start := r.now()
	var lastErr error
	attempts := 0

	for attempt := 0; attempt < r.policy.MaxRetries; attempt++ {
		attempts++
		val, err := runAttempt(ctx, r.policy.AttemptTimeout, fn)
		if err == nil {
			if attempt > 0 {
				r.logger.Info().
					Str("adapter", call.Adapter).
					Str("operation", string(call.Operation)).
					Int("attempt", attempts).
					Msg("provider call recovered after retry")
			}
			return val, nil
		}
		lastErr = err

		network := fetcher.IsNetworkError(err)
		r.logger.Warn().
			Str("adapter", call.Adapter).
			Str("operation", string(call.Operation)).
			Int("attempt", attempts).
			Int("max_retries", r.policy.MaxRetries).
			Bool("network_error", network).
			Err(err).
			Msg("provider call failed")

		if r.policy.SkipPermanent && fetcher.IsPermanent(err) {
			break
		}
		if attempt == r.policy.MaxRetries-1 {
			break
		}

		delay := r.policy.Backoff(attempt, r.jitter())
		r.logger.Debug().
			Str("adapter", call.Adapter).
			Str("operation", string(call.Operation)).
			Dur("delay", delay).
			Msg("retrying after backoff")
		if err := r.sleep(ctx, delay); err != nil {
			r.logger.Warn().
				Str("adapter", call.Adapter).
				Str("operation", string(call.Operation)).
				Err(err).
				Msg("retry aborted by context")
			break
		}
	}

	return zero, newFailure(lastErr, attempts, r.now().Sub(start))
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (val T, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Newf("provider call panicked: %v", rec)
		}
	}()
	return fn(ctx)
}

func newFailure(err error, attempts int, elapsed time.Duration) *Failure {
	if err == nil {
		err = errors.New("no attempt was made")
	}
	msg := err.Error()
	if len(msg) > maxMessageLen {
		cut := maxMessageLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "..."
	}
	return &Failure{
		ErrorType: fetcher.TypeName(err),
		Message:   msg,
		Elapsed:   elapsed,
		Attempts:  attempts,
		Network:   fetcher.IsNetworkError(err),
		Err:       err,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
