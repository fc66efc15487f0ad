// Package fallback tries adapters in priority order until one returns data.
package fallback

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"equity-recon/internal/fetcher"
	"equity-recon/internal/retry"
)

// Operation describes one typed fetch against an adapter.
type Operation[T any] struct {
	Kind fetcher.Operation
	// Requires lists capabilities an adapter needs; defaults to Kind alone.
	Requires []fetcher.Operation
	Call     func(ctx context.Context, a fetcher.Adapter) (T, error)
	// Count returns the number of records; zero means empty.
	Count func(T) int
}

func (op Operation[T]) supportedBy(a fetcher.Adapter) bool {
	if len(op.Requires) == 0 {
		return fetcher.Supports(a, op.Kind)
	}
	for _, req := range op.Requires {
		if !fetcher.Supports(a, req) {
			return false
		}
	}
	return true
}

// Executor runs fallback chains. It is stateless between calls.
type Executor struct {
	retrier *retry.Retrier
	logger  zerolog.Logger
	now     func() time.Time
}

// NewExecutor builds an Executor that wraps each adapter call in r.
func NewExecutor(r *retry.Retrier, logger zerolog.Logger) *Executor {
	return &Executor{
		retrier: r,
		logger:  logger.With().Str("component", "fallback").Logger(),
		now:     time.Now,
	}
}

// Reorder moves adapters named in preferred to the front, in preferred order.
// The rest keep their relative order. Name matching ignores case.
func Reorder(adapters []fetcher.Adapter, preferred []string) []fetcher.Adapter {
	if len(preferred) == 0 {
		return adapters
	}
	taken := make([]bool, len(adapters))
	out := make([]fetcher.Adapter, 0, len(adapters))
	for _, name := range preferred {
		for i, a := range adapters {
			if !taken[i] && strings.EqualFold(a.Name(), strings.TrimSpace(name)) {
				taken[i] = true
				out = append(out, a)
			}
		}
	}
	for i, a := range adapters {
		if !taken[i] {
			out = append(out, a)
		}
	}
	return out
}

// Fetch tries each adapter in order and returns the first non-empty success.
// It never panics and never returns an error; failures are in Diagnostics.
func Fetch[T any](ctx context.Context, e *Executor, op Operation[T], adapters []fetcher.Adapter, preferred []string) (res Result[T]) {
	log := e.logger.With().Str("operation", string(op.Kind)).Logger()

	for _, a := range Reorder(adapters, preferred) {
		if ctx.Err() != nil {
			log.Warn().Err(ctx.Err()).Msg("fallback chain cancelled")
			break
		}
		if !op.supportedBy(a) {
			continue
		}
		if !available(ctx, a) {
			log.Debug().Str("adapter", a.Name()).Msg("adapter unavailable; skipping")
			res.Skipped = append(res.Skipped, a.Name())
			continue
		}

		data, attempt := run(ctx, e, op, a)
		res.Diagnostics = append(res.Diagnostics, attempt)
		if attempt.Success {
			res.Data = data
			res.Source = a.Name()
			res.Found = true
			log.Info().
				Str("adapter", a.Name()).
				Int("records", attempt.RecordCount).
				Dur("duration", attempt.Duration).
				Int("failed_before", res.Diagnostics.Failed()).
				Msg("fallback source selected")
			return res
		}
	}

	log.Warn().
		Int("attempts", len(res.Diagnostics)).
		Strs("skipped", res.Skipped).
		Str("trail", res.Diagnostics.String()).
		Msg("all adapters exhausted")
	return res
}

func run[T any](ctx context.Context, e *Executor, op Operation[T], a fetcher.Adapter) (data T, attempt Attempt) {
	attempt = Attempt{
		Adapter:   a.Name(),
		Operation: op.Kind,
		StartedAt: e.now(),
	}
	defer func() {
		if rec := recover(); rec != nil {
			var zero T
			data = zero
			attempt.Success = false
			attempt.ErrorKind = KindProvider
			attempt.ErrorType = "panic"
			attempt.ErrorMessage = errors.Newf("%v", rec).Error()
		}
		attempt.Duration = e.now().Sub(attempt.StartedAt)
	}()

	call := retry.Call{Adapter: a.Name(), Operation: op.Kind}
	data, err := retry.Do(ctx, e.retrier, call, func(ctx context.Context) (T, error) {
		attempt.Tries++
		return op.Call(ctx, a)
	})
	if err != nil {
		attempt.ErrorKind = KindProvider
		var failure *retry.Failure
		if errors.As(err, &failure) {
			attempt.ErrorType = failure.ErrorType
			attempt.ErrorMessage = failure.Message
			attempt.Network = failure.Network
		} else {
			attempt.ErrorType = fetcher.TypeName(err)
			attempt.ErrorMessage = err.Error()
			attempt.Network = fetcher.IsNetworkError(err)
		}
		if attempt.Network {
			attempt.ErrorKind = KindNetwork
		}
		return data, attempt
	}

	attempt.RecordCount = op.Count(data)
	if attempt.RecordCount <= 0 {
		attempt.RecordCount = 0
		attempt.ErrorKind = KindEmpty
		return data, attempt
	}
	attempt.Success = true
	return data, attempt
}

func available(ctx context.Context, a fetcher.Adapter) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return a.Available(ctx)
}
