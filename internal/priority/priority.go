// Package priority orders provider adapters, highest priority first.
package priority

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"equity-recon/internal/fetcher"
)

// ErrConfigUnavailable marks a failed override lookup. It is logged, never returned.
var ErrConfigUnavailable = errors.New("priority configuration unavailable")

// Descriptor pairs an adapter with its effective priority.
type Descriptor struct {
	Name         string              `json:"name"`
	Priority     int                 `json:"priority"`
	Capabilities []fetcher.Operation `json:"capabilities"`
	Adapter      fetcher.Adapter     `json:"-"`
}

// Supports reports whether the descriptor's adapter can serve op.
func (d Descriptor) Supports(op fetcher.Operation) bool {
	return slices.Contains(d.Capabilities, op)
}

// Describe builds a descriptor at the adapter's compiled-in priority.
func Describe(a fetcher.Adapter) Descriptor {
	return Descriptor{
		Name:         a.Name(),
		Priority:     a.DefaultPriority(),
		Capabilities: fetcher.Capabilities(a),
		Adapter:      a,
	}
}

// Resolve returns a copy sorted by descending priority. Ties keep input order.
func Resolve(ds []Descriptor) []Descriptor {
	out := slices.Clone(ds)
	slices.SortStableFunc(out, func(a, b Descriptor) int {
		return cmp.Compare(b.Priority, a.Priority)
	})
	return out
}

// Names lists descriptor names in order.
func Names(ds []Descriptor) []string {
	names := make([]string, len(ds))
	for i, d := range ds {
		names[i] = d.Name
	}
	return names
}

// Store supplies priority overrides keyed by market and lowercased adapter name.
type Store interface {
	Priority(ctx context.Context, market, adapter string) (int, bool, error)
}

// Options configure a Resolver.
type Options struct {
	Market string
	// Disabled holds adapter names removed before sorting. Matching ignores case.
	Disabled []string
}

// Resolver holds the current ordered snapshot. Refresh replaces it wholesale.
type Resolver struct {
	market   string
	disabled map[string]struct{}
	adapters []fetcher.Adapter
	store    Store
	logger   zerolog.Logger

	current atomic.Pointer[[]Descriptor]
}

// NewResolver resolves the initial order. A nil store or failing lookups fall back
// to each adapter's default priority.
func NewResolver(ctx context.Context, opts Options, adapters []fetcher.Adapter, store Store, logger zerolog.Logger) *Resolver {
	disabled := make(map[string]struct{}, len(opts.Disabled))
	for _, name := range opts.Disabled {
		disabled[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}
	r := &Resolver{
		market:   opts.Market,
		disabled: disabled,
		adapters: slices.Clone(adapters),
		store:    store,
		logger:   logger.With().Str("component", "priority").Str("market", opts.Market).Logger(),
	}
	r.Refresh(ctx)
	return r
}

// Ordered returns the current snapshot. Callers must not mutate it.
func (r *Resolver) Ordered() []Descriptor {
	if p := r.current.Load(); p != nil {
		return *p
	}
	return nil
}

// Adapters returns the adapters of the current snapshot in order.
func (r *Resolver) Adapters() []fetcher.Adapter {
	ds := r.Ordered()
	out := make([]fetcher.Adapter, len(ds))
	for i, d := range ds {
		out[i] = d.Adapter
	}
	return out
}

// Refresh re-reads overrides and swaps in a new snapshot.
func (r *Resolver) Refresh(ctx context.Context) []Descriptor {
	ds := make([]Descriptor, 0, len(r.adapters))
	for _, a := range r.adapters {
		key := strings.ToLower(a.Name())
		if _, off := r.disabled[key]; off {
			r.logger.Debug().Str("adapter", a.Name()).Msg("adapter disabled")
			continue
		}
		d := Describe(a)
		if p, ok := r.lookup(ctx, key); ok {
			d.Priority = p
		}
		ds = append(ds, d)
	}
	ordered := Resolve(ds)
	r.current.Store(&ordered)
	r.logger.Info().Strs("order", Names(ordered)).Msg("adapter priorities resolved")
	return ordered
}

func (r *Resolver) lookup(ctx context.Context, adapter string) (p int, ok bool) {
	if r.store == nil {
		return 0, false
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn().
				Str("adapter", adapter).
				Err(errors.Mark(errors.Newf("lookup panicked: %v", rec), ErrConfigUnavailable)).
				Msg("priority lookup failed; using default")
			p, ok = 0, false
		}
	}()
	p, ok, err := r.store.Priority(ctx, r.market, adapter)
	if err != nil {
		r.logger.Warn().
			Str("adapter", adapter).
			Err(errors.Mark(err, ErrConfigUnavailable)).
			Msg("priority lookup failed; using default")
		return 0, false
	}
	return p, ok
}
