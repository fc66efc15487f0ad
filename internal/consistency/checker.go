// Package consistency compares two providers' answers to the same query and
// recommends which to trust.
package consistency

import (
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"equity-recon/internal/market"
)

// Checker scores agreement between two tables. It is safe for concurrent use.
type Checker struct {
	opts   Options
	logger zerolog.Logger
}

// NewChecker builds a Checker. Invalid options fall back to DefaultOptions.
func NewChecker(opts Options, logger zerolog.Logger) *Checker {
	logger = logger.With().Str("component", "consistency").Logger()
	if err := opts.Validate(); err != nil {
		logger.Warn().Err(err).Msg("invalid consistency options; using defaults")
		opts = DefaultOptions()
	}
	return &Checker{opts: opts, logger: logger}
}

// Options returns the effective options.
func (c *Checker) Options() Options { return c.opts }

// Check aligns primary and secondary by entity key and scores each metric.
// keyAliases overrides the configured aliases when non-empty. Check never panics;
// any internal failure yields the empty outcome with details["error"] set.
func (c *Checker) Check(primary, secondary market.Table, primaryName, secondaryName string, keyAliases []string) (report Report) {
	defer func() {
		if rec := recover(); rec != nil {
			report = emptyReport(primaryName, secondaryName, "comparison failed")
			report.Details["error"] = fmt.Sprint(rec)
			c.logger.Error().
				Str("primary", primaryName).
				Str("secondary", secondaryName).
				Interface("panic", rec).
				Msg("consistency check failed")
		}
	}()

	if primary.Empty() || secondary.Empty() {
		return emptyReport(primaryName, secondaryName, "empty input")
	}

	if len(keyAliases) == 0 {
		keyAliases = c.opts.KeyAliases
	}
	key, ok := market.KeyColumn(keyAliases, primary, secondary)
	if !ok {
		return emptyReport(primaryName, secondaryName, "no shared key column")
	}

	shared := market.SharedKeys(primary, secondary, key)
	if len(shared) == 0 {
		r := emptyReport(primaryName, secondaryName, "no shared entities")
		r.Details["key_column"] = key
		return r
	}
	compared := shared
	if len(compared) > c.opts.MaxSharedKeys {
		compared = compared[:c.opts.MaxSharedKeys]
	}

	pIdx, _ := market.Index(primary, key)
	sIdx, _ := market.Index(secondary, key)

	comparisons := make([]Comparison, 0, len(c.opts.Metrics))
	var weighted, weights float64
	var nCompared, nSignificant int
	for _, m := range c.opts.Metrics {
		cmp := Comparison{Metric: m.Name, Tolerance: m.Tolerance, Weight: m.Weight}
		cmp.Primary = mean(pIdx, compared, column(primary, m))
		cmp.Secondary = mean(sIdx, compared, column(secondary, m))
		if cmp.Primary != nil && cmp.Secondary != nil {
			d := DifferencePct(*cmp.Primary, *cmp.Secondary)
			cmp.Difference = &d
			cmp.Score = Score(float64(d), m.Tolerance)
			cmp.Significant = float64(d) > m.Tolerance
			weighted += m.Weight * cmp.Score
			weights += m.Weight
			nCompared++
			if cmp.Significant {
				nSignificant++
			}
		}
		comparisons = append(comparisons, cmp)
	}

	if nCompared == 0 {
		r := emptyReport(primaryName, secondaryName, "no comparable metrics")
		r.Comparisons = comparisons
		r.Details["key_column"] = key
		r.Details["shared_keys"] = len(shared)
		return r
	}

	confidence := 0.0
	if weights > 0 {
		confidence = weighted / weights
	}
	report = Report{
		Consistent:      float64(nSignificant) <= c.opts.SignificantRatio*float64(nCompared),
		PrimarySource:   primaryName,
		SecondarySource: secondaryName,
		Confidence:      confidence,
		Action:          c.action(confidence),
		Comparisons:     comparisons,
		Details: map[string]any{
			"key_column":          key,
			"shared_keys":         len(shared),
			"compared_keys":       len(compared),
			"compared_metrics":    nCompared,
			"significant_metrics": nSignificant,
		},
	}

	c.logger.Debug().
		Str("primary", primaryName).
		Str("secondary", secondaryName).
		Float64("confidence", report.Confidence).
		Str("action", string(report.Action)).
		Strs("significant", report.Significant()).
		Msg("consistency check complete")
	return report
}

func (c *Checker) action(confidence float64) Action {
	t := c.opts.Thresholds
	switch {
	case confidence > t.UseEither:
		return UseEither
	case confidence > t.WithWarning:
		return UsePrimaryWithWarning
	case confidence > t.UsePrimaryOnly:
		return UsePrimaryOnly
	default:
		return Investigate
	}
}

// DifferencePct is |secondary-primary|/|primary|, or +Inf when only primary is zero.
func DifferencePct(primary, secondary float64) Ratio {
	if primary == 0 {
		if secondary == 0 {
			return 0
		}
		return Ratio(math.Inf(1))
	}
	return Ratio(math.Abs(secondary-primary) / math.Abs(primary))
}

// Score is max(0, 1-diff/tolerance), and 0 for an infinite difference.
func Score(diff, tolerance float64) float64 {
	if math.IsInf(diff, 0) || math.IsNaN(diff) || tolerance <= 0 {
		return 0
	}
	return math.Max(0, 1-diff/tolerance)
}

// column returns the first of the metric's aliases present in t.
func column(t market.Table, m Metric) string {
	for _, col := range m.columns() {
		if t.HasColumn(col) {
			return col
		}
	}
	return ""
}

// mean averages col over rows under keys, skipping missing and zero values.
func mean(idx map[string][]market.Row, keys []string, col string) *float64 {
	if col == "" {
		return nil
	}
	var sum float64
	n := 0
	for _, k := range keys {
		for _, row := range idx[k] {
			v, ok := row.Float(col)
			if !ok || v == 0 {
				continue
			}
			sum += v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	m := sum / float64(n)
	return &m
}

// Resolve maps a report to the table to use and a rationale. The primary is
// always chosen; the secondary only informs the score.
func Resolve(primary, _ market.Table, report Report) (market.Table, string) {
	sig := "none"
	if s := report.Significant(); len(s) > 0 {
		sig = strings.Join(s, ",")
	}
	p, s := report.PrimarySource, report.SecondarySource

	switch report.Action {
	case UseEither:
		return primary, fmt.Sprintf("%s and %s agree (confidence %.2f); using %s", p, s, report.Confidence, p)
	case UsePrimaryWithWarning:
		return primary, fmt.Sprintf("minor disagreement between %s and %s (confidence %.2f, significant: %s); using %s with warning",
			p, s, report.Confidence, sig, p)
	case Investigate:
		return primary, fmt.Sprintf("%s and %s disagree (confidence %.2f, significant: %s); using %s, manual review of both sources required",
			p, s, report.Confidence, sig, p)
	default:
		if reason, ok := report.Details["reason"].(string); ok {
			return primary, fmt.Sprintf("using %s only: %s", p, reason)
		}
		return primary, fmt.Sprintf("low agreement between %s and %s (confidence %.2f, significant: %s); using %s only",
			p, s, report.Confidence, sig, p)
	}
}
