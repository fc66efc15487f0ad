package consistency

import (
	"fmt"
	"math"

	"equity-recon/internal/market"
)

// Metric describes one compared field.
type Metric struct {
	Name string `mapstructure:"name"`
	// Aliases are candidate column names tried in order; Name is used when empty.
	Aliases   []string `mapstructure:"aliases"`
	Tolerance float64  `mapstructure:"tolerance"`
	Weight    float64  `mapstructure:"weight"`
}

func (m Metric) columns() []string {
	if len(m.Aliases) == 0 {
		return []string{m.Name}
	}
	return m.Aliases
}

// Thresholds map confidence to an action. A score strictly above a bound earns it.
type Thresholds struct {
	UseEither      float64 `mapstructure:"use_either"`
	WithWarning    float64 `mapstructure:"with_warning"`
	UsePrimaryOnly float64 `mapstructure:"primary_only"`
}

// Options configure a Checker.
type Options struct {
	Metrics       []Metric   `mapstructure:"metrics"`
	KeyAliases    []string   `mapstructure:"key_aliases"`
	MaxSharedKeys int        `mapstructure:"max_shared_keys"`
	Thresholds    Thresholds `mapstructure:"thresholds"`
	// SignificantRatio is the largest share of significant metrics still deemed consistent.
	SignificantRatio float64 `mapstructure:"significant_ratio"`
}

// DefaultOptions returns the stock metric table. Weights sum to 1.
func DefaultOptions() Options {
	return Options{
		Metrics: []Metric{
			{Name: "pe", Tolerance: 0.05, Weight: 0.25},
			{Name: "pb", Tolerance: 0.05, Weight: 0.25},
			{Name: "total_mv", Tolerance: 0.02, Weight: 0.20},
			{Name: "price", Aliases: []string{"price", "close"}, Tolerance: 0.01, Weight: 0.15},
			{Name: "volume", Aliases: []string{"volume", "vol"}, Tolerance: 0.10, Weight: 0.10},
			{Name: "turnover_rate", Tolerance: 0.05, Weight: 0.05},
		},
		KeyAliases:       append([]string(nil), market.DefaultKeyAliases...),
		MaxSharedKeys:    100,
		Thresholds:       Thresholds{UseEither: 0.8, WithWarning: 0.6, UsePrimaryOnly: 0.3},
		SignificantRatio: 0.3,
	}
}

// Validate checks tolerances and that weights sum to 1.
func (o Options) Validate() error {
	if len(o.Metrics) == 0 {
		return fmt.Errorf("consistency: no metrics configured")
	}
	sum := 0.0
	seen := make(map[string]struct{}, len(o.Metrics))
	for _, m := range o.Metrics {
		if m.Name == "" {
			return fmt.Errorf("consistency: metric without name")
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("consistency: duplicate metric %q", m.Name)
		}
		seen[m.Name] = struct{}{}
		if m.Tolerance <= 0 {
			return fmt.Errorf("consistency: metric %q tolerance must be positive", m.Name)
		}
		if m.Weight < 0 {
			return fmt.Errorf("consistency: metric %q weight must not be negative", m.Name)
		}
		sum += m.Weight
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("consistency: metric weights sum to %.4f, want 1", sum)
	}
	if len(o.KeyAliases) == 0 {
		return fmt.Errorf("consistency: key_aliases must not be empty")
	}
	if o.MaxSharedKeys <= 0 {
		return fmt.Errorf("consistency: max_shared_keys must be positive")
	}
	t := o.Thresholds
	if !(t.UseEither > t.WithWarning && t.WithWarning > t.UsePrimaryOnly && t.UsePrimaryOnly >= 0 && t.UseEither <= 1) {
		return fmt.Errorf("consistency: thresholds must satisfy 1 >= use_either > with_warning > primary_only >= 0")
	}
	if o.SignificantRatio < 0 || o.SignificantRatio > 1 {
		return fmt.Errorf("consistency: significant_ratio must be within [0,1]")
	}
	return nil
}
