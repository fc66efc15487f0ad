// Package valuation recomputes reported valuation ratios from raw inputs and flags
// disagreement. Its findings are advisory.
package valuation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Ratio names a validated figure.
type Ratio string

const (
	RatioPE          Ratio = "pe"
	RatioPB          Ratio = "pb"
	RatioMarketValue Ratio = "total_mv"
)

var causes = map[Ratio][]string{
	RatioPE: {
		"net profit period mismatch (TTM, latest annual or annualised quarter)",
		"stale share count after issuance, buyback or conversion",
		"different PE formula (static, TTM or forward earnings)",
	},
	RatioPB: {
		"net assets reported at a different date than the price",
		"stale share count after issuance, buyback or conversion",
		"net assets including or excluding minority interests",
	},
	RatioMarketValue: {
		"stale share count after issuance, buyback or conversion",
		"total versus free-float market value",
		"price taken from a different session",
	},
}

// Options configure a Validator.
type Options struct {
	Tolerance float64 `mapstructure:"tolerance"`
	// MarketValueUnit converts a reported market value into currency units.
	MarketValueUnit float64 `mapstructure:"market_value_unit"`
}

// DefaultOptions returns a 5% tolerance with market value in currency units.
func DefaultOptions() Options {
	return Options{Tolerance: 0.05, MarketValueUnit: 1}
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.Tolerance <= 0 {
		return fmt.Errorf("valuation: tolerance must be positive")
	}
	if o.MarketValueUnit <= 0 {
		return fmt.Errorf("valuation: market_value_unit must be positive")
	}
	return nil
}

// Result is the outcome of one cross-check.
type Result struct {
	Ratio         Ratio           `json:"ratio"`
	Valid         bool            `json:"is_valid"`
	Reported      decimal.Decimal `json:"reported"`
	Calculated    decimal.Decimal `json:"calculated"`
	DifferencePct decimal.Decimal `json:"difference_pct"`
	Explanation   string          `json:"explanation"`
	Causes        []string        `json:"causes,omitempty"`
}

// Validator recomputes ratios. The zero value is not usable; call New.
type Validator struct {
	tolerance decimal.Decimal
	mvUnit    decimal.Decimal
}

// New builds a Validator.
func New(opts Options) *Validator {
	return &Validator{
		tolerance: decimal.NewFromFloat(opts.Tolerance),
		mvUnit:    decimal.NewFromFloat(opts.MarketValueUnit),
	}
}

// ValidatePE recomputes price / (netProfit / totalShares). Loss makers and
// non-positive share counts are invalid, never errors.
func (v *Validator) ValidatePE(reportedPE, price, totalShares, netProfit decimal.Decimal) Result {
	r := Result{Ratio: RatioPE, Reported: reportedPE}
	if !totalShares.IsPositive() {
		r.Explanation = "total shares must be positive"
		return r
	}
	eps := netProfit.Div(totalShares)
	if !eps.IsPositive() {
		r.Explanation = fmt.Sprintf("earnings per share %s is not positive; PE is undefined for loss makers", eps.StringFixed(4))
		return r
	}
	return v.compare(r, price.Div(eps))
}

// ValidatePB recomputes price / (netAssets / totalShares).
func (v *Validator) ValidatePB(reportedPB, price, totalShares, netAssets decimal.Decimal) Result {
	r := Result{Ratio: RatioPB, Reported: reportedPB}
	if !totalShares.IsPositive() {
		r.Explanation = "total shares must be positive"
		return r
	}
	bvps := netAssets.Div(totalShares)
	if !bvps.IsPositive() {
		r.Explanation = fmt.Sprintf("book value per share %s is not positive; PB is undefined", bvps.StringFixed(4))
		return r
	}
	return v.compare(r, price.Div(bvps))
}

// ValidateMarketValue recomputes price * totalShares against reportedMV scaled by
// MarketValueUnit.
func (v *Validator) ValidateMarketValue(reportedMV, price, totalShares decimal.Decimal) Result {
	r := Result{Ratio: RatioMarketValue, Reported: reportedMV.Mul(v.mvUnit)}
	if !totalShares.IsPositive() || !price.IsPositive() {
		r.Explanation = "price and total shares must be positive"
		return r
	}
	return v.compare(r, price.Mul(totalShares))
}

func (v *Validator) compare(r Result, calculated decimal.Decimal) Result {
	r.Calculated = calculated
	if !r.Reported.IsPositive() {
		r.Explanation = fmt.Sprintf("reported %s must be positive", r.Ratio)
		return r
	}
	r.DifferencePct = calculated.Sub(r.Reported).Abs().Div(r.Reported)
	r.Valid = r.DifferencePct.LessThanOrEqual(v.tolerance)
	if r.Valid {
		r.Explanation = fmt.Sprintf("calculated %s %s within %s%% of reported %s",
			r.Ratio, calculated.StringFixed(2), v.tolerance.Shift(2).String(), r.Reported.StringFixed(2))
		return r
	}
	r.Causes = append([]string(nil), causes[r.Ratio]...)
	r.Explanation = fmt.Sprintf("calculated %s %s differs from reported %s by %s%%; possible causes: %s",
		r.Ratio, calculated.StringFixed(2), r.Reported.StringFixed(2),
		r.DifferencePct.Shift(2).StringFixed(2), strings.Join(r.Causes, "; "))
	return r
}
