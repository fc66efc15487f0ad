// Package volume resolves whether a raw traded volume is quoted in round lots or shares.
package volume

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Unit is the denomination chosen for a raw volume.
type Unit string

const (
	UnitShare Unit = "share"
	UnitLot   Unit = "lot"
)

// UnitPolicy picks a unit when both hypotheses are plausible and no expected
// amount is known.
type UnitPolicy string

const (
	PreferShares UnitPolicy = "shares"
	PreferLots   UnitPolicy = "lots"
)

// DefaultUnitPolicy is the tie-break used unless configured otherwise.
const DefaultUnitPolicy = PreferShares

// Options configure disambiguation. Amounts are in currency units.
type Options struct {
	MinAmount float64    `mapstructure:"min_amount"`
	MaxAmount float64    `mapstructure:"max_amount"`
	LotSize   int64      `mapstructure:"lot_size"`
	Tolerance float64    `mapstructure:"tolerance"`
	Policy    UnitPolicy `mapstructure:"policy"`
	// AmountMultiplier scales the amount column to currency units in NormalizeTable.
	AmountMultiplier float64 `mapstructure:"amount_multiplier"`
}

// DefaultOptions returns the market-wide daily turnover band [1e7, 1e10].
func DefaultOptions() Options {
	return Options{
		MinAmount:        1e7,
		MaxAmount:        1e10,
		LotSize:          100,
		Tolerance:        0.15,
		Policy:           DefaultUnitPolicy,
		AmountMultiplier: 1,
	}
}

// Validate checks the band and policy.
func (o Options) Validate() error {
	if o.MinAmount < 0 || o.MaxAmount <= o.MinAmount {
		return fmt.Errorf("volume: need 0 <= min_amount < max_amount, got [%g, %g]", o.MinAmount, o.MaxAmount)
	}
	if o.LotSize <= 1 {
		return fmt.Errorf("volume: lot_size must exceed 1")
	}
	if o.Tolerance <= 0 {
		return fmt.Errorf("volume: tolerance must be positive")
	}
	if o.Policy != PreferShares && o.Policy != PreferLots {
		return fmt.Errorf("volume: unknown policy %q", o.Policy)
	}
	if o.AmountMultiplier <= 0 {
		return fmt.Errorf("volume: amount_multiplier must be positive")
	}
	return nil
}

// Diagnostic explains one disambiguation. It is never mutated after return.
type Diagnostic struct {
	Input          decimal.Decimal `json:"input_value"`
	Price          decimal.Decimal `json:"price"`
	ShareAmount    decimal.Decimal `json:"hypothesis_share_amount"`
	LotAmount      decimal.Decimal `json:"hypothesis_lot_amount"`
	SharePlausible bool            `json:"share_plausible"`
	LotPlausible   bool            `json:"lot_plausible"`
	Valid          bool            `json:"is_valid"`
	Unit           Unit            `json:"chosen_unit,omitempty"`
	Volume         decimal.Decimal `json:"corrected_volume"`
	Amount         decimal.Decimal `json:"corrected_amount"`
	// ExpectedDeltaPct is |Amount-expected|/expected when an expected amount was given.
	ExpectedDeltaPct *decimal.Decimal `json:"expected_amount_delta_pct,omitempty"`
	ExpectedMatch    bool             `json:"expected_match"`
	Reason           string           `json:"reason"`
}

// Disambiguate tests the share and lot hypotheses for raw against the plausible
// turnover band. A non-positive expected amount is ignored.
func Disambiguate(raw, price decimal.Decimal, expected *decimal.Decimal, opts Options) Diagnostic {
	d := Diagnostic{Input: raw, Price: price}
	if !raw.IsPositive() || !price.IsPositive() {
		d.Reason = "volume and price must be positive"
		return d
	}

	lot := decimal.NewFromInt(opts.LotSize)
	lo, hi := decimal.NewFromFloat(opts.MinAmount), decimal.NewFromFloat(opts.MaxAmount)
	inBand := func(v decimal.Decimal) bool { return v.GreaterThanOrEqual(lo) && v.LessThanOrEqual(hi) }

	d.ShareAmount = raw.Mul(price)
	d.LotAmount = raw.Mul(lot).Mul(price)
	d.SharePlausible = inBand(d.ShareAmount)
	d.LotPlausible = inBand(d.LotAmount)

	var exp decimal.Decimal
	hasExpected := expected != nil && expected.IsPositive()
	if hasExpected {
		exp = *expected
	}

	switch {
	case d.SharePlausible && !d.LotPlausible:
		d.Unit, d.Reason = UnitShare, "only the share amount is plausible"
	case d.LotPlausible && !d.SharePlausible:
		d.Unit, d.Reason = UnitLot, "only the lot amount is plausible"
	case d.SharePlausible && d.LotPlausible && hasExpected:
		if d.LotAmount.Sub(exp).Abs().LessThan(d.ShareAmount.Sub(exp).Abs()) {
			d.Unit, d.Reason = UnitLot, "lot amount is closer to the expected amount"
		} else {
			d.Unit, d.Reason = UnitShare, "share amount is closer to the expected amount"
		}
	case d.SharePlausible && d.LotPlausible:
		d.Unit = UnitShare
		if opts.Policy == PreferLots {
			d.Unit = UnitLot
		}
		d.Reason = fmt.Sprintf("both amounts plausible; policy prefers %s", opts.Policy)
	default:
		d.Reason = fmt.Sprintf("neither amount within [%s, %s]", lo.String(), hi.String())
		return d
	}

	d.Valid = true
	if d.Unit == UnitLot {
		d.Volume, d.Amount = raw.Mul(lot), d.LotAmount
	} else {
		d.Volume, d.Amount = raw, d.ShareAmount
	}
	if hasExpected {
		delta := d.Amount.Sub(exp).Abs().Div(exp)
		d.ExpectedDeltaPct = &delta
		d.ExpectedMatch = delta.LessThanOrEqual(decimal.NewFromFloat(opts.Tolerance))
	}
	return d
}
