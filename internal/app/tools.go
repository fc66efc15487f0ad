package app

import (
	"fmt"

	"github.com/shopspring/decimal"

	"equity-recon/internal/valuation"
	"equity-recon/internal/volume"
)

// Volume disambiguates one raw volume and prints the diagnostic.
func (a *App) Volume(opts VolumeOptions) error {
	raw, err := parseDecimal("volume", opts.Volume)
	if err != nil {
		return err
	}
	price, err := parseDecimal("price", opts.Price)
	if err != nil {
		return err
	}

	var expected *decimal.Decimal
	if opts.Expected != "" {
		v, err := parseDecimal("expected", opts.Expected)
		if err != nil {
			return err
		}
		expected = &v
	}

	diag := volume.Disambiguate(raw, price, expected, a.Config.Volume)
	return writeJSON(a.out(), diag)
}

// ValidateRatio recomputes a reported ratio and prints the result.
func (a *App) ValidateRatio(opts ValuationOptions) error {
	reported, err := parseDecimal("reported", opts.Reported)
	if err != nil {
		return err
	}
	price, err := parseDecimal("price", opts.Price)
	if err != nil {
		return err
	}
	shares, err := parseDecimal("shares", opts.Shares)
	if err != nil {
		return err
	}

	v := valuation.New(a.Config.Valuation)
	var res valuation.Result
	switch opts.Ratio {
	case valuation.RatioPE, "":
		base, err := parseDecimal("net-profit", opts.Base)
		if err != nil {
			return err
		}
		res = v.ValidatePE(reported, price, shares, base)
	case valuation.RatioPB:
		base, err := parseDecimal("net-assets", opts.Base)
		if err != nil {
			return err
		}
		res = v.ValidatePB(reported, price, shares, base)
	case valuation.RatioMarketValue:
		res = v.ValidateMarketValue(reported, price, shares)
	default:
		return fmt.Errorf("unknown ratio %q", opts.Ratio)
	}
	return writeJSON(a.out(), res)
}

func parseDecimal(name, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	return d, nil
}
