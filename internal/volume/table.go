package volume

import (
	"github.com/shopspring/decimal"

	"equity-recon/internal/market"
)

var (
	volumeColumns = []string{"vol", "volume"}
	priceColumns  = []string{"close", "price"}
)

// UnitColumn records the unit chosen for each normalised row.
const UnitColumn = "volume_unit"

// Summary counts the outcome of NormalizeTable.
type Summary struct {
	Rows      int `json:"rows"`
	FromLots  int `json:"from_lots"`
	AsShares  int `json:"as_shares"`
	Invalid   int `json:"invalid"`
	Skipped   int `json:"skipped"`
	Mismatch  int `json:"expected_mismatch"`
	Unchanged int `json:"unchanged"`
}

// NormalizeTable rewrites the volume column of a copy of t in shares. The amount
// column, scaled by AmountMultiplier, anchors each row when present. Rows without
// volume or price are skipped; implausible rows are left as they were.
func NormalizeTable(t market.Table, opts Options) (market.Table, Summary) {
	out := t.Clone()
	sum := Summary{Rows: out.Len()}

	volCol, ok := firstColumn(out, volumeColumns)
	priceCol, okPrice := firstColumn(out, priceColumns)
	if !ok || !okPrice {
		sum.Skipped = sum.Rows
		sum.Unchanged = sum.Rows
		return out, sum
	}
	if !out.HasColumn(UnitColumn) {
		out.Columns = append(out.Columns, UnitColumn)
	}
	mult := decimal.NewFromFloat(opts.AmountMultiplier)

	for _, row := range out.Rows {
		v, okV := row.Float(volCol)
		p, okP := row.Float(priceCol)
		if !okV || !okP {
			sum.Skipped++
			sum.Unchanged++
			continue
		}
		var expected *decimal.Decimal
		if a, okA := row.Float("amount"); okA && a > 0 {
			e := decimal.NewFromFloat(a).Mul(mult)
			expected = &e
		}

		diag := Disambiguate(decimal.NewFromFloat(v), decimal.NewFromFloat(p), expected, opts)
		if !diag.Valid {
			sum.Invalid++
			sum.Unchanged++
			continue
		}
		if expected != nil && !diag.ExpectedMatch {
			sum.Mismatch++
		}
		row[UnitColumn] = string(diag.Unit)
		if diag.Unit == UnitLot {
			row[volCol] = diag.Volume.InexactFloat64()
			sum.FromLots++
		} else {
			sum.AsShares++
			sum.Unchanged++
		}
	}
	return out, sum
}

func firstColumn(t market.Table, candidates []string) (string, bool) {
	for _, c := range candidates {
		if t.HasColumn(c) {
			return c, true
		}
	}
	return "", false
}
