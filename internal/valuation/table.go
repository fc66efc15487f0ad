package valuation

import (
	"github.com/shopspring/decimal"

	"equity-recon/internal/market"
)

const maxMismatches = 20

// Mismatch identifies one row whose reported ratio failed its cross-check.
type Mismatch struct {
	Key        string          `json:"key"`
	Ratio      Ratio           `json:"ratio"`
	Reported   decimal.Decimal `json:"reported"`
	Calculated decimal.Decimal `json:"calculated"`
}

// TableSummary counts row-level cross-checks.
type TableSummary struct {
	Checked    int        `json:"checked"`
	Invalid    int        `json:"invalid"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
}

// CheckTable runs ValidatePE on every row carrying pe, close (or price),
// total_share and net_profit, and ValidatePB where net_assets and pb are present.
func (v *Validator) CheckTable(t market.Table) TableSummary {
	var sum TableSummary
	key, _ := market.KeyColumn(market.DefaultKeyAliases, t)

	for _, row := range t.Rows {
		price, ok := firstFloat(row, "close", "price")
		if !ok {
			continue
		}
		shares, ok := row.Float("total_share")
		if !ok {
			continue
		}
		id, _ := row.String(key)

		if pe, okPE := row.Float("pe"); okPE {
			if profit, okNP := row.Float("net_profit"); okNP {
				v.tally(&sum, id, v.ValidatePE(d(pe), d(price), d(shares), d(profit)))
			}
		}
		if pb, okPB := row.Float("pb"); okPB {
			if assets, okNA := row.Float("net_assets"); okNA {
				v.tally(&sum, id, v.ValidatePB(d(pb), d(price), d(shares), d(assets)))
			}
		}
	}
	return sum
}

func (v *Validator) tally(sum *TableSummary, id string, r Result) {
	sum.Checked++
	if r.Valid {
		return
	}
	sum.Invalid++
	if len(sum.Mismatches) < maxMismatches {
		sum.Mismatches = append(sum.Mismatches, Mismatch{Key: id, Ratio: r.Ratio, Reported: r.Reported, Calculated: r.Calculated})
	}
}

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func firstFloat(row market.Row, cols ...string) (float64, bool) {
	for _, c := range cols {
		if v, ok := row.Float(c); ok {
			return v, true
		}
	}
	return 0, false
}
