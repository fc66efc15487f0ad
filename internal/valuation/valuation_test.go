package valuation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"equity-recon/internal/market"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestValidatePEWithinTolerance(t *testing.T) {
	v := New(DefaultOptions())
	r := v.ValidatePE(dec("397.7"), dec("53.65"), dec("332000000"), dec("44600000"))

	require.True(t, r.Valid, r.Explanation)
	assert.InDelta(t, 399.4, r.Calculated.InexactFloat64(), 1.0)
	assert.True(t, r.DifferencePct.LessThan(dec("0.01")))
	assert.Empty(t, r.Causes)
	assert.Equal(t, RatioPE, r.Ratio)
}

func TestValidatePEMismatchListsCauses(t *testing.T) {
	v := New(DefaultOptions())
	r := v.ValidatePE(dec("25"), dec("53.65"), dec("332000000"), dec("44600000"))

	assert.False(t, r.Valid)
	assert.Len(t, r.Causes, 3)
	assert.Contains(t, r.Explanation, "possible causes")
	assert.Contains(t, r.Explanation, "TTM")
}

func TestValidatePEFailsFast(t *testing.T) {
	v := New(DefaultOptions())

	r := v.ValidatePE(dec("10"), dec("5"), dec("0"), dec("100"))
	assert.False(t, r.Valid)
	assert.Contains(t, r.Explanation, "total shares")

	r = v.ValidatePE(dec("10"), dec("5"), dec("1000"), dec("-100"))
	assert.False(t, r.Valid)
	assert.Contains(t, r.Explanation, "loss makers")

	r = v.ValidatePE(dec("0"), dec("5"), dec("1000"), dec("100"))
	assert.False(t, r.Valid)
	assert.True(t, r.Calculated.Equal(dec("50")))
}

func TestValidatePBAndMarketValue(t *testing.T) {
	v := New(Options{Tolerance: 0.05, MarketValueUnit: 10000})

	pb := v.ValidatePB(dec("2"), dec("10"), dec("1000"), dec("5000"))
	assert.True(t, pb.Valid)
	assert.True(t, pb.Calculated.Equal(dec("2")))

	pb = v.ValidatePB(dec("2"), dec("10"), dec("1000"), dec("-1"))
	assert.False(t, pb.Valid)

	mv := v.ValidateMarketValue(dec("1781.18"), dec("53.65"), dec("332000000"))
	assert.True(t, mv.Reported.Equal(dec("17811800")))
	assert.False(t, mv.Valid)
	assert.Len(t, mv.Causes, 3)

	mv = v.ValidateMarketValue(dec("1781218"), dec("53.65"), dec("332000000"))
	assert.True(t, mv.Valid, mv.Explanation)
}

func TestCheckTable(t *testing.T) {
	v := New(DefaultOptions())
	tbl := market.NewTable(nil, []market.Row{
		{"ts_code": "A", "pe": 397.7, "close": 53.65, "total_share": 332000000.0, "net_profit": 44600000.0},
		{"ts_code": "B", "pe": 20.0, "close": 53.65, "total_share": 332000000.0, "net_profit": 44600000.0},
		{"ts_code": "C", "pe": 5.0, "close": 10.0},
		{"ts_code": "D", "pb": 2.0, "price": 10.0, "total_share": 1000.0, "net_assets": 5000.0},
	})

	sum := v.CheckTable(tbl)
	assert.Equal(t, 3, sum.Checked)
	assert.Equal(t, 1, sum.Invalid)
	require.Len(t, sum.Mismatches, 1)
	assert.Equal(t, "B", sum.Mismatches[0].Key)
	assert.Equal(t, RatioPE, sum.Mismatches[0].Ratio)
}
