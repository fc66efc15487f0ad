package market

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowFloatParsesCommonShapes(t *testing.T) {
	row := Row{
		"f":     12.5,
		"i":     int64(7),
		"s":     " 3.25 ",
		"n":     json.Number("42"),
		"empty": "",
		"nil":   nil,
		"bad":   "n/a",
	}

	cases := map[string]float64{"f": 12.5, "i": 7, "s": 3.25, "n": 42}
	for col, want := range cases {
		got, ok := row.Float(col)
		require.Truef(t, ok, "column %s should parse", col)
		assert.InDelta(t, want, got, 1e-9, col)
	}

	for _, col := range []string{"empty", "nil", "bad", "missing"} {
		_, ok := row.Float(col)
		assert.Falsef(t, ok, "column %s should not parse", col)
	}
}

func TestNewTableDerivesColumns(t *testing.T) {
	tbl := NewTable(nil, []Row{
		{"ts_code": "600000.SH", "pe": 5.1},
		{"ts_code": "000001.SZ", "pb": 0.7},
	})
	assert.Equal(t, []string{"pe", "ts_code", "pb"}, tbl.Columns)
	assert.Equal(t, 2, tbl.Len())
	assert.True(t, tbl.HasColumn("pb"))
	assert.False(t, tbl.HasColumn("total_mv"))
}

func TestKeyColumnFirstAliasPresentInAllTables(t *testing.T) {
	a := NewTable(nil, []Row{{"symbol": "600000", "code": "600000"}})
	b := NewTable(nil, []Row{{"code": "600000"}})

	key, ok := KeyColumn(DefaultKeyAliases, a, b)
	require.True(t, ok)
	assert.Equal(t, "code", key)

	_, ok = KeyColumn(DefaultKeyAliases, a, NewTable(nil, []Row{{"name": "x"}}))
	assert.False(t, ok)
}

func TestSharedKeysKeepsPrimaryOrder(t *testing.T) {
	p := NewTable(nil, []Row{{"ts_code": "C"}, {"ts_code": "A"}, {"ts_code": "B"}})
	s := NewTable(nil, []Row{{"ts_code": "B"}, {"ts_code": "C"}, {"ts_code": "D"}})
	assert.Equal(t, []string{"C", "B"}, SharedKeys(p, s, "ts_code"))
}

func TestParseTradeDateAcceptsBothLayouts(t *testing.T) {
	a, err := ParseTradeDate("20250102")
	require.NoError(t, err)
	b, err := ParseTradeDate("2025-01-02")
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
	assert.Equal(t, "20250102", FormatTradeDate(a))

	_, err = ParseTradeDate("Jan 2")
	assert.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	orig := NewTable(nil, []Row{{"vol": 1.0}})
	cp := orig.Clone()
	cp.Rows[0]["vol"] = 2.0
	v, _ := orig.Rows[0].Float("vol")
	assert.Equal(t, 1.0, v)
}
