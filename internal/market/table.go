package market

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Row is a single provider record keyed by column name.
type Row map[string]any

// Table is the normalized tabular shape every provider adapter returns.
// Columns preserves provider order; rows may omit columns they have no value for.
type Table struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// NewTable builds a table from rows, deriving the column list in first-seen order
// when columns is empty.
func NewTable(columns []string, rows []Row) Table {
	if len(columns) == 0 {
		seen := make(map[string]struct{})
		for _, r := range rows {
			for _, k := range sortedKeys(r) {
				if _, ok := seen[k]; ok {
					continue
				}
				seen[k] = struct{}{}
				columns = append(columns, k)
			}
		}
	}
	return Table{Columns: columns, Rows: rows}
}

// Len returns the number of rows.
func (t Table) Len() int { return len(t.Rows) }

// Empty reports whether the table carries no rows.
func (t Table) Empty() bool { return len(t.Rows) == 0 }

// HasColumn reports whether the column is declared, or present on any row.
func (t Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	for _, r := range t.Rows {
		if _, ok := r[name]; ok {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the table rows so callers can rewrite values safely.
func (t Table) Clone() Table {
	cols := append([]string(nil), t.Columns...)
	rows := make([]Row, len(t.Rows))
	for i, r := range t.Rows {
		cp := make(Row, len(r))
		for k, v := range r {
			cp[k] = v
		}
		rows[i] = cp
	}
	return Table{Columns: cols, Rows: rows}
}

// Float returns a numeric column value. Strings are parsed; nil, NaN and
// unparsable values report ok=false.
func (r Row) Float(col string) (float64, bool) {
	v, ok := r[col]
	if !ok || v == nil {
		return 0, false
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// String returns a column rendered as a trimmed string; nil reports ok=false.
func (r Row) String(col string) (string, bool) {
	v, ok := r[col]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		s = strings.TrimSpace(s)
		return s, s != ""
	case json.Number:
		return s.String(), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	default:
		return fmt.Sprint(v), true
	}
}

// Period is the candle aggregation period.
type Period string

const (
	PeriodMinute Period = "1m"
	PeriodDay    Period = "d"
	PeriodWeek   Period = "w"
	PeriodMonth  Period = "m"
)

// ParsePeriod accepts the short codes and their long names.
func ParsePeriod(s string) (Period, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1m", "min", "minute":
		return PeriodMinute, nil
	case "d", "day", "daily", "":
		return PeriodDay, nil
	case "w", "week", "weekly":
		return PeriodWeek, nil
	case "m", "month", "monthly":
		return PeriodMonth, nil
	}
	return "", fmt.Errorf("unknown candle period %q", s)
}

// TradeDateLayout is the compact trade date format used by providers and storage keys.
const TradeDateLayout = "20060102"

// FormatTradeDate renders a trade date in provider format.
func FormatTradeDate(t time.Time) string { return t.Format(TradeDateLayout) }

// ParseTradeDate accepts both 20060102 and 2006-01-02.
func ParseTradeDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(TradeDateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid trade date %q", s)
	}
	return t, nil
}

func sortedKeys(r Row) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
