package market

// DefaultKeyAliases lists entity key column names in resolution order.
var DefaultKeyAliases = []string{"ts_code", "symbol", "code", "stock_code"}

// KeyColumn returns the first alias present in every table.
func KeyColumn(aliases []string, tables ...Table) (string, bool) {
	for _, alias := range aliases {
		found := true
		for _, t := range tables {
			if !t.HasColumn(alias) {
				found = false
				break
			}
		}
		if found {
			return alias, true
		}
	}
	return "", false
}

// Index groups rows by their key column value. Keys are returned in first-seen order.
func Index(t Table, key string) (map[string][]Row, []string) {
	idx := make(map[string][]Row, len(t.Rows))
	order := make([]string, 0, len(t.Rows))
	for _, r := range t.Rows {
		k, ok := r.String(key)
		if !ok {
			continue
		}
		if _, seen := idx[k]; !seen {
			order = append(order, k)
		}
		idx[k] = append(idx[k], r)
	}
	return idx, order
}

// SharedKeys returns the keys of primary (in primary order) that also occur in secondary.
func SharedKeys(primary, secondary Table, key string) []string {
	_, order := Index(primary, key)
	other, _ := Index(secondary, key)
	shared := make([]string, 0, len(order))
	for _, k := range order {
		if _, ok := other[k]; ok {
			shared = append(shared, k)
		}
	}
	return shared
}
