package domain

import (
	"strconv"
	"strings"
)

// OrderRef builds the secondary correlation string attached to a bracket
// order alongside its remarks tag: "<account>:<model>:<scrip>:<date>:<index>".
// Brokers that truncate or strip remarks on the child legs of a bracket
// still echo this back, so it's what Classify's bracket-child fallback
// reaches for when the remarks tag alone doesn't resolve an index.
//
// Grounded on original_source's EngineUtils.get_order_ref.
func OrderRef(account, model, scrip, date string, index int) string {
	return strings.Join([]string{account, model, scrip, date, strconv.Itoa(index)}, ":")
}
