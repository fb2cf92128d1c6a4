// Package scope resolves which run items must move together when
// an operator re-executes or re-evaluates one of them.
//
// Items sharing a non-empty query id are one logical query, even
// though each conversation room or repeat executes separately.
// Re-running a single physical item would leave the logical query
// half updated, so actions always apply to the whole group.
package scope

import (
	"slices"

	"github.com/wesm/qaview/internal/run"
)

// IndexByQuery maps each non-empty query id to the ids of its
// items, in input order.
func IndexByQuery(items []run.Item) map[string][]string {
	idx := make(map[string][]string)
	for _, it := range items {
		q := it.QueryKey()
		if q == "" {
			continue
		}
		idx[q] = append(idx[q], it.ID)
	}
	return idx
}

// Resolve returns the ids of every item sharing item's query id,
// item included. It falls back to the item alone when the query
// id is empty or unknown to the index.
func Resolve(item run.Item, idsByQuery map[string][]string) []string {
	q := item.QueryKey()
	if q == "" {
		return []string{item.ID}
	}
	ids := idsByQuery[q]
	if len(ids) == 0 {
		return []string{item.ID}
	}
	out := slices.Clone(ids)
	if !slices.Contains(out, item.ID) {
		out = append(out, item.ID)
	}
	return out
}

// NeedsConfirm reports whether any scoped item already holds an
// execution or evaluation result that a re-run would discard.
func NeedsConfirm(items []run.Item, scoped []string) bool {
	if len(scoped) == 0 {
		return false
	}
	want := make(map[string]bool, len(scoped))
	for _, id := range scoped {
		want[id] = true
	}
	for _, it := range items {
		if !want[it.ID] {
			continue
		}
		if it.HasExecution() || it.HasEvaluation() {
			return true
		}
	}
	return false
}

// Scope is the resolved target of a bulk action.
type Scope struct {
	ItemID       string   `json:"item_id"`
	QueryID      string   `json:"query_id"`
	IDs          []string `json:"ids"`
	NeedsConfirm bool     `json:"needs_confirm"`
}

// For resolves the scope of the item with the given id. It
// returns false when no such item exists.
func For(items []run.Item, itemID string) (Scope, bool) {
	i := slices.IndexFunc(items, func(it run.Item) bool {
		return it.ID == itemID
	})
	if i < 0 {
		return Scope{}, false
	}
	item := items[i]
	ids := Resolve(item, IndexByQuery(items))
	return Scope{
		ItemID:       item.ID,
		QueryID:      item.QueryKey(),
		IDs:          ids,
		NeedsConfirm: NeedsConfirm(items, ids),
	}, true
}
