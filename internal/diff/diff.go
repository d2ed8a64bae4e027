// Package diff computes which listings appeared between two polls.
package diff

import "market_watch/internal/model"

// DetectNewItems returns the items of next whose id does not occur in prev,
// in the order they appear in next. A nil prev reports every item as new.
func DetectNewItems(prev, next *model.Snapshot) []model.Item {
	if next == nil {
		return []model.Item{}
	}
	seen := make(map[string]struct{})
	if prev != nil {
		for _, it := range prev.Items {
			seen[it.ID] = struct{}{}
		}
	}
	out := []model.Item{}
	for _, it := range next.Items {
		if _, ok := seen[it.ID]; ok {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	return out
}
