package engine

import "sort"

// stockLine is one material line that wants a stock reservation.
type stockLine struct {
	id            string
	itemID        string
	qty           float64
	allowOverbook bool
}

// stockReserveLines lists non-tombstoned material lines with stock
// procurement, reserve set, and a named inventory item, in id order.
func stockReserveLines(snapshot map[string]any) []stockLine {
	materials, _ := snapshot["materials"].(map[string]any)
	byID, _ := materials["byId"].(map[string]any)
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var lines []stockLine
	for _, id := range ids {
		rec, _ := byID[id].(map[string]any)
		if rec == nil {
			continue
		}
		if del, ok := rec["deletedAt"]; ok && del != nil && del != "" {
			continue
		}
		proc, _ := rec["procurement"].(map[string]any)
		if proc == nil {
			continue
		}
		mode, _ := proc["mode"].(string)
		reserve, _ := proc["reserve"].(bool)
		if mode != "stock" || !reserve {
			continue
		}
		itemID, _ := proc["inventoryItemId"].(string)
		if itemID == "" {
			continue
		}
		qty, _ := rec["qty"].(float64)
		overbook, _ := proc["allowOverbook"].(bool)
		lines = append(lines, stockLine{id: id, itemID: itemID, qty: qty, allowOverbook: overbook})
	}
	return lines
}
