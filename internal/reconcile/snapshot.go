package reconcile

import "sort"

// Snapshot sections the detectors care about.
const (
	SectionTasks     = "tasks"
	SectionMaterials = "materials"
	SectionLabor     = "labor"
)

// byID returns the <section>.byId mapping, or nil when absent.
func byID(snapshot map[string]any, section string) map[string]any {
	sec, _ := snapshot[section].(map[string]any)
	if sec == nil {
		return nil
	}
	m, _ := sec["byId"].(map[string]any)
	return m
}

func sortedIDs(m map[string]any) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func isTombstoned(rec map[string]any) bool {
	if rec == nil {
		return false
	}
	v, ok := rec["deletedAt"]
	if !ok || v == nil {
		return false
	}
	s, isStr := v.(string)
	return !isStr || s != ""
}

// linkedTaskIDs reads rec.links.taskIds as a string list.
func linkedTaskIDs(rec map[string]any) []string {
	links, _ := rec["links"].(map[string]any)
	if links == nil {
		return nil
	}
	seq, _ := links["taskIds"].([]any)
	var ids []string
	for _, el := range seq {
		if s, ok := el.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids
}

func getMap(rec map[string]any, key string) map[string]any {
	m, _ := rec[key].(map[string]any)
	return m
}

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func getBool(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

// getFloat tolerates the numeric types JSON decoding and literal Go test
// fixtures produce.
func getFloat(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
