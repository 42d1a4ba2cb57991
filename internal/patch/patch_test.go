package patch_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"draftline/internal/patch"
)

func fixedApplier() patch.Applier {
	return patch.Applier{Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
}

func doc() map[string]any {
	return map[string]any{
		"tasks": map[string]any{"byId": map[string]any{
			"task_1": map[string]any{"title": "demo"},
		}},
		"labor": map[string]any{"byId": map[string]any{
			"lab_1": map[string]any{
				"qty":   2.0,
				"links": map[string]any{"taskIds": []any{"task_1"}},
			},
		}},
		"notes": []any{"first"},
	}
}

func TestApplyNeverMutatesInput(t *testing.T) {
	in := doc()
	before, _ := json.Marshal(in)

	out, _, err := fixedApplier().Apply(in, []patch.Op{
		{Kind: patch.OpAdd, Path: "/tasks/byId/task_2", Value: map[string]any{"title": "new"}},
		{Kind: patch.OpRemove, Path: "/notes/0"},
		{Kind: patch.OpTombstone, Path: "/labor/byId/lab_1", Reason: "gone"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	after, _ := json.Marshal(in)
	if string(before) != string(after) {
		t.Fatalf("input mutated:\n%s\n%s", before, after)
	}
	if _, ok := out["tasks"].(map[string]any)["byId"].(map[string]any)["task_2"]; !ok {
		t.Fatalf("add not applied")
	}
}

func TestApplyIsAllOrNothing(t *testing.T) {
	in := doc()
	out, applied, err := fixedApplier().Apply(in, []patch.Op{
		{Kind: patch.OpAdd, Path: "/tasks/byId/task_2", Value: map[string]any{}},
		{Kind: patch.OpRemove, Path: "/tasks/byId/missing"},
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if out != nil || applied != nil {
		t.Fatalf("failed apply leaked output")
	}
	var perr *patch.PathError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want PathError", err)
	}
}

func TestAddCreatesMissingContainers(t *testing.T) {
	out, _, err := fixedApplier().Apply(map[string]any{}, []patch.Op{
		{Kind: patch.OpAdd, Path: "/materials/byId/mat_1/qty", Value: 3.0},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	qty := out["materials"].(map[string]any)["byId"].(map[string]any)["mat_1"].(map[string]any)["qty"]
	if qty != 3.0 {
		t.Fatalf("qty = %v", qty)
	}
}

func TestSequenceAppendAndSplice(t *testing.T) {
	a := fixedApplier()
	out, _, err := a.Apply(doc(), []patch.Op{
		{Kind: patch.OpAdd, Path: "/notes/-", Value: "second"},
		{Kind: patch.OpAdd, Path: "/notes/2", Value: "third"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	notes := out["notes"].([]any)
	if len(notes) != 3 || notes[1] != "second" || notes[2] != "third" {
		t.Fatalf("notes = %v", notes)
	}

	out, _, err = a.Apply(out, []patch.Op{{Kind: patch.OpRemove, Path: "/notes/0"}})
	if err != nil {
		t.Fatalf("splice: %v", err)
	}
	notes = out["notes"].([]any)
	if len(notes) != 2 || notes[0] != "second" {
		t.Fatalf("notes after splice = %v", notes)
	}

	_, _, err = a.Apply(out, []patch.Op{{Kind: patch.OpAdd, Path: "/notes/9", Value: "x"}})
	if err == nil {
		t.Fatalf("out-of-range index accepted")
	}
}

func TestTombstone(t *testing.T) {
	out, _, err := fixedApplier().Apply(doc(), []patch.Op{
		{Kind: patch.OpTombstone, Path: "/labor/byId/lab_1", Reason: "duplicate"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	rec := out["labor"].(map[string]any)["byId"].(map[string]any)["lab_1"].(map[string]any)
	if rec["deletedAt"] != "2024-01-01T00:00:00Z" {
		t.Fatalf("deletedAt = %v", rec["deletedAt"])
	}
	if rec["deletedReason"] != "duplicate" {
		t.Fatalf("deletedReason = %v", rec["deletedReason"])
	}
	// record fields survive tombstoning
	if rec["qty"] != 2.0 {
		t.Fatalf("qty = %v", rec["qty"])
	}

	_, _, err = fixedApplier().Apply(doc(), []patch.Op{
		{Kind: patch.OpTombstone, Path: "/labor/byId/nothing"},
	})
	var terr *patch.InvalidTargetError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want InvalidTargetError", err)
	}
}

func TestLinkUnlinkIdempotent(t *testing.T) {
	a := fixedApplier()
	linksPath := "/labor/byId/lab_1/links/taskIds"

	out, _, err := a.Apply(doc(), []patch.Op{
		{Kind: patch.OpLink, Path: linksPath, From: "lab_1", To: "task_1", Rel: "task"},
		{Kind: patch.OpLink, Path: linksPath, From: "lab_1", To: "task_2", Rel: "task"},
	})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	ids := out["labor"].(map[string]any)["byId"].(map[string]any)["lab_1"].(map[string]any)["links"].(map[string]any)["taskIds"].([]any)
	if len(ids) != 2 || ids[0] != "task_1" || ids[1] != "task_2" {
		t.Fatalf("taskIds = %v", ids)
	}

	out, _, err = a.Apply(out, []patch.Op{
		{Kind: patch.OpUnlink, Path: linksPath, From: "lab_1", To: "task_1", Rel: "task"},
		{Kind: patch.OpUnlink, Path: linksPath, From: "lab_1", To: "task_9", Rel: "task"},
	})
	if err != nil {
		t.Fatalf("unlink: %v", err)
	}
	ids = out["labor"].(map[string]any)["byId"].(map[string]any)["lab_1"].(map[string]any)["links"].(map[string]any)["taskIds"].([]any)
	if len(ids) != 1 || ids[0] != "task_2" {
		t.Fatalf("taskIds after unlink = %v", ids)
	}

	_, _, err = a.Apply(out, []patch.Op{
		{Kind: patch.OpLink, Path: "/labor/byId/lab_1/qty", To: "task_1"},
	})
	var terr *patch.InvalidTargetError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want InvalidTargetError", err)
	}
}

func TestPathValidation(t *testing.T) {
	a := fixedApplier()
	for _, path := range []string{"", "tasks/byId", "/tasks//x"} {
		_, _, err := a.Apply(doc(), []patch.Op{{Kind: patch.OpAdd, Path: path, Value: 1}})
		var perr *patch.PathError
		if !errors.As(err, &perr) {
			t.Fatalf("path %q: err = %v, want PathError", path, err)
		}
	}
	_, _, err := a.Apply(doc(), []patch.Op{{Kind: "move", Path: "/x"}})
	if err == nil {
		t.Fatalf("unknown kind accepted")
	}
}

func TestRemoveRequiresExistingKey(t *testing.T) {
	_, _, err := fixedApplier().Apply(doc(), []patch.Op{{Kind: patch.OpRemove, Path: "/tasks/byId/ghost"}})
	var perr *patch.PathError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want PathError", err)
	}
}
