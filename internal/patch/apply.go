package patch

import "time"

// Applier applies operation lists against snapshot documents. Now supplies
// the default tombstone timestamp.
type Applier struct {
	Now func() time.Time
}

func (a Applier) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Apply applies ops in list order against a deep copy of doc and returns the
// new document plus the operations that were structurally applied. The input
// document is never mutated; on any error the copy is discarded and no
// caller-visible state changes.
func (a Applier) Apply(doc map[string]any, ops []Op) (map[string]any, []Op, error) {
	out, _ := deepCopy(doc).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	for _, op := range ops {
		if err := a.applyOne(out, op); err != nil {
			return nil, nil, err
		}
	}
	applied := make([]Op, len(ops))
	copy(applied, ops)
	return out, applied, nil
}

func (a Applier) applyOne(doc map[string]any, op Op) error {
	switch op.Kind {
	case OpAdd, OpReplace:
		t, err := resolve(doc, op.Path, true)
		if err != nil {
			return err
		}
		return t.set(deepCopy(op.Value))
	case OpRemove:
		t, err := resolve(doc, op.Path, false)
		if err != nil {
			return err
		}
		return t.remove()
	case OpTombstone:
		t, err := resolve(doc, op.Path, true)
		if err != nil {
			return err
		}
		v, ok := t.value()
		if !ok {
			return &InvalidTargetError{Path: op.Path, Msg: "tombstone target missing"}
		}
		rec, isMap := v.(map[string]any)
		if !isMap {
			return &InvalidTargetError{Path: op.Path, Msg: "tombstone target is not an object"}
		}
		deletedAt := op.DeletedAt
		if deletedAt == "" {
			deletedAt = a.now().UTC().Format(time.RFC3339)
		}
		rec["deletedAt"] = deletedAt
		if op.Reason != "" {
			rec["deletedReason"] = op.Reason
		}
		return nil
	case OpLink, OpUnlink:
		t, err := resolve(doc, op.Path, true)
		if err != nil {
			return err
		}
		v, _ := t.value()
		seq, isSeq := v.([]any)
		if !isSeq {
			return &InvalidTargetError{Path: op.Path, Msg: op.Kind + " target is not a sequence"}
		}
		if op.Kind == OpLink {
			for _, el := range seq {
				if el == any(op.To) {
					return nil
				}
			}
			return t.set(append(seq, op.To))
		}
		for i, el := range seq {
			if el == any(op.To) {
				return t.set(append(seq[:i:i], seq[i+1:]...))
			}
		}
		return nil
	}
	return &PathError{Path: op.Path, Msg: "unknown op kind " + op.Kind}
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[k] = deepCopy(val)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, val := range x {
			s[i] = deepCopy(val)
		}
		return s
	}
	return v
}
