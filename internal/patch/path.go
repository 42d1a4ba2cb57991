package patch

import (
	"strconv"
	"strings"
)

// appendToken addresses the position one past the end of a sequence.
const appendToken = "-"

func splitPath(p string) ([]string, error) {
	if p == "" {
		return nil, &PathError{Path: p, Msg: "empty path"}
	}
	if !strings.HasPrefix(p, "/") {
		return nil, &PathError{Path: p, Msg: "must begin with /"}
	}
	tokens := strings.Split(p[1:], "/")
	for _, t := range tokens {
		if t == "" {
			return nil, &PathError{Path: p, Msg: "empty segment"}
		}
	}
	return tokens, nil
}

// target is a resolved parent container plus the terminal key. setContainer
// writes the container back into its own parent; sequence mutations need it
// because append may reallocate.
type target struct {
	path         string
	container    any
	key          string
	setContainer func(any)
}

// resolve walks the non-terminal segments of path inside doc. Missing
// intermediate object containers are created when createMissing is set;
// sequences are never auto-created.
func resolve(doc map[string]any, path string, createMissing bool) (target, error) {
	tokens, err := splitPath(path)
	if err != nil {
		return target{}, err
	}
	var cur any = doc
	set := func(any) {}
	for i := 0; i < len(tokens)-1; i++ {
		tok := tokens[i]
		switch c := cur.(type) {
		case map[string]any:
			next, ok := c[tok]
			if !ok || next == nil {
				if !createMissing {
					return target{}, &PathError{Path: path, Msg: "segment " + tok + " not found"}
				}
				m := map[string]any{}
				c[tok] = m
				next = m
			}
			parent, key := c, tok
			set = func(v any) { parent[key] = v }
			cur = next
		case []any:
			idx, aerr := strconv.Atoi(tok)
			if aerr != nil {
				return target{}, &PathError{Path: path, Msg: "non-integer index " + tok}
			}
			if idx < 0 || idx >= len(c) {
				return target{}, &PathError{Path: path, Msg: "index " + tok + " out of range"}
			}
			seq, j := c, idx
			set = func(v any) { seq[j] = v }
			cur = c[idx]
		default:
			return target{}, &PathError{Path: path, Msg: "segment " + tok + " is not a container"}
		}
	}
	return target{path: path, container: cur, key: tokens[len(tokens)-1], setContainer: set}, nil
}

// value reads the terminal element, reporting whether it exists.
func (t target) value() (any, bool) {
	switch c := t.container.(type) {
	case map[string]any:
		v, ok := c[t.key]
		return v, ok
	case []any:
		if t.key == appendToken {
			return nil, false
		}
		idx, err := strconv.Atoi(t.key)
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, false
		}
		return c[idx], true
	}
	return nil, false
}

// set assigns the terminal element, appending on the append sentinel or an
// index equal to the sequence length.
func (t target) set(v any) error {
	switch c := t.container.(type) {
	case map[string]any:
		c[t.key] = v
		return nil
	case []any:
		if t.key == appendToken {
			t.setContainer(append(c, v))
			return nil
		}
		idx, err := strconv.Atoi(t.key)
		if err != nil {
			return &PathError{Path: t.path, Msg: "non-integer index " + t.key}
		}
		if idx == len(c) {
			t.setContainer(append(c, v))
			return nil
		}
		if idx < 0 || idx > len(c) {
			return &PathError{Path: t.path, Msg: "index " + t.key + " out of range"}
		}
		c[idx] = v
		return nil
	}
	return &PathError{Path: t.path, Msg: "parent is not a container"}
}

// remove deletes the terminal key or splices the terminal index.
func (t target) remove() error {
	switch c := t.container.(type) {
	case map[string]any:
		if _, ok := c[t.key]; !ok {
			return &PathError{Path: t.path, Msg: "key " + t.key + " not found"}
		}
		delete(c, t.key)
		return nil
	case []any:
		idx, err := strconv.Atoi(t.key)
		if err != nil {
			return &PathError{Path: t.path, Msg: "non-integer index " + t.key}
		}
		if idx < 0 || idx >= len(c) {
			return &PathError{Path: t.path, Msg: "index " + t.key + " out of range"}
		}
		t.setContainer(append(c[:idx:idx], c[idx+1:]...))
		return nil
	}
	return &PathError{Path: t.path, Msg: "parent is not a container"}
}
