package state

import (
	"fmt"
	"strconv"
	"strings"
)

// parsePointer splits an RFC 6901 pointer into unescaped reference tokens.
// The empty pointer addresses the whole document.
func parsePointer(p string) ([]string, error) {
	if p == "" {
		return nil, nil
	}
	if p[0] != '/' {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	tokens := strings.Split(p[1:], "/")
	for i, t := range tokens {
		t = strings.ReplaceAll(t, "~1", "/")
		tokens[i] = strings.ReplaceAll(t, "~0", "~")
	}
	return tokens, nil
}

// applyAt applies c at tokens below node and returns the (possibly new) node.
// Slices may be reallocated, so callers store the returned value back into
// the parent container.
func applyAt(node any, tokens []string, c Change) (any, error) {
	if len(tokens) == 0 {
		if c.Op == OpRemove {
			return nil, fmt.Errorf("%w: cannot remove document root", ErrInvalidPath)
		}
		return CloneValue(c.Value), nil
	}

	key, rest := tokens[0], tokens[1:]
	switch n := node.(type) {
	case map[string]any:
		child, ok := n[key]
		if len(rest) > 0 {
			if !ok {
				return nil, ErrPathNotFound
			}
			updated, err := applyAt(child, rest, c)
			if err != nil {
				return nil, err
			}
			n[key] = updated
			return n, nil
		}
		switch c.Op {
		case OpAdd:
			n[key] = CloneValue(c.Value)
		case OpReplace:
			if !ok {
				return nil, ErrPathNotFound
			}
			n[key] = CloneValue(c.Value)
		case OpRemove:
			if !ok {
				return nil, ErrPathNotFound
			}
			delete(n, key)
		}
		return n, nil

	case []any:
		if key == "-" && len(rest) == 0 && c.Op == OpAdd {
			return append(n, CloneValue(c.Value)), nil
		}
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("%w: bad array index %q", ErrInvalidPath, key)
		}
		limit := len(n)
		if c.Op == OpAdd && len(rest) == 0 {
			limit++
		}
		if idx >= limit {
			return nil, ErrPathNotFound
		}
		if len(rest) > 0 {
			updated, err := applyAt(n[idx], rest, c)
			if err != nil {
				return nil, err
			}
			n[idx] = updated
			return n, nil
		}
		switch c.Op {
		case OpAdd:
			n = append(n, nil)
			copy(n[idx+1:], n[idx:])
			n[idx] = CloneValue(c.Value)
		case OpReplace:
			n[idx] = CloneValue(c.Value)
		case OpRemove:
			n = append(n[:idx], n[idx+1:]...)
		}
		return n, nil

	default:
		return nil, ErrPathNotFound
	}
}

// lookup resolves tokens below node without modifying anything.
func lookup(node any, tokens []string) (any, bool) {
	for _, key := range tokens {
		switch n := node.(type) {
		case map[string]any:
			v, ok := n[key]
			if !ok {
				return nil, false
			}
			node = v
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(n) {
				return nil, false
			}
			node = n[idx]
		default:
			return nil, false
		}
	}
	return node, true
}

// CloneValue deep-copies the container types produced by the JSON and CBOR
// decoders. Scalars are returned as-is.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneDocument(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	default:
		return v
	}
}

// CloneDocument deep-copies a snapshot.
func CloneDocument(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = CloneValue(v)
	}
	return out
}
