// Package scrub removes private fields from state before it reaches a
// viewer. Everything here is pure: inputs are never modified.
package scrub

import (
	"strings"

	"github.com/jsherman999/statehub/internal/state"
)

// Snapshot returns a copy of snap with the credential emptied and the user
// identity section replaced by an empty object.
func Snapshot(snap map[string]any) map[string]any {
	out := state.CloneDocument(snap)
	if out == nil {
		out = make(map[string]any)
	}
	cfg, ok := out["config"].(map[string]any)
	if !ok {
		cfg = make(map[string]any)
		out["config"] = cfg
	}
	cfg["token"] = ""
	out["user"] = map[string]any{}
	return out
}

// Change redacts a single change record. Writes into the credential are
// emptied, anything touching the user section collapses to an empty user,
// and whole-config or whole-document writes are scrubbed like snapshots.
func Change(c state.Change) state.Change {
	switch {
	case c.Path == "":
		if doc, ok := c.Value.(map[string]any); ok {
			return state.Change{Op: c.Op, Path: c.Path, Value: Snapshot(doc)}
		}
	case c.Path == state.PathConfig:
		if cfg, ok := c.Value.(map[string]any); ok && c.Op != state.OpRemove {
			cfg = state.CloneDocument(cfg)
			cfg["token"] = ""
			return state.Change{Op: c.Op, Path: c.Path, Value: cfg}
		}
	case under(c.Path, state.PathCredential):
		if c.Op == state.OpRemove {
			return c
		}
		return state.Change{Op: c.Op, Path: c.Path, Value: ""}
	case under(c.Path, state.PathUser):
		return state.Change{Op: state.OpAdd, Path: state.PathUser, Value: map[string]any{}}
	}
	return state.Change{Op: c.Op, Path: c.Path, Value: state.CloneValue(c.Value)}
}

// Changes redacts a batch.
func Changes(cs []state.Change) []state.Change {
	out := make([]state.Change, len(cs))
	for i, c := range cs {
		out[i] = Change(c)
	}
	return out
}

func under(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
