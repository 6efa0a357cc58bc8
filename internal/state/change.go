package state

import "fmt"

// Op is a JSON-patch style operation name.
type Op string

const (
	OpAdd     Op = "add"
	OpReplace Op = "replace"
	OpRemove  Op = "remove"
)

// Change is the minimal record of one mutation: an operation applied at a
// JSON pointer. The device pushes them, viewers edit with them and the
// broadcaster relays them.
type Change struct {
	Op    Op     `json:"op" cbor:"op"`
	Path  string `json:"path" cbor:"path"`
	Value any    `json:"value" cbor:"value"`
}

func (c Change) validate() error {
	switch c.Op {
	case OpAdd, OpReplace, OpRemove:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, c.Op)
	}
}

func cloneChanges(in []Change) []Change {
	out := make([]Change, len(in))
	for i, c := range in {
		out[i] = Change{Op: c.Op, Path: c.Path, Value: CloneValue(c.Value)}
	}
	return out
}
