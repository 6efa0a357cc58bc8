// Package state holds the per-device application state container: a
// JSON-shaped document that can be mutated with pointer operations,
// observed for changes and snapshotted.
package state

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownOp    = errors.New("state: unknown op")
	ErrInvalidPath  = errors.New("state: invalid path")
	ErrPathNotFound = errors.New("state: path not found")
	ErrNotObject    = errors.New("state: document root must be an object")
)

// ConnectionState is the device link state carried in the document.
type ConnectionState string

const (
	Offline    ConnectionState = "offline"
	Connecting ConnectionState = "connecting"
	Connected  ConnectionState = "connected"
)

// Well-known document paths.
const (
	PathInitialized     = "/isInitialized"
	PathConnectionState = "/connectionState"
	PathConfig          = "/config"
	PathCredential      = "/config/token"
	PathUser            = "/user"
)

// Store is one device's state container. The document is guarded by its own
// lock so snapshots and observers never race a mutation; serializing
// competing writers is the caller's job.
type Store struct {
	mu  sync.RWMutex
	doc map[string]any

	obsMu     sync.Mutex
	observers map[uint64]func([]Change)
	order     []uint64
	nextID    uint64
}

// New returns an uninitialized, offline document.
func New() *Store {
	return &Store{
		doc: map[string]any{
			"isInitialized":   false,
			"connectionState": string(Offline),
			"config":          map[string]any{"token": ""},
			"user":            map[string]any{},
		},
		observers: make(map[uint64]func([]Change)),
	}
}

// Apply runs changes as one atomic batch: either all apply or the document
// is left untouched. Observers see the batch after the document is updated.
func (s *Store) Apply(changes ...Change) error {
	if len(changes) == 0 {
		return nil
	}

	s.mu.Lock()
	var root any = CloneDocument(s.doc)
	for _, c := range changes {
		if err := c.validate(); err != nil {
			s.mu.Unlock()
			return err
		}
		tokens, err := parsePointer(c.Path)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		root, err = applyAt(root, tokens, c)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("%s %s: %w", c.Op, c.Path, err)
		}
	}
	next, ok := root.(map[string]any)
	if !ok {
		s.mu.Unlock()
		return ErrNotObject
	}
	s.doc = next
	s.mu.Unlock()

	s.notify(cloneChanges(changes))
	return nil
}

// Snapshot returns a deep copy of the whole document.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CloneDocument(s.doc)
}

// Get returns a copy of the value at path.
func (s *Store) Get(path string) (any, bool) {
	tokens, err := parsePointer(path)
	if err != nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := lookup(s.doc, tokens)
	if !ok {
		return nil, false
	}
	return CloneValue(v), true
}

func (s *Store) IsInitialized() bool {
	v, _ := s.Get(PathInitialized)
	b, _ := v.(bool)
	return b
}

func (s *Store) ConnectionState() ConnectionState {
	v, _ := s.Get(PathConnectionState)
	str, _ := v.(string)
	return ConnectionState(str)
}

// SetInitialized flips the initialization flag, emitting a change only when
// the value differs.
func (s *Store) SetInitialized(v bool) error {
	if cur, ok := s.Get(PathInitialized); ok && cur == v {
		return nil
	}
	return s.Apply(Change{Op: OpAdd, Path: PathInitialized, Value: v})
}

func (s *Store) SetConnectionState(cs ConnectionState) error {
	if s.ConnectionState() == cs {
		return nil
	}
	return s.Apply(Change{Op: OpAdd, Path: PathConnectionState, Value: string(cs)})
}

// Observe registers fn for every batch applied from now on. The returned
// dispose func is idempotent.
func (s *Store) Observe(fn func([]Change)) (dispose func()) {
	s.obsMu.Lock()
	s.nextID++
	id := s.nextID
	s.observers[id] = fn
	s.order = append(s.order, id)
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			for i, oid := range s.order {
				if oid == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
			s.obsMu.Unlock()
		})
	}
}

// WhenInitialized calls fn once, as soon as the initialization flag is true.
// If it already is, fn runs before WhenInitialized returns.
func (s *Store) WhenInitialized(fn func()) (dispose func()) {
	var (
		fired sync.Once
		mu    sync.Mutex
		stop  func()
	)
	release := func() {
		mu.Lock()
		f := stop
		mu.Unlock()
		if f != nil {
			f()
		}
	}

	obs := s.Observe(func([]Change) {
		if s.IsInitialized() {
			fired.Do(fn)
			release()
		}
	})
	mu.Lock()
	stop = obs
	mu.Unlock()

	if s.IsInitialized() {
		fired.Do(fn)
		obs()
	}
	return obs
}

func (s *Store) notify(changes []Change) {
	s.obsMu.Lock()
	fns := make([]func([]Change), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.observers[id])
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn(changes)
	}
}
