// Package registry tracks which viewers are subscribed to which device.
// Entries are created lazily and outlive the device connection, so viewers
// stay subscribed while a device reconnects.
package registry

import (
	"errors"
	"sync"

	"github.com/jsherman999/statehub/internal/transport"
)

var errRetired = errors.New("registry: collection retired")

// Collection is the ordered set of viewers for one device identifier.
type Collection struct {
	mu        sync.Mutex
	members   []transport.Socket
	observers map[uint64]func(transport.Socket)
	order     []uint64
	nextID    uint64
	retired   bool
}

func newCollection() *Collection {
	return &Collection{observers: make(map[uint64]func(transport.Socket))}
}

// Add appends s and reports it to every membership observer, in the order
// observers were installed. Adding a member twice is a no-op.
func (c *Collection) Add(s transport.Socket) (bool, error) {
	c.mu.Lock()
	if c.retired {
		c.mu.Unlock()
		return false, errRetired
	}
	for _, m := range c.members {
		if m.ID() == s.ID() {
			c.mu.Unlock()
			return false, nil
		}
	}
	c.members = append(c.members, s)
	fns := c.observerFuncs()
	c.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
	return true, nil
}

// Remove drops s. Removal is not reported to observers.
func (c *Collection) Remove(s transport.Socket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.members {
		if m.ID() == s.ID() {
			c.members = append(c.members[:i], c.members[i+1:]...)
			return true
		}
	}
	return false
}

// Members returns the current viewers in insertion order.
func (c *Collection) Members() []transport.Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.Socket, len(c.members))
	copy(out, c.members)
	return out
}

func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

// Observe installs onAdd for future additions and returns the members
// present at that moment. The two happen atomically, so every viewer is
// either in existing or reported to onAdd, never both.
func (c *Collection) Observe(onAdd func(transport.Socket)) (existing []transport.Socket, dispose func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.observers[id] = onAdd
	c.order = append(c.order, id)
	existing = make([]transport.Socket, len(c.members))
	copy(existing, c.members)
	c.mu.Unlock()

	var once sync.Once
	return existing, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.observers, id)
			for i, oid := range c.order {
				if oid == id {
					c.order = append(c.order[:i], c.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (c *Collection) observerFuncs() []func(transport.Socket) {
	fns := make([]func(transport.Socket), 0, len(c.order))
	for _, id := range c.order {
		fns = append(fns, c.observers[id])
	}
	return fns
}

// Registry maps device identifiers to their viewer collections.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Collection
}

func New() *Registry {
	return &Registry{entries: make(map[string]*Collection)}
}

// Ensure returns the collection for deviceID, creating it if needed.
func (r *Registry) Ensure(deviceID string) *Collection {
	r.mu.RLock()
	c, ok := r.entries[deviceID]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.entries[deviceID]; ok {
		return c
	}
	c = newCollection()
	r.entries[deviceID] = c
	return c
}

func (r *Registry) Get(deviceID string) (*Collection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.entries[deviceID]
	return c, ok
}

// Join subscribes s to deviceID.
func (r *Registry) Join(deviceID string, s transport.Socket) *Collection {
	for {
		c := r.Ensure(deviceID)
		if _, err := c.Add(s); !errors.Is(err, errRetired) {
			return c
		}
	}
}

// ObserveMembership watches additions to deviceID's collection. See
// Collection.Observe.
func (r *Registry) ObserveMembership(deviceID string, onAdd func(transport.Socket)) ([]transport.Socket, func()) {
	return r.Ensure(deviceID).Observe(onAdd)
}

// Prune drops entries that have no viewers and no observers, unless keep
// says otherwise. It returns how many entries were dropped.
func (r *Registry) Prune(keep func(deviceID string) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, c := range r.entries {
		if keep != nil && keep(id) {
			continue
		}
		c.mu.Lock()
		if len(c.members) == 0 && len(c.observers) == 0 {
			c.retired = true
			delete(r.entries, id)
			n++
		}
		c.mu.Unlock()
	}
	return n
}

// Stats returns the number of entries and subscribed viewers.
func (r *Registry) Stats() (entries, viewers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries = len(r.entries)
	for _, c := range r.entries {
		viewers += c.Len()
	}
	return entries, viewers
}
