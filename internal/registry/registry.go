// Package registry implements the process-wide Channel Registry (spec.md
// §4.6): allocation of 16-bit channel ids from a reserved and a dynamic
// range, and atomic lookup/remove against the single authoritative map.
package registry

import (
	"sync"

	"github.com/riocm/channelmgr/internal/chanerr"
	"github.com/riocm/channelmgr/internal/chanobj"
)

// DefaultDynamicStart and MaxChannelID are the spec.md §4.6 defaults.
const (
	DefaultDynamicStart uint16 = 256
	MaxChannelID        uint16 = 65535
)

// Registry is the process-wide channel-id -> Channel map. It holds one
// strong reference per installed channel (spec.md §3 invariant); every
// Lookup hands out an additional reference the caller must Release.
type Registry struct {
	mu           sync.Mutex
	channels     map[uint16]*chanobj.Channel
	dynamicStart uint16
	nextDynamic  uint16
	rxRingSize   int
}

func New(dynamicStart uint16, rxRingSize int) *Registry {
	if dynamicStart == 0 {
		dynamicStart = DefaultDynamicStart
	}
	return &Registry{
		channels:     make(map[uint16]*chanobj.Channel),
		dynamicStart: dynamicStart,
		nextDynamic:  dynamicStart,
		rxRingSize:   rxRingSize,
	}
}

// Allocate installs a new channel. requestedID==0 picks the next free id
// in [dynamicStart, MaxChannelID]; a nonzero id must fall in the reserved
// range [1, dynamicStart) or be a currently-free dynamic id, matching
// spec.md §4.6 ("attempt exactly requested_id").
func (r *Registry) Allocate(requestedID uint16) (*chanobj.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if requestedID != 0 {
		if _, exists := r.channels[requestedID]; exists {
			return nil, chanerr.ErrBusy
		}
		ch := chanobj.New(requestedID, r.rxRingSize)
		r.channels[requestedID] = ch
		return ch, nil
	}

	start := r.nextDynamic
	for {
		if _, exists := r.channels[r.nextDynamic]; !exists {
			id := r.nextDynamic
			ch := chanobj.New(id, r.rxRingSize)
			r.channels[id] = ch
			r.advanceDynamic()
			return ch, nil
		}
		r.advanceDynamic()
		if r.nextDynamic == start {
			return nil, chanerr.ErrNoMemory
		}
	}
}

func (r *Registry) advanceDynamic() {
	if r.nextDynamic == MaxChannelID {
		r.nextDynamic = r.dynamicStart
		return
	}
	r.nextDynamic++
}

// Lookup returns a refcount-incremented handle, or ErrNotFound. Callers
// must call Release on the returned channel when done with it.
func (r *Registry) Lookup(id uint16) (*chanobj.Channel, error) {
	r.mu.Lock()
	ch, ok := r.channels[id]
	r.mu.Unlock()
	if !ok {
		return nil, chanerr.ErrNotFound
	}
	ch.Retain()
	return ch, nil
}

// Remove atomically removes id from the registry and returns the stored
// reference, or ErrNotFound if it is already gone (idempotent close,
// spec.md §8). The caller owns the returned reference and must Release it
// exactly once to drop the registry's own strong reference.
func (r *Registry) Remove(id uint16) (*chanobj.Channel, error) {
	r.mu.Lock()
	ch, ok := r.channels[id]
	if ok {
		delete(r.channels, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil, chanerr.ErrNotFound
	}
	return ch, nil
}

// RemoveMatching removes and returns every channel for which match
// reports true, atomically with respect to other registry operations on
// each entry. Used by peer-removal and port-teardown sweeps (spec.md
// §4.7, §4.8).
func (r *Registry) RemoveMatching(match func(*chanobj.Channel) bool) []*chanobj.Channel {
	r.mu.Lock()
	var matched []*chanobj.Channel
	for id, ch := range r.channels {
		if match(ch) {
			matched = append(matched, ch)
			delete(r.channels, id)
		}
	}
	r.mu.Unlock()
	return matched
}

// Snapshot returns a point-in-time list of installed channels, for
// diagnostics/dashboard use only.
func (r *Registry) Snapshot() []*chanobj.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*chanobj.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

// Len reports the number of installed channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}
