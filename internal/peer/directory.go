// Package peer implements the Peer Directory (spec.md §4.7): the
// per-port list of known remote endpoints, consulted by connect/accept
// and updated as the (out-of-scope) enumeration collaborator announces
// peers appearing and disappearing.
package peer

import (
	"sync"

	"github.com/riocm/channelmgr/internal/chanerr"
	"github.com/riocm/channelmgr/internal/transport"
)

// Peer is a (destid, device handle) pair attached to exactly one port
// (spec.md §3).
type Peer struct {
	DestID uint32
	Handle transport.DeviceHandle
}

// RemovalListener is invoked synchronously after a peer is removed from
// the directory, once per removed peer, while no directory lock is held.
// internal/lifecycle registers one to force-disconnect every channel
// bound to the removed peer (spec.md §4.7).
type RemovalListener func(portID string, p Peer)

// Directory is a read-heavy, write-light per-port map of known peers,
// protected by a single RWMutex shared across ports (spec.md §5 "the peer
// list is read under a shared lock by connect/accept and written under
// exclusive lock by add/remove").
type Directory struct {
	mu    sync.RWMutex
	ports map[string]map[uint32]transport.DeviceHandle

	listenersMu sync.Mutex
	listeners   []RemovalListener
}

func New() *Directory {
	return &Directory{ports: make(map[string]map[uint32]transport.DeviceHandle)}
}

// OnRemoval registers a listener invoked for every peer removal.
func (d *Directory) OnRemoval(l RemovalListener) {
	d.listenersMu.Lock()
	d.listeners = append(d.listeners, l)
	d.listenersMu.Unlock()
}

// Add attaches a peer to a port. Idempotent: re-announcing an existing
// destid with a new handle replaces it (the enumeration collaborator is
// assumed to announce the live handle).
func (d *Directory) Add(portID string, destid uint32, handle transport.DeviceHandle) {
	d.mu.Lock()
	m, ok := d.ports[portID]
	if !ok {
		m = make(map[uint32]transport.DeviceHandle)
		d.ports[portID] = m
	}
	m[destid] = handle
	d.mu.Unlock()
}

// Remove detaches a peer and notifies removal listeners.
func (d *Directory) Remove(portID string, destid uint32) {
	d.mu.Lock()
	m, ok := d.ports[portID]
	var handle transport.DeviceHandle
	var had bool
	if ok {
		handle, had = m[destid]
		delete(m, destid)
	}
	d.mu.Unlock()

	if !had {
		return
	}

	d.listenersMu.Lock()
	listeners := append([]RemovalListener(nil), d.listeners...)
	d.listenersMu.Unlock()
	for _, l := range listeners {
		l(portID, Peer{DestID: destid, Handle: handle})
	}
}

// RemovePort detaches every peer known on a port (spec.md §4.8 port
// teardown), notifying removal listeners for each.
func (d *Directory) RemovePort(portID string) {
	d.mu.Lock()
	m, ok := d.ports[portID]
	delete(d.ports, portID)
	d.mu.Unlock()
	if !ok {
		return
	}

	d.listenersMu.Lock()
	listeners := append([]RemovalListener(nil), d.listeners...)
	d.listenersMu.Unlock()
	for destid, handle := range m {
		for _, l := range listeners {
			l(portID, Peer{DestID: destid, Handle: handle})
		}
	}
}

// Resolve looks up the device handle for a known peer under the shared
// read lock (spec.md §4.7 "consulted by connect/accept").
func (d *Directory) Resolve(portID string, destid uint32) (transport.DeviceHandle, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.ports[portID]
	if !ok {
		return nil, chanerr.ErrPeerGone
	}
	h, ok := m[destid]
	if !ok {
		return nil, chanerr.ErrPeerGone
	}
	return h, nil
}

// List returns the known destids for a port.
func (d *Directory) List(portID string) []uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m := d.ports[portID]
	out := make([]uint32, 0, len(m))
	for destid := range m {
		out = append(out, destid)
	}
	return out
}
