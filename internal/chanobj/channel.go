// Package chanobj implements the Channel Object (spec.md §3, §4.2): one
// channel's state machine, receive ring, accept queue, waiters and
// refcount/release-signal lifetime. It is deliberately ignorant of the
// Channel Registry, Port Context and Peer Directory — those compose
// Channel through the small interfaces and callbacks below (internal/port,
// internal/peer, internal/manager) to avoid import cycles and to keep the
// state machine testable in isolation.
package chanobj

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/riocm/channelmgr/internal/chanerr"
	"github.com/riocm/channelmgr/internal/transport"
	"github.com/riocm/channelmgr/internal/wire"
)

// State is one of the channel lifecycle states in spec.md §3.
type State int

const (
	Idle State = iota
	Bound
	Listen
	Connect
	Connected
	Disconnect
	Destroying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Bound:
		return "BOUND"
	case Listen:
		return "LISTEN"
	case Connect:
		return "CONNECT"
	case Connected:
		return "CONNECTED"
	case Disconnect:
		return "DISCONNECT"
	case Destroying:
		return "DESTROYING"
	default:
		return "UNKNOWN"
	}
}

// DefaultRXRingSize is the default power-of-two receive ring capacity
// (spec.md §3, §6).
const DefaultRXRingSize = 128

// DefaultConnectTimeout and DefaultCloseWait are the spec.md §6 defaults.
const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultCloseWait      = 3 * time.Second
)

// Port is the minimal view of a Port Context a Channel needs: submitting
// frames. internal/port.Port satisfies this.
type Port interface {
	PostSend(peer transport.DeviceHandle, buf []byte, mayQueue bool) error
	LocalDestID() uint32
}

// ConnReq is a pending inbound connection request queued on a LISTEN
// channel (spec.md §4.2 rx.CONN_REQ).
type ConnReq struct {
	SrcDestID uint32
	SrcCh     uint16
	Peer      transport.DeviceHandle
}

// Channel is one logical, connection-oriented bidirectional message
// stream (spec.md §3).
type Channel struct {
	ID uint16

	mu              sync.Mutex
	state           State
	port            Port
	localDestID     uint32
	remoteDestID    uint32
	remoteChannelID uint16
	peerHandle      transport.DeviceHandle
	ownerTag        uuid.UUID

	rx          *ring
	acceptQueue []ConnReq

	waiters *waitgroup

	refcount    int32
	releaseOnce sync.Once
	released    chan struct{}
}

// New allocates a channel in IDLE state with refcount 1 — the single
// strong reference the Channel Registry holds for as long as the channel
// is installed (spec.md §3 invariants).
func New(id uint16, rxCapacity int) *Channel {
	if rxCapacity <= 0 {
		rxCapacity = DefaultRXRingSize
	}
	return &Channel{
		ID:       id,
		state:    Idle,
		rx:       newRing(rxCapacity),
		waiters:  newWaitgroup(),
		refcount: 1,
		released: make(chan struct{}),
	}
}

// --- Refcount / lifetime (spec.md §3, §9) ---

// Retain increments the refcount for the duration of an in-flight
// operation or async handle (deferred send, control task, waiter).
func (c *Channel) Retain() {
	atomic.AddInt32(&c.refcount, 1)
}

// Release decrements the refcount. On the final drop it completes the
// release signal exactly once.
func (c *Channel) Release() {
	if atomic.AddInt32(&c.refcount, -1) == 0 {
		c.releaseOnce.Do(func() { close(c.released) })
	}
}

// Released reports when the refcount reached zero.
func (c *Channel) Released() <-chan struct{} { return c.released }

// --- Read-only accessors (each takes the lock individually; no snapshot
// of multiple fields is atomic across calls, callers needing a consistent
// view should use Snapshot). ---

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot is a point-in-time copy of identity fields, used by
// observability (dashboard, peer-removal sweep) without exposing the lock.
type Snapshot struct {
	ID              uint16
	State           State
	LocalDestID     uint32
	RemoteDestID    uint32
	RemoteChannelID uint16
	PeerHandle      transport.DeviceHandle
	OwnerTag        uuid.UUID
	RXCount         int
	RXInUse         int
}

func (c *Channel) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:              c.ID,
		State:           c.state,
		LocalDestID:     c.localDestID,
		RemoteDestID:    c.remoteDestID,
		RemoteChannelID: c.remoteChannelID,
		PeerHandle:      c.peerHandle,
		OwnerTag:        c.ownerTag,
		RXCount:         c.rx.count,
		RXInUse:         c.rx.inuse,
	}
}

func (c *Channel) OwnerTag() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownerTag
}

func (c *Channel) SetOwnerTag(tag uuid.UUID) {
	c.mu.Lock()
	c.ownerTag = tag
	c.mu.Unlock()
}

func (c *Channel) PeerHandle() transport.DeviceHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerHandle
}

// Port returns the owning Port Context and this channel's local destid, as
// needed by accept() to initialize a child channel on the same port
// (spec.md §4.2).
func (c *Channel) Port() (Port, uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port, c.localDestID
}

// --- user.bind / user.listen (spec.md §4.2) ---

func (c *Channel) Bind(port Port, localDestID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return chanerr.ErrInvalidState
	}
	c.port = port
	c.localDestID = localDestID
	c.state = Bound
	c.waiters.notify()
	return nil
}

func (c *Channel) Listen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Bound {
		return chanerr.ErrInvalidState
	}
	c.state = Listen
	c.waiters.notify()
	return nil
}

// --- user.connect (spec.md §4.2) ---

// BeginConnect transitions IDLE->CONNECT and emits CONN_REQ. Callers must
// follow with AwaitConnect.
func (c *Channel) BeginConnect(port Port, peer transport.DeviceHandle, remoteDestID uint32, remoteCh uint16) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return chanerr.ErrInvalidState
	}
	c.port = port
	c.peerHandle = peer
	c.remoteDestID = remoteDestID
	c.remoteChannelID = remoteCh
	c.state = Connect
	localDestID := port.LocalDestID()
	c.localDestID = localDestID
	c.mu.Unlock()

	frame := wire.EncodeControl(wire.Header{
		SrcDestID: localDestID,
		DstDestID: remoteDestID,
		DstCh:     remoteCh,
		SrcCh:     c.ID,
	}, wire.ConnReq)

	// CONN_REQ may queue behind other traffic (spec.md §4.4): ErrBusy here
	// means the frame was accepted onto the deferred queue, not rejected,
	// matching the original's to_queue=1/-EBUSY "queued, proceed to wait"
	// contract. Only a genuine submit failure reverts CONNECT back to IDLE,
	// mirroring riocm_comp_exch(ch, CONNECT, IDLE) on a non-EBUSY error.
	err := port.PostSend(peer, frame, true)
	if err != nil && !errors.Is(err, chanerr.ErrBusy) {
		c.mu.Lock()
		if c.state == Connect {
			c.state = Idle
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// AwaitConnect blocks until CONN_ACK arrives, timeout elapses, or ctx is
// cancelled. On timeout it reverts CONNECT->IDLE itself (spec.md §4.2); on
// concurrent ack-vs-timeout it resolves the tie by rechecking state under
// the lock, CONNECTED always wins (spec.md §4.2 tie-break rules).
func (c *Channel) AwaitConnect(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		switch c.state {
		case Connected:
			c.mu.Unlock()
			return nil
		case Connect:
			// fall through to sleep
		default:
			c.mu.Unlock()
			return chanerr.ErrInvalidState
		}
		epoch := c.waiters.snapshot()
		c.mu.Unlock()

		err := sleep(ctx, epoch, deadline)
		if err == nil {
			continue // recheck predicate at top of loop
		}

		// Timed out or interrupted: recheck under the lock before acting,
		// CONNECTED always wins the race against our own timeout.
		c.mu.Lock()
		if c.state == Connected {
			c.mu.Unlock()
			return nil
		}
		if err == chanerr.ErrTimeout && c.state == Connect {
			c.state = Idle
			c.waiters.notify()
		}
		c.mu.Unlock()
		return err
	}
}

// --- rx.CONN_REQ / user.accept (spec.md §4.2) ---

// PushConnReq appends a pending request if this channel is LISTENing.
// Returns false (drop, per spec.md §4.2) otherwise.
func (c *Channel) PushConnReq(req ConnReq) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Listen {
		return false
	}
	c.acceptQueue = append(c.acceptQueue, req)
	c.waiters.notify()
	return true
}

// PopConnReq blocks for a pending request up to timeout (zero means
// non-blocking: WOULD_BLOCK if none are queued; a negative timeout blocks
// indefinitely, matching accept's caller-supplied-timeout-or-infinite
// contract in spec.md §4.2/§5).
func (c *Channel) PopConnReq(ctx context.Context, timeout time.Duration) (ConnReq, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		c.mu.Lock()
		if c.state != Listen {
			c.mu.Unlock()
			return ConnReq{}, chanerr.ErrInvalidState
		}
		if len(c.acceptQueue) > 0 {
			req := c.acceptQueue[0]
			c.acceptQueue = c.acceptQueue[1:]
			c.mu.Unlock()
			return req, nil
		}
		if timeout == 0 {
			c.mu.Unlock()
			return ConnReq{}, chanerr.ErrWouldBlock
		}
		epoch := c.waiters.snapshot()
		c.mu.Unlock()

		if err := sleep(ctx, epoch, deadline); err != nil {
			return ConnReq{}, err
		}
	}
}

// InitConnected initializes a freshly allocated channel directly in
// CONNECTED state, as produced by accept() (spec.md §4.2: "spawn a new
// child channel directly in CONNECTED").
func (c *Channel) InitConnected(port Port, localDestID, remoteDestID uint32, remoteCh uint16, peer transport.DeviceHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.port = port
	c.localDestID = localDestID
	c.remoteDestID = remoteDestID
	c.remoteChannelID = remoteCh
	c.peerHandle = peer
	c.state = Connected
	c.waiters.notify()
}

// --- rx.CONN_ACK (spec.md §4.2) ---

// CompleteConnect applies CONN_ACK: CONNECT->CONNECTED, records the
// acceptor's channel id, wakes waiters. Returns false (drop) if this
// channel was not awaiting a connect.
func (c *Channel) CompleteConnect(srcCh uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connect {
		return false
	}
	c.state = Connected
	c.remoteChannelID = srcCh
	c.waiters.notify()
	return true
}

// --- rx.CONN_CLOSE / peer-or-port removal (spec.md §4.2, §4.7, §4.8) ---

// Disconnect transitions to DISCONNECT from any state except DESTROYING
// (which it leaves unchanged) and wakes every waiter.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.state == Destroying {
		c.mu.Unlock()
		return
	}
	c.state = Disconnect
	c.mu.Unlock()
	c.waiters.notify()
}

// --- rx.DATA_MSG (spec.md §4.2) ---

// PushData enqueues a received payload if CONNECTED and the ring has
// room; otherwise it is a silent bounded drop (spec.md §4.2, §7).
func (c *Channel) PushData(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return false
	}
	if !c.rx.push(payload) {
		return false
	}
	c.waiters.notify()
	return true
}

// Receive blocks for a DATA_MSG payload up to timeout (0 = non-blocking).
// The returned buffer is owned by the caller until ReleaseReceive.
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		c.mu.Lock()
		if c.state == Destroying || c.state == Disconnect {
			c.mu.Unlock()
			return nil, chanerr.ErrInvalidState
		}
		payload, ok, noRoom := c.rx.pop()
		if noRoom {
			c.mu.Unlock()
			return nil, chanerr.ErrNoRoom
		}
		if ok {
			c.mu.Unlock()
			return payload, nil
		}
		if timeout == 0 {
			c.mu.Unlock()
			return nil, chanerr.ErrWouldBlock
		}
		epoch := c.waiters.snapshot()
		c.mu.Unlock()

		if err := sleep(ctx, epoch, deadline); err != nil {
			return nil, err
		}
	}
}

// ReleaseReceive returns a previously received buffer to the freed pool,
// making room in the in-use tracking set (spec.md §3, §7 NO_ROOM).
func (c *Channel) ReleaseReceive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rx.release()
}

// --- user.send (spec.md §4.2, §4.4) ---

// Send frames payload and submits it through the owning port. Only a
// CONNECTED channel accepts sends (spec.md §3 invariant).
func (c *Channel) Send(payload []byte) error {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return chanerr.ErrInvalidState
	}
	port := c.port
	peer := c.peerHandle
	h := wire.Header{
		SrcDestID: c.localDestID,
		DstDestID: c.remoteDestID,
		DstCh:     c.remoteChannelID,
		SrcCh:     c.ID,
	}
	c.mu.Unlock()

	frame, err := wire.EncodeData(h, payload)
	if err != nil {
		return err
	}
	// DATA sends never queue: ordering is serialized by this check plus
	// the port's TX lock (spec.md §4.4 ordering guarantee); a full ring
	// surfaces BUSY rather than silently reordering behind queued control
	// traffic.
	return port.PostSend(peer, frame, false)
}

// --- user.close (spec.md §4.2) ---

// BeginClose exchanges state for DESTROYING and reports the prior state,
// so the caller (internal/manager) knows whether to best-effort emit
// CONN_CLOSE. It wakes every waiter unconditionally.
func (c *Channel) BeginClose() (prev State, port Port, peer transport.DeviceHandle, h wire.Header) {
	c.mu.Lock()
	prev = c.state
	c.state = Destroying
	port = c.port
	peer = c.peerHandle
	h = wire.Header{
		SrcDestID: c.localDestID,
		DstDestID: c.remoteDestID,
		DstCh:     c.remoteChannelID,
		SrcCh:     c.ID,
	}
	c.rx.drain()
	c.mu.Unlock()
	c.waiters.notify()
	return prev, port, peer, h
}
