package transport

import (
	"context"
	"fmt"
	"sync"
)

// Fabric is an in-memory stand-in for a RapidIO fabric: it routes frames
// sent by one Mailbox to the Mailbox registered for the destination
// DeviceHandle. It exists for tests and for the single-process demo wiring
// described in SPEC_FULL.md §C — the real driver is out of scope per
// spec.md §1.
type Fabric struct {
	mu    sync.Mutex
	boxes map[DeviceHandle]*FakeMailbox
}

// NewFabric creates an empty in-memory fabric.
func NewFabric() *Fabric {
	return &Fabric{boxes: make(map[DeviceHandle]*FakeMailbox)}
}

// Mailbox returns a Mailbox for local identifies itself on the fabric as
// self. Frames sent to self by other mailboxes are delivered on its
// Inbound() channel.
func (f *Fabric) Mailbox(self DeviceHandle) *FakeMailbox {
	f.mu.Lock()
	defer f.mu.Unlock()

	mb := &FakeMailbox{
		fabric:      f,
		self:        self,
		inbound:     make(chan []byte, 256),
		completions: make(chan int, 256),
	}
	f.boxes[self] = mb
	return mb
}

func (f *Fabric) deliver(peer DeviceHandle, buf []byte) error {
	f.mu.Lock()
	mb, ok := f.boxes[peer]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: unknown peer %v on fabric", peer)
	}

	cp := make([]byte, len(buf))
	copy(cp, buf)

	select {
	case mb.inbound <- cp:
		return nil
	default:
		return fmt.Errorf("transport: peer %v inbound saturated", peer)
	}
}

// FakeMailbox implements Mailbox against a Fabric. Send is synchronous and
// completes immediately — the fake never actually blocks on hardware
// credit, but still reports completions asynchronously like a real driver
// would, so callers cannot assume ordering between Send returning and the
// corresponding completion arriving.
type FakeMailbox struct {
	fabric *Fabric
	self   DeviceHandle

	mu     sync.Mutex
	opened bool

	inbound     chan []byte
	completions chan int
}

var _ Mailbox = (*FakeMailbox)(nil)

func (m *FakeMailbox) Open(ctx context.Context, mboxNum int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	return nil
}

func (m *FakeMailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return nil
	}
	m.opened = false
	m.fabric.mu.Lock()
	delete(m.fabric.boxes, m.self)
	m.fabric.mu.Unlock()
	close(m.inbound)
	close(m.completions)
	return nil
}

func (m *FakeMailbox) PostRecv(buf []byte) error {
	// The fake fabric delivers freshly allocated copies per message, so it
	// has no use for pre-posted buffers; real drivers would stash buf for
	// the next inbound DMA.
	return nil
}

func (m *FakeMailbox) Inbound() <-chan []byte { return m.inbound }

func (m *FakeMailbox) Send(peer DeviceHandle, slot int, buf []byte) error {
	if err := m.fabric.deliver(peer, buf); err != nil {
		return err
	}
	select {
	case m.completions <- slot:
	default:
		// Completion queue full: drop, mirroring a driver that coalesces
		// completion interrupts under load. The port's TX accounting
		// tolerates a missed completion signal by re-scanning on the next
		// one (see internal/port.Port.onTxComplete).
	}
	return nil
}

func (m *FakeMailbox) Completions() <-chan int { return m.completions }
