// Package transport defines the interface the channel manager consumes
// from the underlying mailbox driver collaborator (spec.md §1, §6). The
// real RapidIO mailbox driver, the character-device/IOCTL surface, and the
// peer/port enumeration plumbing are explicitly out of scope for this
// module (spec.md §1) — only the interface the core consumes is specified
// here, plus an in-memory fake used by tests and the demo wiring.
package transport

import "context"

// DeviceHandle is an opaque identifier for a remote device as seen by the
// transport driver (spec.md §3 "peer_handle"). The channel manager never
// interprets it beyond equality comparison and passing it back to Send.
type DeviceHandle any

// Mailbox is the fixed-size inbound/outbound mailbox primitive a transport
// driver must expose. One Mailbox is bound to exactly one local Port
// Context (spec.md §3).
type Mailbox interface {
	// Open reserves the inbound and outbound mailbox numbered mboxNum.
	// Implementations must make both reservations atomic: if either side
	// fails, neither is left held (spec.md §4.8).
	Open(ctx context.Context, mboxNum int) error

	// Close releases both mailbox directions.
	Close() error

	// PostRecv hands a free buffer to the driver as receive credit. The
	// port's RX drain calls this once per frame consumed to keep the
	// transport supplied with postable credit (spec.md §4.3 step 1).
	PostRecv(buf []byte) error

	// Inbound delivers raw frames as they arrive. Closed when the mailbox
	// is closed.
	Inbound() <-chan []byte

	// Send submits buf for transmission to peer, tagged with slot so the
	// corresponding completion on Completions() can be correlated back to
	// the port's TX ring bookkeeping (spec.md §4.4).
	Send(peer DeviceHandle, slot int, buf []byte) error

	// Completions reports TX slot indices as the transport finishes
	// transmitting them. Closed when the mailbox is closed.
	Completions() <-chan int
}
