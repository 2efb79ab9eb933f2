package port

import "github.com/riocm/channelmgr/internal/wire"

// Dispatcher is how a Port Context hands inbound frames off its RX drain
// (spec.md §4.3): DATA_MSG is delivered synchronously to the target
// channel's ring, CONTROL frames are handed to the single-threaded
// control-plane worker. internal/manager wires the concrete
// implementation, keeping internal/port free of a dependency on
// internal/registry or internal/control.
type Dispatcher interface {
	// Data routes a DATA_MSG payload to the channel identified by dstCh.
	// Implementations must not block the RX drain goroutine.
	Data(dstCh uint16, payload []byte)

	// Control hands a CONN_REQ/CONN_ACK/CONN_CLOSE frame (no payload) to
	// the control-plane worker, tagged with the port it arrived on.
	Control(portID string, h wire.Header)
}
