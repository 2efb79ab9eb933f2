// Package manager composes the Channel Registry, Port Context list, Peer
// Directory and Control-plane Worker into the single set of operations
// spec.md §6 exposes to the (out-of-scope) user/IOCTL collaborator. It
// plays the role the teacher's internal/service layer plays for its own
// domain: the one place transport handlers (here, internal/httpapi) call
// into, and the one place that is allowed to know about every other
// package.
package manager

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/riocm/channelmgr/internal/chanerr"
	"github.com/riocm/channelmgr/internal/chanobj"
	"github.com/riocm/channelmgr/internal/lifecycle"
	"github.com/riocm/channelmgr/internal/peer"
	"github.com/riocm/channelmgr/internal/registry"
	"github.com/riocm/channelmgr/internal/wire"
)

// Manager implements the spec.md §6 operations.
type Manager struct {
	reg            *registry.Registry
	ports          *lifecycle.Ports
	dir            *peer.Directory
	connectTimeout time.Duration
	closeWait      time.Duration
	logger         *slog.Logger
}

func New(reg *registry.Registry, ports *lifecycle.Ports, dir *peer.Directory, connectTimeout, closeWait time.Duration, logger *slog.Logger) *Manager {
	if connectTimeout <= 0 {
		connectTimeout = chanobj.DefaultConnectTimeout
	}
	if closeWait <= 0 {
		closeWait = chanobj.DefaultCloseWait
	}
	return &Manager{reg: reg, ports: ports, dir: dir, connectTimeout: connectTimeout, closeWait: closeWait, logger: logger}
}

// ListPorts is the §6 list_ports operation.
func (m *Manager) ListPorts() []lifecycle.Info { return m.ports.List() }

// ListPeers is the §6 list_peers operation.
func (m *Manager) ListPeers(portID string) []uint32 { return m.dir.List(portID) }

// CreateChannel allocates a channel id (0 = auto, spec.md §4.6) and tags
// it with the owning session, returning the new channel id.
func (m *Manager) CreateChannel(requestedID uint16, ownerTag uuid.UUID) (uint16, error) {
	ch, err := m.reg.Allocate(requestedID)
	if err != nil {
		return 0, err
	}
	ch.SetOwnerTag(ownerTag)
	return ch.ID, nil
}

// Bind implements user.bind (spec.md §4.2): IDLE -> BOUND.
func (m *Manager) Bind(channelID uint16, portID string) error {
	ch, err := m.reg.Lookup(channelID)
	if err != nil {
		return err
	}
	defer ch.Release()

	p, err := m.ports.Get(portID)
	if err != nil {
		return err
	}
	return ch.Bind(p, p.LocalDestID())
}

// Listen implements user.listen (spec.md §4.2): BOUND -> LISTEN.
func (m *Manager) Listen(channelID uint16) error {
	ch, err := m.reg.Lookup(channelID)
	if err != nil {
		return err
	}
	defer ch.Release()
	return ch.Listen()
}

// Accept implements user.accept (spec.md §4.2): dequeue a pending
// CONN_REQ, spawn a new CONNECTED child channel, re-validate the peer is
// still known, and emit CONN_ACK.
func (m *Manager) Accept(ctx context.Context, channelID uint16, timeout time.Duration) (uint16, error) {
	listener, err := m.reg.Lookup(channelID)
	if err != nil {
		return 0, err
	}
	defer listener.Release()

	req, err := listener.PopConnReq(ctx, timeout)
	if err != nil {
		return 0, err
	}

	p, localDestID := listener.Port()
	if p == nil {
		return 0, chanerr.ErrInvalidState
	}

	portID := ""
	if named, ok := p.(interface{ PortID() string }); ok {
		portID = named.PortID()
	}

	child, err := m.reg.Allocate(0)
	if err != nil {
		return 0, err
	}

	handle, err := m.dir.Resolve(portID, req.SrcDestID)
	if err != nil {
		if removed, rerr := m.reg.Remove(child.ID); rerr == nil {
			removed.Release()
		}
		return 0, chanerr.ErrPeerGone
	}

	child.InitConnected(p, localDestID, req.SrcDestID, req.SrcCh, handle)

	ack := wire.Header{SrcDestID: localDestID, DstDestID: req.SrcDestID, DstCh: req.SrcCh, SrcCh: child.ID}
	frame := wire.EncodeControl(ack, wire.ConnAck)
	if err := p.PostSend(handle, frame, true); err != nil {
		m.logger.Warn("accept: conn_ack send failed", "channel", child.ID, "err", err)
	}

	return child.ID, nil
}

// Connect implements user.connect (spec.md §4.2): IDLE -> CONNECT, emit
// CONN_REQ, then block for CONN_ACK up to connect_timeout.
func (m *Manager) Connect(ctx context.Context, channelID uint16, portID string, remoteDestID uint32, remoteCh uint16) error {
	ch, err := m.reg.Lookup(channelID)
	if err != nil {
		return err
	}
	defer ch.Release()

	p, err := m.ports.Get(portID)
	if err != nil {
		return err
	}

	// Validate the peer is known before ever touching the channel state,
	// matching the original's check in riocm_ch_connect (SPEC_FULL.md §D.4).
	handle, err := m.dir.Resolve(portID, remoteDestID)
	if err != nil {
		return chanerr.ErrPeerGone
	}

	if err := ch.BeginConnect(p, handle, remoteDestID, remoteCh); err != nil {
		return err
	}
	return ch.AwaitConnect(ctx, m.connectTimeout)
}

// Send implements user.send (spec.md §6).
func (m *Manager) Send(channelID uint16, payload []byte) error {
	ch, err := m.reg.Lookup(channelID)
	if err != nil {
		return err
	}
	defer ch.Release()
	return ch.Send(payload)
}

// Receive implements user.receive (spec.md §6). The returned buffer is
// owned by the caller until ReleaseReceive.
func (m *Manager) Receive(ctx context.Context, channelID uint16, timeout time.Duration) ([]byte, error) {
	ch, err := m.reg.Lookup(channelID)
	if err != nil {
		return nil, err
	}
	defer ch.Release()
	return ch.Receive(ctx, timeout)
}

// ReleaseReceive implements release_receive (spec.md §6).
func (m *Manager) ReleaseReceive(channelID uint16) error {
	ch, err := m.reg.Lookup(channelID)
	if err != nil {
		return err
	}
	defer ch.Release()
	ch.ReleaseReceive()
	return nil
}

// CloseChannel implements user.close (spec.md §4.2, §6): exchange state
// for DESTROYING, best-effort emit CONN_CLOSE if the prior state was
// CONNECTED, drop the registry's reference, and wait up to close_wait for
// the last reference to drop. A second close on the same channel sees it
// already absent from the registry and returns NOT_FOUND, which is the
// idempotent-close contract spec.md §8 requires.
func (m *Manager) CloseChannel(channelID uint16, ownerTag uuid.UUID) error {
	ch, err := m.reg.Lookup(channelID)
	if err != nil {
		return err
	}

	if ownerTag != uuid.Nil {
		if owner := ch.OwnerTag(); owner != uuid.Nil && owner != ownerTag {
			ch.Release()
			return chanerr.ErrWrongOwner
		}
	}

	prev, port, peerHandle, h := ch.BeginClose()
	if prev == chanobj.Connected && port != nil {
		frame := wire.EncodeControl(h, wire.ConnClose)
		_ = port.PostSend(peerHandle, frame, true)
	}

	if removed, rerr := m.reg.Remove(channelID); rerr == nil {
		removed.Release()
	}

	// Drop this call's own lookup reference before waiting: riocm_ch_close
	// puts its held reference ahead of wait_for_completion, since Released
	// only closes once every reference (not just the registry's) is gone.
	ch.Release()

	select {
	case <-ch.Released():
		return nil
	case <-time.After(m.closeWait):
		// Close never fails terminally (spec.md §4.2, §7): the channel
		// stays DESTROYING and will release once outstanding references
		// drop; we only report that this call did not wait long enough.
		return chanerr.ErrTimeout
	}
}

// Shutdown implements the §6 shutdown hook: best-effort CONN_CLOSE for
// every CONNECTED channel, then normal port teardown.
func (m *Manager) Shutdown(_ context.Context) {
	for _, ch := range m.reg.Snapshot() {
		snap := ch.Snapshot()
		if snap.State != chanobj.Connected {
			continue
		}
		if err := m.CloseChannel(snap.ID, uuid.Nil); err != nil {
			m.logger.Warn("shutdown: close failed", "channel", snap.ID, "err", err)
		}
	}
	m.ports.Shutdown()
}
