package control

import (
	"context"

	"github.com/riocm/channelmgr/internal/chanobj"
	"github.com/riocm/channelmgr/internal/wire"
)

// handleConnReq implements rx.CONN_REQ (spec.md §4.2): resolve the sender
// as a known peer, dedup retried requests, then hand off to the target
// channel's accept_queue if it is LISTENing.
func (w *Worker) handleConnReq(_ context.Context, portID string, h wire.Header) {
	peerHandle, err := w.dir.Resolve(portID, h.SrcDestID)
	if err != nil {
		w.logger.Warn("conn_req from unknown peer, dropped", "port", portID, "src_destid", h.SrcDestID)
		return
	}

	key := dedupKey(h)
	if _, dup := w.dedup.Get(key); dup {
		w.logger.Debug("conn_req duplicate, dropped", "key", key)
		return
	}
	w.dedup.Add(key, struct{}{})

	ch, err := w.reg.Lookup(h.DstCh)
	if err != nil {
		w.logger.Warn("conn_req targets unknown channel, dropped", "ch", h.DstCh)
		return
	}
	defer ch.Release()

	if !ch.PushConnReq(chanobj.ConnReq{SrcDestID: h.SrcDestID, SrcCh: h.SrcCh, Peer: peerHandle}) {
		w.logger.Debug("conn_req target not listening, dropped", "ch", h.DstCh)
	}
}

// handleConnAck implements rx.CONN_ACK (spec.md §4.2): the requester's
// channel transitions CONNECT->CONNECTED and records the acceptor's
// channel id.
func (w *Worker) handleConnAck(h wire.Header) {
	ch, err := w.reg.Lookup(h.DstCh)
	if err != nil {
		w.logger.Warn("conn_ack targets unknown channel, dropped", "ch", h.DstCh)
		return
	}
	defer ch.Release()

	if !ch.CompleteConnect(h.SrcCh) {
		w.logger.Debug("conn_ack channel not awaiting connect, dropped", "ch", h.DstCh)
	}
}

// handleConnClose implements rx.CONN_CLOSE (spec.md §4.2): atomically
// remove the channel from the registry, transition it to DISCONNECT, and
// drop the registry's strong reference — the channel itself is released
// once its last remaining reference drops.
func (w *Worker) handleConnClose(h wire.Header) {
	ch, err := w.reg.Remove(h.DstCh)
	if err != nil {
		// Already removed (local close raced it to the registry, or a
		// duplicate CLOSE arrived): the loser becomes a no-op per
		// spec.md §4.2's tie-break rule.
		return
	}
	ch.Disconnect()
	ch.Release()
}
