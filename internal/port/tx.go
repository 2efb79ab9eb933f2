package port

import (
	"github.com/riocm/channelmgr/internal/chanerr"
	"github.com/riocm/channelmgr/internal/transport"
)

// PostSend submits a framed buffer for transmission (spec.md §4.4). DATA
// sends use mayQueue=false; control sends use mayQueue=true. It satisfies
// internal/chanobj.Port.
func (p *Port) PostSend(peer transport.DeviceHandle, buf []byte, mayQueue bool) error {
	p.txMu.Lock()

	if p.txCount == p.txSize {
		if !mayQueue {
			p.txMu.Unlock()
			return chanerr.ErrBusy
		}
		owned := make([]byte, len(buf))
		copy(owned, buf)
		p.deferred = append(p.deferred, deferredTX{peer: peer, buf: owned})
		p.txMu.Unlock()
		return chanerr.ErrBusy
	}

	slot := p.txSlot
	p.stampLocked(slot, buf)
	p.advanceSlotLocked()
	p.txMu.Unlock()

	return p.submit(peer, slot, buf)
}

func (p *Port) stampLocked(slot int, buf []byte) {
	p.txRing[slot] = buf
}

func (p *Port) advanceSlotLocked() {
	p.txSlot = (p.txSlot + 1) % p.txSize
	p.txCount++
}

func (p *Port) submit(peer transport.DeviceHandle, slot int, buf []byte) error {
	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.mailbox.Send(peer, slot, buf)
	})
	if err != nil {
		p.logger.Warn("tx submit failed", "err", err, "slot", slot)
		return chanerr.Wrap(chanerr.ErrIO, "tx submit")
	}
	return nil
}

// txCompletionLoop advances tx_ack as the transport reports completed
// slots, then refills freed capacity from the deferred FIFO (spec.md
// §4.4).
func (p *Port) txCompletionLoop() {
	defer p.wg.Done()
	completions := p.mailbox.Completions()

	for {
		select {
		case <-p.stop:
			return
		case slot, ok := <-completions:
			if !ok {
				return
			}
			p.onTxComplete(slot)
		}
	}
}

func (p *Port) onTxComplete(slot int) {
	p.txMu.Lock()

	// Advance tx_ack up to but not past the reported slot. This naturally
	// tolerates a coalesced or dropped completion signal: the next report
	// covers every slot between the old and new cursor.
	dist := (slot-p.txAck+p.txSize)%p.txSize + 1
	if dist > p.txCount {
		p.logger.Error("tx accounting violation: completion beyond outstanding count",
			"slot", slot, "tx_ack", p.txAck, "tx_count", p.txCount)
		dist = p.txCount
	}
	for i := 0; i < dist; i++ {
		idx := (p.txAck + i) % p.txSize
		p.txRing[idx] = nil
	}
	p.txAck = (p.txAck + dist) % p.txSize
	p.txCount -= dist

	p.drainDeferredLocked()
	p.txMu.Unlock()
}

// drainDeferredLocked submits queued deferred requests into freed ring
// slots until either the FIFO empties or the ring fills again. Must be
// called with txMu held.
func (p *Port) drainDeferredLocked() {
	for len(p.deferred) > 0 && p.txCount < p.txSize {
		req := p.deferred[0]
		p.deferred = p.deferred[1:]

		slot := p.txSlot
		p.stampLocked(slot, req.buf)
		p.advanceSlotLocked()

		// Submission happens without the TX lock held, to avoid blocking
		// other post_send callers behind a potentially slow transport
		// call; this mirrors the "no lock held across a suspension point"
		// rule from spec.md §5 even though this path cannot itself
		// suspend.
		p.txMu.Unlock()
		if err := p.submit(req.peer, slot, req.buf); err != nil {
			p.logger.Warn("deferred tx submit failed", "err", err)
		}
		p.txMu.Lock()
	}
}

// TXStats reports a diagnostic snapshot for the dashboard (SPEC_FULL.md §B).
type TXStats struct {
	Count        int
	Capacity     int
	DeferredLen  int
	ACKCursor    int
	SubmitCursor int
}

func (p *Port) TXStats() TXStats {
	p.txMu.Lock()
	defer p.txMu.Unlock()
	return TXStats{
		Count:        p.txCount,
		Capacity:     p.txSize,
		DeferredLen:  len(p.deferred),
		ACKCursor:    p.txAck,
		SubmitCursor: p.txSlot,
	}
}
