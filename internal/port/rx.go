package port

import (
	"log/slog"

	"github.com/riocm/channelmgr/internal/wire"
)

// rxLoop drains the mailbox's inbound channel in bounded batches of
// rxDrainBudget frames (spec.md §4.3): after processing the budget's worth
// of work in one pass it yields back to the select loop rather than
// looping unboundedly, so one saturated mailbox cannot starve other ports'
// goroutines (SPEC_FULL.md §D.1).
func (p *Port) rxLoop() {
	defer p.wg.Done()
	inbound := p.mailbox.Inbound()

	for {
		select {
		case <-p.stop:
			return
		case buf, ok := <-inbound:
			if !ok {
				return
			}
			p.handleInbound(buf)
			p.drainBudget(inbound)
		}
	}
}

// drainBudget processes up to rxDrainBudget-1 additional already-queued
// frames without blocking, mirroring the original's "process a bounded
// slice, reschedule if it was full" behavior.
func (p *Port) drainBudget(inbound <-chan []byte) {
	for i := 1; i < rxDrainBudget; i++ {
		select {
		case buf, ok := <-inbound:
			if !ok {
				return
			}
			p.handleInbound(buf)
		default:
			return
		}
	}
}

func (p *Port) handleInbound(buf []byte) {
	// Step 1 (spec.md §4.3): refill one free receive slot immediately so
	// the transport always has postable credit, regardless of what this
	// frame turns out to be.
	if err := p.mailbox.PostRecv(make([]byte, wire.MaxMessage)); err != nil {
		p.logger.Warn("rx refill failed", "err", err)
	}

	f, err := wire.DecodeFrame(buf)
	if err != nil {
		p.logger.Warn("rx malformed frame, dropped", "err", err)
		return
	}

	if f.Header.Type != wire.Chan {
		p.logger.Debug("rx non-CHAN frame dropped", "type", f.Header.Type)
		return
	}

	switch f.Header.Op {
	case wire.DataMsg:
		p.dispatc.Data(f.Header.DstCh, f.Payload)
	case wire.ConnReq, wire.ConnAck, wire.ConnClose:
		p.dispatc.Control(p.ID, f.Header)
	default:
		p.logger.Warn("rx unknown op dropped", slog.Any("op", f.Header.Op))
	}
}
