// Package port implements the Port Context (spec.md §3, §4.3, §4.4): the
// owner of one local mailbox pair, its RX buffer pool, its TX ring and
// deferred queue, and the bounded RX drain that fans inbound frames out to
// channels and the control-plane worker.
package port

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/riocm/channelmgr/internal/chanerr"
	"github.com/riocm/channelmgr/internal/transport"
	"github.com/riocm/channelmgr/internal/wire"
	"github.com/sony/gobreaker"
)

// DefaultRXRing and DefaultTXRing are the spec.md §3/§6 defaults.
const (
	DefaultRXRing = 128
	DefaultTXRing = 128
)

// rxDrainBudget bounds how many inbound frames a single drain pass
// processes before yielding, capping softirq-equivalent latency (spec.md
// §4.3, SPEC_FULL.md §D.1).
const rxDrainBudget = 8

// deferredTX is a queued transmit request that could not be submitted
// immediately because the TX ring was full (spec.md §4.4). It owns its
// payload buffer and frees it (by letting it become garbage) only after
// the transport accepts the submission.
type deferredTX struct {
	peer transport.DeviceHandle
	buf  []byte
}

// Port is one local port's mailbox context.
type Port struct {
	ID          string
	localDestID uint32

	mailbox transport.Mailbox
	logger  *slog.Logger
	dispatc Dispatcher
	breaker *gobreaker.CircuitBreaker

	rxRingSize int
	freeRX     int // free-slot counter for the RX buffer pool (spec.md §3)

	txMu     sync.Mutex
	txRing   [][]byte
	txOwner  []uint16 // sized to the TX ring; no send path records a channel id here, so every entry stays zero
	txSize   int
	txSlot   int
	txAck    int
	txCount  int
	deferred []deferredTX

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Port over a mailbox driver, with the given dispatcher
// receiving inbound frames. Open, which takes the mailbox number to
// reserve, must be called before the port is usable.
func New(id string, localDestID uint32, mailbox transport.Mailbox, dispatcher Dispatcher, logger *slog.Logger, rxRingSize, txRingSize int) *Port {
	if rxRingSize <= 0 {
		rxRingSize = DefaultRXRing
	}
	if txRingSize <= 0 {
		txRingSize = DefaultTXRing
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "port-tx-" + id,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Port{
		ID:          id,
		localDestID: localDestID,
		mailbox:     mailbox,
		dispatc:     dispatcher,
		logger:      logger.With(slog.String("port", id)),
		breaker:     breaker,
		rxRingSize:  rxRingSize,
		txRing:      make([][]byte, txRingSize),
		txOwner:     make([]uint16, txRingSize),
		txSize:      txRingSize,
		stop:        make(chan struct{}),
	}
}

func (p *Port) LocalDestID() uint32 { return p.localDestID }

// PortID returns this port's identifier, so callers holding only the
// chanobj.Port interface (internal/manager's Accept, which must resolve
// the listening channel's port in the Peer Directory) can recover it
// without a type assertion leaking port internals.
func (p *Port) PortID() string { return p.ID }

// Open reserves the mailbox pair, primes the RX pool with rxRingSize
// buffers, and starts the RX drain and TX completion goroutines (spec.md
// §4.8).
func (p *Port) Open(ctx context.Context, mboxNumber int) error {
	if err := p.mailbox.Open(ctx, mboxNumber); err != nil {
		return chanerr.Wrap(chanerr.ErrIO, "port open")
	}
	for i := 0; i < p.rxRingSize; i++ {
		_ = p.mailbox.PostRecv(make([]byte, wire.MaxMessage))
		p.freeRX++
	}
	p.wg.Add(2)
	go p.rxLoop()
	go p.txCompletionLoop()
	return nil
}

// Close quiesces the drain/completion loops and releases the mailbox
// (spec.md §4.8). Channels bound to this port are force-disconnected by
// internal/lifecycle before Close is called.
func (p *Port) Close() error {
	close(p.stop)
	p.wg.Wait()
	return p.mailbox.Close()
}
