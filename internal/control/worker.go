// Package control implements the Control-plane Worker (spec.md §4.5): a
// single-threaded executor that serializes CONN_REQ/CONN_ACK/CONN_CLOSE
// processing off the RX softirq path, removing lock-ordering hazards
// between accept-queue mutation, channel state transitions, and
// peer-directory lookup.
package control

import (
	"context"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/riocm/channelmgr/internal/peer"
	"github.com/riocm/channelmgr/internal/registry"
	"github.com/riocm/channelmgr/internal/wire"
)

// queueDepth bounds the task queue so a storm of control frames cannot
// grow memory without limit; spec.md doesn't name a depth, so this is a
// conservative, bounded choice of four times the 128-entry RX/TX ring
// defaults (§3, §6). A full queue drops the task with a logged counter, matching
// the "bounded drop" posture used throughout the RX path (§4.2, §4.3).
const queueDepth = 512

// dedupCacheSize bounds the in-flight CONN_REQ dedup cache. Entries are
// short-lived (cleared once the matching accept/CONN_ACK completes would
// be ideal, but the worker has no completion callback for that, so a
// bounded LRU with natural eviction stands in — a retried CONN_REQ that
// outlives 4096 other distinct CONN_REQs will be treated as new, which is
// acceptable: duplicate accept_queue entries are a correctness nuisance,
// not a safety one, since accept() just hands the requester a second
// CONN_ACK for a second child channel).
const dedupCacheSize = 4096

type task struct {
	portID  string
	header  wire.Header
	barrier chan struct{}
}

// Worker is the process-wide single-threaded control-plane executor.
type Worker struct {
	reg    *registry.Registry
	dir    *peer.Directory
	logger *slog.Logger

	tasks chan task
	stop  chan struct{}
	done  chan struct{}

	dedup *lru.Cache[string, struct{}]
}

// New constructs a Worker. Start must be called before Submit is used.
func New(reg *registry.Registry, dir *peer.Directory, logger *slog.Logger) *Worker {
	dedup, _ := lru.New[string, struct{}](dedupCacheSize)
	return &Worker{
		reg:    reg,
		dir:    dir,
		logger: logger,
		tasks:  make(chan task, queueDepth),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		dedup:  dedup,
	}
}

// Start launches the serialized executor goroutine.
func (w *Worker) Start() {
	go w.run()
}

// Stop quiesces the executor, draining no further tasks. It is called at
// process stop after the ports are torn down; port removal itself uses
// Flush, which leaves the executor running.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

// Submit enqueues an inbound control frame for serialized processing.
// Called from the RX drain goroutine (internal/port); must never block
// it, so a full queue drops the task.
func (w *Worker) Submit(portID string, h wire.Header) {
	select {
	case w.tasks <- task{portID: portID, header: h}:
	default:
		w.logger.Warn("control queue full, dropping task", "port", portID, "op", h.Op.String())
	}
}

// Flush blocks until every control task enqueued before this call has been
// processed, without stopping the executor (spec.md §4.8 port-remove
// "flush the control-plane worker"). It works by enqueuing a barrier task
// behind any already-queued work and waiting for the worker goroutine to
// reach it, so a port being torn down cannot race a still-processing
// CONN_REQ/CONN_ACK/CONN_CLOSE naming it.
func (w *Worker) Flush() {
	done := make(chan struct{})
	select {
	case w.tasks <- task{barrier: done}:
		<-done
	case <-w.stop:
	}
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case t := <-w.tasks:
			if t.barrier != nil {
				close(t.barrier)
				continue
			}
			w.process(context.Background(), t)
		}
	}
}

func (w *Worker) process(ctx context.Context, t task) {
	switch t.header.Op {
	case wire.ConnReq:
		w.handleConnReq(ctx, t.portID, t.header)
	case wire.ConnAck:
		w.handleConnAck(t.header)
	case wire.ConnClose:
		w.handleConnClose(t.header)
	default:
		w.logger.Warn("control worker received unknown op", "op", t.header.Op.String())
	}
}

func dedupKey(h wire.Header) string {
	return fmt.Sprintf("%d:%d:%d", h.SrcDestID, h.SrcCh, h.DstCh)
}
