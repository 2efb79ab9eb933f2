// Package lifecycle implements port add/remove choreography (spec.md
// §4.8), peer-loss force-disconnect wiring (§4.7), and the port teardown
// step of process shutdown (§9 "Global state"); the CONN_CLOSE broadcast
// that precedes it is internal/manager's Manager.Shutdown. It is the
// composition point between internal/port, internal/peer and
// internal/registry that the core packages themselves deliberately avoid
// (to keep each testable without the others), mirroring the way the
// teacher's internal/domain/registry.Hub owns a sync.Map of actor cells
// with its own janitor lifecycle independent of the cells it tracks.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/riocm/channelmgr/internal/chanerr"
	"github.com/riocm/channelmgr/internal/chanobj"
	"github.com/riocm/channelmgr/internal/control"
	"github.com/riocm/channelmgr/internal/peer"
	"github.com/riocm/channelmgr/internal/port"
	"github.com/riocm/channelmgr/internal/registry"
	"github.com/riocm/channelmgr/internal/transport"
)

// PortConfig names one local port to register at startup.
type PortConfig struct {
	ID          string
	LocalDestID uint32
	MboxNumber  int
	RXRingSize  int
	TXRingSize  int
}

// Info is a point-in-time port summary for the §6 list_ports operation
// and the dashboard.
type Info struct {
	ID          string
	LocalDestID uint32
	TX          port.TXStats
}

// Ports is the process-wide list of registered local Port Contexts
// (spec.md §9 "Global state... explicit init/shutdown entry points").
type Ports struct {
	mu     sync.RWMutex
	byID   map[string]*port.Port
	reg    *registry.Registry
	dir    *peer.Directory
	worker *control.Worker
	logger *slog.Logger
}

// NewPorts wires the peer-removal listener that force-disconnects every
// channel bound to a peer that disappears (spec.md §4.7).
func NewPorts(reg *registry.Registry, dir *peer.Directory, worker *control.Worker, logger *slog.Logger) *Ports {
	p := &Ports{
		byID:   make(map[string]*port.Port),
		reg:    reg,
		dir:    dir,
		worker: worker,
		logger: logger,
	}
	dir.OnRemoval(p.onPeerRemoved)
	return p
}

// onPeerRemoved force-disconnects every channel whose peer_handle matches
// the removed peer (spec.md §4.7): state -> DISCONNECT, removed from the
// registry, then released.
func (p *Ports) onPeerRemoved(portID string, removed peer.Peer) {
	matched := p.reg.RemoveMatching(func(ch *chanobj.Channel) bool {
		return ch.PeerHandle() == removed.Handle
	})
	for _, ch := range matched {
		ch.Disconnect()
		ch.Release()
	}
	p.logger.Info("peer removed, channels force-disconnected",
		"port", portID, "dest_id", removed.DestID, "count", len(matched))
}

// Add reserves one port's mailbox pair, primes its RX pool, and links it
// into the global port list under... (spec.md §4.8 — this process uses a
// dedicated RWMutex rather than the directory's lock, since the port list
// and peer directory are independently-owned global tables here, per §9).
func (p *Ports) Add(ctx context.Context, cfg PortConfig, mailbox transport.Mailbox, dispatcher port.Dispatcher) (*port.Port, error) {
	pt := port.New(cfg.ID, cfg.LocalDestID, mailbox, dispatcher, p.logger, cfg.RXRingSize, cfg.TXRingSize)
	if err := pt.Open(ctx, cfg.MboxNumber); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.byID[cfg.ID] = pt
	p.mu.Unlock()
	return pt, nil
}

// AddAll registers every configured port concurrently: each reservation
// is independent (distinct mailbox numbers) so there is no reason to pay
// for them serially at startup. Grounded on the teacher's
// internal/service/peer_enricher.go ResolvePeers, which fans out
// independent per-peer lookups with errgroup.WithContext the same way.
func (p *Ports) AddAll(ctx context.Context, cfgs []PortConfig, mailboxFor func(PortConfig) transport.Mailbox, dispatcher port.Dispatcher) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, cfg := range cfgs {
		cfg := cfg
		g.Go(func() error {
			_, err := p.Add(gctx, cfg, mailboxFor(cfg), dispatcher)
			return err
		})
	}
	return g.Wait()
}

// Get returns the named port, or ErrNotFound.
func (p *Ports) Get(id string) (*port.Port, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pt, ok := p.byID[id]
	if !ok {
		return nil, chanerr.ErrNotFound
	}
	return pt, nil
}

// List returns a snapshot of every registered port, for list_ports and
// the dashboard.
func (p *Ports) List() []Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Info, 0, len(p.byID))
	for id, pt := range p.byID {
		out = append(out, Info{ID: id, LocalDestID: pt.LocalDestID(), TX: pt.TXStats()})
	}
	return out
}

// Remove tears down one port: unlink it, flush the control-plane worker
// so no in-flight task still names it, force-disconnect every channel
// bound to it, release its mailboxes, and detach its peers (spec.md
// §4.8).
func (p *Ports) Remove(id string) error {
	p.mu.Lock()
	pt, ok := p.byID[id]
	if ok {
		delete(p.byID, id)
	}
	p.mu.Unlock()
	if !ok {
		return chanerr.ErrNotFound
	}

	p.worker.Flush()

	p.forceDisconnectByPort(pt.LocalDestID())

	if err := pt.Close(); err != nil {
		p.logger.Error("port close failed", "port", id, "err", err)
	}
	p.dir.RemovePort(id)
	return nil
}

// Shutdown tears down every registered port (spec.md §4.8), used by the
// process shutdown hook after §6's CONN_CLOSE broadcast has already run.
func (p *Ports) Shutdown() {
	p.mu.RLock()
	ids := make([]string, 0, len(p.byID))
	for id := range p.byID {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	for _, id := range ids {
		if err := p.Remove(id); err != nil {
			p.logger.Warn("port shutdown remove failed", "port", id, "err", err)
		}
	}
}

func (p *Ports) forceDisconnectByPort(localDestID uint32) {
	matched := p.reg.RemoveMatching(func(ch *chanobj.Channel) bool {
		return ch.Snapshot().LocalDestID == localDestID
	})
	for _, ch := range matched {
		ch.Disconnect()
		ch.Release()
	}
	if len(matched) > 0 {
		p.logger.Info("port removed, channels force-disconnected",
			"local_destid", fmt.Sprintf("0x%x", localDestID), "count", len(matched))
	}
}
