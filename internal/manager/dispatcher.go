package manager

import (
	"log/slog"

	"github.com/riocm/channelmgr/internal/control"
	"github.com/riocm/channelmgr/internal/registry"
	"github.com/riocm/channelmgr/internal/wire"
)

// Dispatcher implements internal/port.Dispatcher (spec.md §4.3): DATA_MSG
// frames are delivered synchronously to the target channel's ring without
// ever leaving the RX drain goroutine; CONTROL frames are handed to the
// single-threaded control-plane worker.
type Dispatcher struct {
	reg    *registry.Registry
	worker *control.Worker
	logger *slog.Logger
}

func NewDispatcher(reg *registry.Registry, worker *control.Worker, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{reg: reg, worker: worker, logger: logger}
}

func (d *Dispatcher) Data(dstCh uint16, payload []byte) {
	ch, err := d.reg.Lookup(dstCh)
	if err != nil {
		d.logger.Debug("data_msg targets unknown channel, dropped", "ch", dstCh)
		return
	}
	defer ch.Release()
	if !ch.PushData(payload) {
		d.logger.Debug("data_msg dropped: wrong state or ring full", "ch", dstCh)
	}
}

func (d *Dispatcher) Control(portID string, h wire.Header) {
	d.worker.Submit(portID, h)
}
