package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"go.uber.org/fx"

	"github.com/riocm/channelmgr/config"
	"github.com/riocm/channelmgr/internal/control"
	"github.com/riocm/channelmgr/internal/httpapi"
	"github.com/riocm/channelmgr/internal/lifecycle"
	"github.com/riocm/channelmgr/internal/manager"
	"github.com/riocm/channelmgr/internal/peer"
	"github.com/riocm/channelmgr/internal/registry"
	"github.com/riocm/channelmgr/internal/transport"
)

// ProvideLogger mirrors the teacher's ProvideLogger: one *slog.Logger for
// the whole fx graph, enriched per component the way internal/port
// enriches its own with the port id.
func ProvideLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func provideRegistry(cfg *config.Config) *registry.Registry {
	return registry.New(cfg.DynamicChannelStart, cfg.RXRingSize)
}

func provideDirectory() *peer.Directory { return peer.New() }

func provideBus(logger *slog.Logger, dir *peer.Directory) (*peer.Bus, error) {
	return peer.NewBus(logger, dir)
}

func provideWorker(reg *registry.Registry, dir *peer.Directory, logger *slog.Logger) *control.Worker {
	return control.New(reg, dir, logger)
}

func provideDispatcher(reg *registry.Registry, worker *control.Worker, logger *slog.Logger) *manager.Dispatcher {
	return manager.NewDispatcher(reg, worker, logger)
}

func provideFabric() *transport.Fabric { return transport.NewFabric() }

func providePorts(reg *registry.Registry, dir *peer.Directory, worker *control.Worker, logger *slog.Logger) *lifecycle.Ports {
	return lifecycle.NewPorts(reg, dir, worker, logger)
}

func provideManager(reg *registry.Registry, ports *lifecycle.Ports, dir *peer.Directory, cfg *config.Config, logger *slog.Logger) *manager.Manager {
	return manager.New(reg, ports, dir, cfg.ConnectTimeout(), cfg.CloseWait(), logger)
}

func provideHTTPHandler(mgr *manager.Manager, logger *slog.Logger) *httpapi.Handler {
	return httpapi.New(mgr, logger)
}

// registerPorts opens every configured port against the in-memory fabric
// (the real RapidIO mailbox driver is out of scope, spec.md §1) and starts
// the control-plane worker, concurrently via lifecycle.Ports.AddAll.
func registerPorts(lc fx.Lifecycle, cfg *config.Config, ports *lifecycle.Ports, fabric *transport.Fabric, worker *control.Worker, disp *manager.Dispatcher, mgr *manager.Manager, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			worker.Start()
			cfgs := make([]lifecycle.PortConfig, 0, len(cfg.Ports))
			for _, p := range cfg.Ports {
				cfgs = append(cfgs, lifecycle.PortConfig{
					ID:          p.ID,
					LocalDestID: p.LocalDestID,
					MboxNumber:  p.MboxNumber,
					RXRingSize:  cfg.RXRingSize,
					TXRingSize:  cfg.TXRingSize,
				})
			}
			return ports.AddAll(ctx, cfgs, func(c lifecycle.PortConfig) transport.Mailbox {
				return fabric.Mailbox(c.ID)
			}, disp)
		},
		OnStop: func(ctx context.Context) error {
			mgr.Shutdown(ctx)
			worker.Stop()
			return nil
		},
	})
}

func registerHTTPServer(lc fx.Lifecycle, cfg *config.Config, h *httpapi.Handler, logger *slog.Logger) {
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: h.Routes()}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("http facade stopped", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

// NewApp wires the full channel manager daemon, analogous in shape to the
// teacher's NewApp: fx.Provide for every package's constructor composed
// with fx.Module-free fx.Invoke registrations for the two things that
// need to run a goroutine (port registration, HTTP facade).
func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			provideRegistry,
			provideDirectory,
			provideBus,
			provideWorker,
			provideDispatcher,
			provideFabric,
			providePorts,
			provideManager,
			provideHTTPHandler,
		),
		fx.Invoke(registerPorts, registerHTTPServer, func(*peer.Bus) {}),
	)
}
