package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/riocm/channelmgr/config"
)

const (
	ServiceName      = "channelmgr"
	ServiceNamespace = "riocm"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

// Run is the process entrypoint, identical in shape to the teacher's
// cmd.Run: an urfave/cli app with a server-style subcommand that loads
// config, builds the fx.App, and blocks on SIGINT/SIGTERM.
func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "RapidIO-style channel manager daemon",
		Commands: []*cli.Command{
			serveCmd(),
			dashboardCmd(),
		},
	}
	return app.Run(os.Args)
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Run the channel manager daemon and its HTTP facade",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config_file"))
			if err != nil {
				return err
			}
			app := NewApp(cfg)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("shutting down...")
			return app.Stop(context.Background())
		},
	}
}
