// Package cmd wires the syncmesh binary's two run modes — hub and
// branch — behind urfave/cli/v2 subcommands, the same CLI library the
// teacher's own cmd.go uses for its single "server" command.
package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	"github.com/syncmesh/hub/config"
	"github.com/syncmesh/hub/internal/tui"
)

const (
	ServiceName      = "syncmesh"
	ServiceNamespace = "syncmesh"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branchRef      = "main"
	buildTimestamp = ""
)

func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Multi-tenant CDC relay for geographically separated branch sites",
		Commands: []*cli.Command{
			hubCmd(),
			branchCmd(),
			topCmd(),
		},
	}
	return app.Run(os.Args)
}

func hubCmd() *cli.Command {
	return &cli.Command{
		Name:    "hub",
		Aliases: []string{"h"},
		Usage:   "Run the hub: websocket/gRPC listeners, routing, and the metadata store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config_file", Usage: "Path to the hub's configuration file"},
		},
		Action: func(c *cli.Context) error {
			fs := pflag.NewFlagSet("hub", pflag.ContinueOnError)
			config.BindHubFlags(fs)

			var tunables *tunablesState
			cfg, err := config.LoadHubConfig(fs, c.String("config_file"), func(tn config.Tunables) {
				if tunables != nil {
					tunables.set(tn)
				}
			})
			if err != nil {
				return err
			}
			tunables = newTunablesState(cfg.Tunables)

			app, err := NewHubApp(cfg, tunables)
			if err != nil {
				return err
			}
			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("hub: shutting down")
			return app.Stop(context.Background())
		},
	}
}

func branchCmd() *cli.Command {
	return &cli.Command{
		Name:    "branch",
		Aliases: []string{"b"},
		Usage:   "Run a branch agent: poll the local change log and sync with the hub",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config_file", Usage: "Path to the branch agent's configuration file"},
		},
		Action: func(c *cli.Context) error {
			fs := pflag.NewFlagSet("branch", pflag.ContinueOnError)
			config.BindBranchFlags(fs)

			cfg, err := config.LoadBranchConfig(fs, c.String("config_file"))
			if err != nil {
				return err
			}

			runner, err := NewBranchRunner(cfg)
			if err != nil {
				return err
			}
			defer runner.Close()

			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return runner.Run(ctx)
		},
	}
}

func topCmd() *cli.Command {
	return &cli.Command{
		Name:  "top",
		Usage: "Poll a running hub's /metrics endpoint and render a live terminal dashboard",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "http://localhost:8081/metrics", Usage: "Hub admin HTTP /metrics URL"},
			&cli.DurationFlag{Name: "interval", Value: 2 * time.Second, Usage: "Poll interval"},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return tui.Run(ctx, c.String("url"), c.Duration("interval"))
		},
	}
}
