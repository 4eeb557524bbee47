// Command litterd runs one litter gossip node: it joins the
// configured multicast group, serves the HTTP collaborator surface,
// and periodically drives anti-entropy against its peers until
// interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/pstjuste/litter/internal/config"
	"github.com/pstjuste/litter/internal/logging"
	"github.com/pstjuste/litter/internal/node"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "litterd",
		Short: "Run a litter LAN microblog gossip node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&cfg.Interfaces, "interface", "i", nil,
		"network interface to join the multicast group on (repeatable, default: system default)")
	flags.StringVarP(&cfg.Self, "name", "n", defaultSelf(),
		"this node's uid")
	flags.IntVarP(&cfg.HTTPPort, "port", "p", cfg.HTTPPort,
		"HTTP collaborator listen port")
	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir,
		"directory holding the per-identity sqlite database")
	flags.BoolVar(&cfg.Debug, "debug", false, "enable debug-level logging")

	return cmd
}

func defaultSelf() string {
	host, err := os.Hostname()
	if err != nil {
		return "litter"
	}
	return host
}

func run(cfg *config.Config) error {
	log := logging.New(cfg.Debug)

	if err := node.EnsureDataDir(cfg.DataDir); err != nil {
		return fmt.Errorf("litterd: data dir: %w", err)
	}

	reg := prometheus.NewRegistry()
	n, err := node.New(cfg, log, reg)
	if err != nil {
		return fmt.Errorf("litterd: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n.Run()
	log.Infof("litterd: %s listening on :%d, joined %v", cfg.Self, cfg.HTTPPort, cfg.Interfaces)

	<-ctx.Done()
	log.Info("litterd: shutting down")
	return n.Stop()
}
