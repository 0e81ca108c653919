// display-distributor arbitrates exclusive access to display hardware
// between seats on a multi-seat machine.
//
// It runs as the DRM master on every primary GPU node of its seat. Clients
// ask for their seat's displays over a unix socket and receive kernel DRM
// lease fds via SCM_RIGHTS; at most one client per seat holds a lease at a
// time.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/helixml/display-distributor/pkg/config"
	"github.com/helixml/display-distributor/pkg/distributor"
	"github.com/helixml/display-distributor/pkg/logind"
	"github.com/helixml/display-distributor/pkg/udev"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

var logLevel string

func main() {
	rootCmd := &cobra.Command{
		Use:   "display-distributor",
		Short: "Seat-aware DRM lease broker",
		Long: `display-distributor brokers DRM leases between seats.

It discovers which GPU connectors belong to its seat via udev and logind,
holds the DRM master handles, and grants one kernel lease per seat to the
requesting client over the unix socket named by DISPLAY_DISTRIBUTOR_SOCKET,
passing the lease fds via SCM_RIGHTS.`,
		RunE: run,
	}
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Failed to execute command")
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

func run(cmd *cobra.Command, _ []string) error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Info().
		Str("version", Version).
		Str("socket", cfg.SocketPath).
		Dur("conn_timeout", cfg.ConnTimeout).
		Msg("Starting display-distributor")

	resolver, err := logind.NewResolver()
	if err != nil {
		return fmt.Errorf("connect to logind: %w", err)
	}
	defer resolver.Close()

	d, err := distributor.New(cfg, resolver, udev.New())
	if err != nil {
		return fmt.Errorf("start distributor: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := d.Listen(ctx); err != nil {
		d.Shutdown()
		return fmt.Errorf("serve clients: %w", err)
	}
	d.Shutdown()

	log.Info().Msg("display-distributor shutdown complete")
	return nil
}
