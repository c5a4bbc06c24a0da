package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/fota/internal/config"
	"github.com/roach88/fota/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions

	// Listener replaces the configured listen address (for testing).
	Listener net.Listener
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Long: `Run the firmware service over HTTP.

Devices report liveness with POST /ping and ask for their firmware with
GET /device_firmware.json?mac=<id>. Operators upload images and assign
them from the dashboard at / or with the offline commands.

Example:
  fota serve --data-dir /var/lib/fota --public-url http://ota.lan:8008
  fota serve --config fota.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.LoadConfig()
	if err != nil {
		return err
	}
	logger := opts.NewLogger(cfg, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	logger.Info("opening data directory", "path", cfg.DataDir, "backend", cfg.Backend)
	svc, err := OpenService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := svc.Close(); closeErr != nil {
			logger.Error("error closing tables", "error", closeErr)
		}
	}()
	logger.Info("data directory ready", "summary", svc.Summarize(ctx).String())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	srv := server.New(serverConfig(cfg), svc, logger)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving firmware on %s (public URL %s)\n", listenAddr(opts, cfg), cfg.PublicURL)

	if opts.Listener != nil {
		err = srv.Serve(ctx, opts.Listener)
	} else {
		err = srv.Start(ctx)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}

func serverConfig(cfg config.Config) server.Config {
	sc := server.DefaultConfig()
	sc.Addr = cfg.Listen
	sc.ReadTimeout = cfg.ReadTimeout()
	sc.WriteTimeout = cfg.WriteTimeout()
	sc.IdleTimeout = cfg.IdleTimeout()
	sc.MaxUploadBytes = cfg.MaxUploadBytes
	return sc
}

func listenAddr(opts *ServeOptions, cfg config.Config) string {
	if opts.Listener != nil {
		return opts.Listener.Addr().String()
	}
	return cfg.Listen
}
