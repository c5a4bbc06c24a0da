package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/roach88/fota/internal/blob"
	"github.com/roach88/fota/internal/config"
	"github.com/roach88/fota/internal/model"
	"github.com/roach88/fota/internal/reconcile"
	"github.com/roach88/fota/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	ConfigPath string
	DataDir    string
	Backend    string
	PublicURL  string
	Listen     string

	// Lookup reads environment overrides. Nil means no overrides.
	Lookup func(string) (string, bool)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the fota CLI.
func NewRootCommand(lookup func(string) (string, bool)) *cobra.Command {
	opts := &RootOptions{Lookup: lookup}

	cmd := &cobra.Command{
		Use:   "fota",
		Short: "Firmware over-the-air coordination service",
		Long: `Keeps a catalog of firmware images, tracks device liveness and answers
the question every device asks: which firmware should I be running?

Devices get their explicit assignment if one exists, otherwise the latest
catalog version. The serve command runs the HTTP service; the other
commands work offline on the same data directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	})

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().AddFlagSet(serviceFlags(opts))

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewPublishCommand(opts))
	cmd.AddCommand(NewAssignCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewReportCommand(opts))
	cmd.AddCommand(NewDevicesCommand(opts))
	cmd.AddCommand(NewVersionsCommand(opts))
	cmd.AddCommand(NewImportLegacyCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// serviceFlags are the overrides shared by every command that opens the
// data directory. Empty values leave the configured value alone.
func serviceFlags(opts *RootOptions) *pflag.FlagSet {
	fs := pflag.NewFlagSet("service", pflag.ContinueOnError)
	fs.StringVarP(&opts.ConfigPath, "config", "c", "", "config file (.yaml, .yml, .json or .jsonc)")
	fs.StringVar(&opts.DataDir, "data-dir", "", "data directory (default ./data)")
	fs.StringVar(&opts.Backend, "backend", "", "table backend (file|sqlite|memory)")
	fs.StringVar(&opts.PublicURL, "public-url", "", "base URL used in firmware download links")
	fs.StringVar(&opts.Listen, "listen", "", "HTTP listen address for serve")
	return fs
}

// LoadConfig builds the effective configuration: defaults, the config
// file, environment variables, then flags.
func (o *RootOptions) LoadConfig() (config.Config, error) {
	cfg := config.Default()
	if o.ConfigPath != "" {
		if err := cfg.LoadFile(o.ConfigPath); err != nil {
			return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
		}
	}
	if o.Lookup != nil {
		if err := cfg.ApplyEnv(o.Lookup); err != nil {
			return config.Config{}, WrapExitError(ExitCommandError, "failed to apply environment", err)
		}
	}

	for _, f := range []struct {
		flag string
		dst  *string
	}{
		{o.DataDir, &cfg.DataDir},
		{o.Backend, &cfg.Backend},
		{o.PublicURL, &cfg.PublicURL},
		{o.Listen, &cfg.Listen},
	} {
		if f.flag != "" {
			*f.dst = f.flag
		}
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

// NewLogger builds the logger for cfg. --verbose forces debug level.
func (o *RootOptions) NewLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level := cfg.SlogLevel()
	if o.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// OpenService opens the tables and firmware directory described by cfg.
func OpenService(ctx context.Context, cfg config.Config, logger *slog.Logger) (*reconcile.Service, error) {
	backend, err := store.ParseBackend(cfg.Backend)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid backend", err)
	}
	compression, err := blob.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid compression", err)
	}
	compare, err := model.ComparatorByName(cfg.VersionOrder)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid version order", err)
	}

	svc, err := reconcile.Open(ctx, reconcile.Options{
		DataDir:           cfg.DataDir,
		Backend:           backend,
		Compression:       compression,
		PublicURL:         cfg.PublicURL,
		Compare:           compare,
		StrictAssignments: cfg.StrictAssignments,
		Logger:            logger,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open data directory", err)
	}
	return svc, nil
}

// withService runs fn against a service opened from the effective
// configuration and closes it afterwards. Logs go to the command's error
// stream.
func (o *RootOptions) withService(cmd *cobra.Command, fn func(ctx context.Context, svc *reconcile.Service, out *OutputFormatter) error) error {
	cfg, err := o.LoadConfig()
	if err != nil {
		return err
	}
	logger := o.NewLogger(cfg, cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	svc, err := OpenService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := svc.Close(); closeErr != nil {
			logger.Error("error closing tables", "error", closeErr)
		}
	}()

	out := &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
	return fn(ctx, svc, out)
}
