package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fota/internal/legacy"
)

// ImportLegacyOptions holds flags for the import-legacy command.
type ImportLegacyOptions struct {
	*RootOptions
	// Location names the time zone legacy last_seen values were written in.
	Location string
}

// NewImportLegacyCommand creates the import-legacy command.
func NewImportLegacyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportLegacyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import-legacy <dir>",
		Short: "Import a data directory from the previous service",
		Long: `Import devices.json, device_firmware.json and firmwares/firmware_*.bin
from a data directory written by the previous service.

Unreadable files and entries are skipped and listed in the report.
Existing devices that were seen more recently than the legacy record
are kept.

Example:
  fota import-legacy /srv/old-ota --location Europe/Berlin`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return importLegacy(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Location, "location", "Local", "time zone of legacy last_seen timestamps")

	return cmd
}

func importLegacy(opts *ImportLegacyOptions, dir string, cmd *cobra.Command) error {
	loc, err := time.LoadLocation(opts.Location)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --location", err)
	}

	cfg, err := opts.LoadConfig()
	if err != nil {
		return err
	}
	logger := opts.NewLogger(cfg, cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, err := OpenService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	report, err := legacy.NewImporter(svc, loc, logger).Import(ctx, dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "import failed", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}
	return out.Success(report, func(w io.Writer) {
		fmt.Fprintf(w, "Imported %d firmwares, %d devices, %d assignments\n", report.Firmwares, report.Devices, report.Assignments)
		for _, s := range report.Skipped {
			fmt.Fprintf(w, "  skipped: %s\n", s)
		}
	})
}
