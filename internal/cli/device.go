package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fota/internal/reconcile"
)

// NewAssignCommand creates the assign command.
func NewAssignCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign <device> <version>",
		Short: "Pin a device to a firmware version",
		Long: `Pin a device to a firmware version, replacing any earlier assignment.

The version does not have to be in the catalog unless strict_assignments
is enabled; devices are sent its download URL either way.

Example:
  fota assign AA:BB:CC:DD:EE:FF 1.4.0`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withService(cmd, func(ctx context.Context, svc *reconcile.Service, out *OutputFormatter) error {
				a, err := svc.Assign(ctx, args[0], args[1])
				if err != nil {
					return out.Fail(err)
				}
				if !svc.Catalog().Has(a.Version) {
					fmt.Fprintf(out.GetErrWriter(), "Warning: version %s is not in the catalog\n", a.Version)
				}
				return out.Success(a, func(w io.Writer) {
					fmt.Fprintf(w, "Assigned %s to %s\n", a.Version, a.DeviceID)
				})
			})
		},
	}
	return cmd
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <device>",
		Short: "Show the firmware a device should run",
		Long: `Show the firmware a device would be told to run: its assignment if it has
one, otherwise the latest catalog version. An empty catalog and no
assignment resolve to nothing.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withService(cmd, func(ctx context.Context, svc *reconcile.Service, out *OutputFormatter) error {
				d := svc.ResolveDesiredFirmware(ctx, args[0])
				return out.Success(d, func(w io.Writer) {
					if d.Unknown() {
						fmt.Fprintf(w, "%s: no firmware available\n", args[0])
						return
					}
					fmt.Fprintf(w, "%s: %s (%s)\n", args[0], d.Version, d.Source)
					fmt.Fprintf(w, "Download URL: %s\n", d.URL)
				})
			})
		},
	}
	return cmd
}

// ReportOptions holds flags for the report command.
type ReportOptions struct {
	*RootOptions
	Addr    string
	Version string
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "report <device>",
		Short: "Record a liveness report for a device",
		Long: `Record a liveness report as if the device had pinged the service.

Without --version the previously reported version is kept.

Example:
  fota report AA:BB:CC:DD:EE:FF --addr 192.168.1.40 --version 1.3.2`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *reconcile.Service, out *OutputFormatter) error {
				rec, err := svc.ReportLiveness(ctx, args[0], opts.Addr, opts.Version)
				if err != nil {
					return out.Fail(err)
				}
				return out.Success(rec, func(w io.Writer) {
					fmt.Fprintf(w, "Recorded %s at %s\n", rec.DeviceID, rec.LastSeenAt.Format(time.RFC3339))
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "address the device was seen at")
	cmd.Flags().StringVar(&opts.Version, "version", "", "firmware version the device runs")

	return cmd
}

// NewDevicesCommand creates the devices command.
func NewDevicesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "devices",
		Short:         "List known devices, most recently seen first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withService(cmd, listDevices)
		},
	}
	return cmd
}

func listDevices(ctx context.Context, svc *reconcile.Service, out *OutputFormatter) error {
	fleet := svc.Fleet(ctx)
	return out.Success(fleet, func(w io.Writer) {
		if len(fleet) == 0 {
			fmt.Fprintln(w, "No devices have reported yet.")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "DEVICE\tADDRESS\tRUNNING\tDESIRED\tLAST SEEN")
		for _, d := range fleet {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				d.DeviceID, orDash(d.LastKnownAddress), orDash(d.SelfReportedVersion),
				desiredLabel(d), d.LastSeenAt.Format(time.RFC3339))
		}
		tw.Flush()
	})
}

func desiredLabel(d reconcile.DeviceView) string {
	if d.Desired.Unknown() {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", d.Desired.Version, d.Desired.Source)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
