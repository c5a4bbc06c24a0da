package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fota/internal/model"
	"github.com/roach88/fota/internal/reconcile"
)

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	*RootOptions
	// Name overrides the file name checked for the .bin extension.
	Name string
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PublishOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "publish <version> <file.bin>",
		Short: "Add a firmware image to the catalog",
		Long: `Add a firmware image to the catalog under the given version.

Publishing a version that already exists replaces its binary. Only .bin
files are accepted. Use "-" to read the image from stdin together with
--name.

Example:
  fota publish 1.4.0 build/firmware.bin
  cat firmware.bin | fota publish 1.4.0 - --name firmware.bin`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *reconcile.Service, out *OutputFormatter) error {
				return publishFirmware(ctx, opts, svc, out, cmd.InOrStdin(), args[0], args[1])
			})
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "file name to validate instead of the path's base name")

	return cmd
}

func publishFirmware(ctx context.Context, opts *PublishOptions, svc *reconcile.Service, out *OutputFormatter, stdin io.Reader, version, path string) error {
	name := opts.Name
	if name == "" {
		name = filepath.Base(path)
	}

	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open firmware file", err)
		}
		defer f.Close()
		r = f
	}

	out.VerboseLog("Publishing %s as version %s", path, version)
	img, err := svc.PublishFirmwareStream(ctx, version, name, r)
	if err != nil {
		return out.Fail(err)
	}

	return out.Success(img, func(w io.Writer) {
		fmt.Fprintf(w, "Published %s (%d bytes, blake3 %s)\n", img.Version, img.Size, img.Digest)
		fmt.Fprintf(w, "Download URL: %s\n", svc.Catalog().URL(img.Version))
	})
}

// NewVersionsCommand creates the versions command.
func NewVersionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "List catalog versions, latest first",
		Long: `List every firmware version in the catalog, greatest first according to
the configured version order.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withService(cmd, listVersions)
		},
	}
	return cmd
}

// versionRow is one entry of the versions output.
type versionRow struct {
	model.FirmwareImage
	URL string `json:"url"`
}

func listVersions(ctx context.Context, svc *reconcile.Service, out *OutputFormatter) error {
	images := svc.Catalog().List(ctx)
	rows := make([]versionRow, len(images))
	for i, img := range images {
		rows[i] = versionRow{FirmwareImage: img, URL: svc.Catalog().URL(img.Version)}
	}

	return out.Success(rows, func(w io.Writer) {
		if len(rows) == 0 {
			fmt.Fprintln(w, "No firmware published.")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "VERSION\tSIZE\tCOMPRESSION\tUPLOADED\tDIGEST")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", r.Version, r.Size, r.Compression, r.UploadedAt.Format(time.RFC3339), shortDigest(r.Digest))
		}
		tw.Flush()
	})
}

func shortDigest(d model.Digest) string {
	s := d.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
