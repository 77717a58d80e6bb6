package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
	"github.com/Aman-CERP/tonecapture/internal/ingest"
)

func newAddCmd(opts *rootOptions) *cobra.Command {
	var flags patchFlags

	cmd := &cobra.Command{
		Use:   "add <file|dir>...",
		Short: "Add capture files to the archive",
		Long: `Add capture files, or every capture file under a directory.

Metadata is read from a YAML sidecar next to each file (v30.wav.yaml for
v30.wav) when present. Flags are applied on top of the sidecar. Adding a
file that is already archived updates its capture in place, and identical
bytes are stored once.`,
		Example: `  tonecapture add irs/
  tonecapture add v30.wav --kind ImpulseResponse -a microphone=SM57 -a speaker=V30
  tonecapture add plexi.nam --embedding 0.12,0.4,0.9`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			patch, err := flags.patch(cmd, a.vault.Schema())
			if err != nil {
				return err
			}
			in := ingest.New(a.vault, a.cfg.Ingest.Extensions, opts.logger, ingest.WithIgnore(a.cfg.Ingest.Ignore...))
			ctx := cmd.Context()

			var (
				results []*ingest.Result
				errs    []error
			)
			for _, arg := range args {
				info, err := os.Stat(arg)
				if err != nil {
					errs = append(errs, tcerrors.NotFoundError("file", arg))
					continue
				}
				if info.IsDir() {
					res, err := in.IngestDir(ctx, arg)
					results = append(results, res...)
					if err != nil {
						errs = append(errs, err)
					}
					continue
				}
				res, err := in.IngestFile(ctx, arg)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				results = append(results, res)
			}

			epoch := a.vault.Clusters().Epoch()
			for _, res := range results {
				c := res.Capture
				if !patch.IsEmpty() {
					if c, err = a.vault.Update(ctx, c.ID, patch); err != nil {
						errs = append(errs, err)
						continue
					}
				}
				a.out.Statusf(outcomeIcon(res.Outcome), "%-9s %s", res.Outcome, c.Path)
				if res.Outcome == ingest.Added {
					a.out.CaptureLine(c, nil, epoch)
				}
			}
			for _, err := range errs {
				a.out.Error(err.Error())
			}
			if len(results) > 0 {
				a.out.Successf("%d file(s) processed", len(results))
			}
			return errors.Join(errs...)
		},
	}

	flags.register(cmd, false)
	return cmd
}

func outcomeIcon(o ingest.Outcome) string {
	switch o {
	case ingest.Added:
		return "+"
	case ingest.Updated:
		return "~"
	default:
		return "="
	}
}
