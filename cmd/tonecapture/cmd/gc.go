package cmd

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/tonecapture/internal/vault"
)

func newGCCmd(opts *rootOptions) *cobra.Command {
	var forceCompact bool

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Reclaim space from removed captures",
		Long: `Delete blobs no capture references, reclaim blob store space, prune
delivered registry events, and rebuild the similarity graph when enough
removed vectors have accumulated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			res, err := a.vault.GC(cmd.Context(), vault.GCOptions{ForceCompact: forceCompact})
			if err != nil {
				return err
			}
			a.out.Successf("gc finished in %s", res.Duration.Round(time.Millisecond))
			a.out.Field("blobs removed", res.Sweep.Removed)
			a.out.Field("bytes freed", humanize.Bytes(uint64(max(res.Sweep.BytesFreed, 0))))
			a.out.Field("vlog rewrites", res.ValueLogRewrites)
			a.out.Field("events pruned", res.EventsPruned)
			a.out.Field("graph rebuilt", res.Compacted)
			a.out.Field("vectors", res.Vectors.Vectors)
			return nil
		},
	}
	cmd.Flags().BoolVar(&forceCompact, "force-compact", false, "Rebuild the similarity graph even below the orphan threshold")
	return cmd
}
