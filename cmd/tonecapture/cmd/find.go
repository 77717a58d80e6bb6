package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/tonecapture/internal/query"
)

func newFindCmd(opts *rootOptions) *cobra.Command {
	var (
		like        string
		excludeSelf bool
		vectorText  string
		k           int
		maxDistance float32
		exhaustive  bool
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "find [filter]",
		Short: "Find captures by metadata and similarity",
		Long: `Find captures matching a metadata filter, optionally ranked by similarity
to a vector or to another capture.

Filter syntax:
  microphone = SM57                 equality
  microphone in (SM57, R121)        any of
  sample_rate >= 48000              comparison on numbers and dates
  recorded_at between 2023-01-01 and 2023-12-31
  kind = ImpulseResponse and not speaker = V30
  (a = x or b = y) and c = z        grouping
  cluster = c3                      members of a cluster in the current epoch

Without --like or --vector results are in insertion order and unlimited
unless -k is set. With them, the k nearest matching captures are returned,
closest first.`,
		Example: `  tonecapture find 'microphone = SM57 and sample_rate >= 48000'
  tonecapture find --like 01HX... --exclude-self -k 5
  tonecapture find 'kind = NAMCapture' --vector 0.1,0.7,0.2 --max-distance 0.3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			req := query.Request{
				LikeID:      like,
				ExcludeSelf: excludeSelf,
				K:           k,
				Exhaustive:  exhaustive,
			}
			if text := strings.TrimSpace(strings.Join(args, " ")); text != "" {
				if req.Filter, err = a.vault.ParseFilter(text); err != nil {
					return err
				}
			}
			if vectorText != "" {
				if req.Vector, err = parseVector(vectorText); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("max-distance") {
				req.MaxDistance = &maxDistance
			}

			results, err := a.vault.Find(cmd.Context(), req)
			if err != nil {
				return err
			}

			epoch := a.vault.Clusters().Epoch()
			if jsonOutput {
				out := make([]captureJSON, len(results))
				for i, r := range results {
					out[i] = toJSON(r.Capture, r.Distance, epoch)
				}
				return writeJSON(cmd.OutOrStdout(), out)
			}
			if len(results) == 0 {
				a.out.Warning("no captures match")
				return nil
			}
			for _, r := range results {
				a.out.CaptureLine(r.Capture, r.Distance, epoch)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&like, "like", "", "Rank by similarity to this capture's embedding")
	cmd.Flags().BoolVar(&excludeSelf, "exclude-self", false, "Leave the --like capture out of its own results")
	cmd.Flags().StringVar(&vectorText, "vector", "", "Rank by similarity to this comma-separated vector")
	cmd.Flags().IntVarP(&k, "k", "k", 0, "Maximum results (default 10 for similarity queries, unlimited otherwise)")
	cmd.Flags().Float32Var(&maxDistance, "max-distance", 0, "Drop results farther than this")
	cmd.Flags().BoolVar(&exhaustive, "exhaustive", false, "Scan every vector instead of walking the graph")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
