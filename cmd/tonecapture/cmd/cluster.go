package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/tonecapture/internal/capture"
	"github.com/Aman-CERP/tonecapture/internal/cluster"
	"github.com/Aman-CERP/tonecapture/internal/config"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
	"github.com/Aman-CERP/tonecapture/internal/output"
)

func newClusterCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Group captures by embedding similarity",
		Long: `Clusters are computed over every capture with an embedding. Each run
commits a new epoch; assignments from older epochs read as unclustered.`,
	}
	cmd.AddCommand(
		newClusterRunCmd(opts),
		newClusterListCmd(opts),
		newClusterMembersCmd(opts),
		newClusterAssignCmd(opts),
	)
	return cmd
}

func newClusterRunCmd(opts *rootOptions) *cobra.Command {
	var (
		algorithm  string
		k          int
		eps        float64
		minPoints  int
		noProgress bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Recompute clusters and commit a new epoch",
		Example: `  tonecapture cluster run -k 12
  tonecapture cluster run --algorithm dbscan --eps 0.2 --min-points 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd, func(cfg *config.Config) {
				if cmd.Flags().Changed("algorithm") {
					cfg.Cluster.Algorithm = algorithm
				}
				if cmd.Flags().Changed("k") {
					cfg.Cluster.K = k
				}
				if cmd.Flags().Changed("eps") {
					cfg.Cluster.Eps = eps
				}
				if cmd.Flags().Changed("min-points") {
					cfg.Cluster.MinPoints = minPoints
				}
			})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			engine := a.vault.Clusters()
			if err := engine.Start(cmd.Context()); err != nil {
				return err
			}
			if !noProgress {
				watchProgress(a.out, engine)
			}
			res, err := engine.Wait()
			if err != nil {
				return err
			}

			a.out.Successf("epoch %d: %d cluster(s) from %s in %s",
				res.Epoch, len(res.Clusters), res.Algorithm, res.Duration.Round(time.Millisecond))
			if res.Unclustered > 0 {
				a.out.Warningf("%d capture(s) left unclustered", res.Unclustered)
			}
			printClusters(a.out, engine.Clusters())
			return nil
		},
	}

	cmd.Flags().StringVar(&algorithm, "algorithm", "", "kmeans or dbscan (default from config)")
	cmd.Flags().IntVarP(&k, "k", "k", 0, "Number of k-means clusters")
	cmd.Flags().Float64Var(&eps, "eps", 0, "DBSCAN neighbourhood radius")
	cmd.Flags().IntVar(&minPoints, "min-points", 0, "DBSCAN core point threshold")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Do not draw a progress bar")
	return cmd
}

// watchProgress redraws the run's progress until it leaves the running state.
func watchProgress(out *output.Writer, engine *cluster.Engine) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	drawn := false
	for range ticker.C {
		p := engine.Progress()
		if p.StepsTotal > 0 {
			out.Progress(p.Steps, p.StepsTotal, p.Stage)
			drawn = p.Steps < p.StepsTotal
		}
		if engine.State() != cluster.Running {
			break
		}
	}
	if drawn {
		out.ProgressDone()
	}
}

func printClusters(out *output.Writer, clusters []capture.Cluster) {
	for _, c := range clusters {
		out.Field(c.ID, fmt.Sprintf("%d member(s)", c.MemberCount))
	}
}

func newClusterListCmd(opts *rootOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the clusters of the current epoch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			engine := a.vault.Clusters()
			clusters := engine.Clusters()
			if jsonOutput {
				type clusterJSON struct {
					ID      string `json:"id"`
					Epoch   int64  `json:"epoch"`
					Members int    `json:"members"`
				}
				out := make([]clusterJSON, len(clusters))
				for i, c := range clusters {
					out[i] = clusterJSON{ID: c.ID, Epoch: c.Epoch, Members: c.MemberCount}
				}
				return writeJSON(cmd.OutOrStdout(), out)
			}
			if len(clusters) == 0 {
				a.out.Warning("no clusters yet; run `tonecapture cluster run`")
				return nil
			}
			a.out.Heading(fmt.Sprintf("epoch %d", engine.Epoch()))
			printClusters(a.out, clusters)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newClusterMembersCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "members <cluster>",
		Short: "List the captures in a cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			engine := a.vault.Clusters()
			members, err := engine.Members(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, c := range members {
				a.out.CaptureLine(c, nil, engine.Epoch())
			}
			return nil
		},
	}
}

func newClusterAssignCmd(opts *rootOptions) *cobra.Command {
	var vectorText string

	cmd := &cobra.Command{
		Use:   "assign [id]",
		Short: "Show the nearest cluster for a capture or a vector",
		Example: `  tonecapture cluster assign 01HX...
  tonecapture cluster assign --vector 0.1,0.7,0.2`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (vectorText != "") {
				return tcerrors.ValidationError("give either a capture id or --vector", nil)
			}
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			var vec []float32
			if len(args) == 1 {
				c, err := a.vault.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if c.Embedding == nil {
					return tcerrors.ValidationError("capture has no embedding", nil).WithDetail("id", c.ID)
				}
				vec = c.Embedding
			} else if vec, err = parseVector(vectorText); err != nil {
				return err
			}

			cl, d, err := a.vault.Clusters().Assign(vec)
			if err != nil {
				return err
			}
			a.out.Successf("%s (distance %.4f, epoch %d)", cl.ID, d, cl.Epoch)
			return nil
		},
	}
	cmd.Flags().StringVar(&vectorText, "vector", "", "Comma-separated vector to assign")
	return cmd
}
