package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/tonecapture/internal/config"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
	"github.com/Aman-CERP/tonecapture/internal/output"
	"github.com/Aman-CERP/tonecapture/internal/vault"
)

func newInitCmd(opts *rootOptions) *cobra.Command {
	var (
		force     bool
		dimension int
		metric    string
		backend   string
	)

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create an archive",
		Long: `Create an archive in dir (default: --archive or the current directory).

Writes ` + config.ProjectConfigName + ` and creates the ` + config.DataDirName + ` data directory.
The embedding dimension is fixed once the archive exists.`,
		Example: `  # Archive in the current directory with 128-dim embeddings
  tonecapture init

  # 512-dim euclidean embeddings, bleve filter index
  tonecapture init ~/captures --dimension 512 --metric euclidean --filter bleve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := opts.dir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				dir = "."
			}
			root, err := filepath.Abs(dir)
			if err != nil {
				return err
			}

			cfgPath := filepath.Join(root, config.ProjectConfigName)
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return tcerrors.ValidationError("archive already initialized", nil).
					WithDetail("path", cfgPath).
					WithSuggestion("pass --force to overwrite " + config.ProjectConfigName)
			}

			cfg := config.NewConfig()
			cfg.Vector.Dimension = dimension
			cfg.Vector.Metric = metric
			cfg.Filter.Backend = backend
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := os.MkdirAll(root, 0o755); err != nil {
				return tcerrors.StorageError("failed to create archive directory", err).WithDetail("path", root)
			}

			// Opening once creates the data directory and pins the dimension,
			// or rejects a dimension that differs from an existing archive.
			opened := *cfg
			opened.Storage.DataDir = filepath.Join(root, cfg.Storage.DataDir)
			v, err := vault.Open(cmd.Context(), &opened, vault.WithLogger(opts.logger))
			if err != nil {
				return err
			}
			if err := v.Close(); err != nil {
				return err
			}
			if err := cfg.WriteYAML(cfgPath); err != nil {
				return tcerrors.StorageError("failed to write configuration", err).WithDetail("path", cfgPath)
			}

			out := output.New(cmd.OutOrStdout())
			out.Successf("initialized archive in %s", root)
			out.Field("config", cfgPath)
			out.Field("data", opened.Storage.DataDir)
			out.Field("dimension", cfg.Vector.Dimension)
			out.Field("metric", cfg.Vector.Metric)
			out.Newline()
			out.Status("", "next: tonecapture add <file|dir>  or  tonecapture watch")
			return nil
		},
	}

	defaults := config.NewConfig()
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing "+config.ProjectConfigName)
	cmd.Flags().IntVar(&dimension, "dimension", defaults.Vector.Dimension, "Embedding dimension")
	cmd.Flags().StringVar(&metric, "metric", defaults.Vector.Metric, "Distance metric (cosine, euclidean)")
	cmd.Flags().StringVar(&backend, "filter", defaults.Filter.Backend, "Filter index backend (bitmap, bleve)")
	return cmd
}
