package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/tonecapture/internal/capture"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
)

func newGetCmd(opts *rootOptions) *cobra.Command {
	var (
		byPath     bool
		jsonOutput bool
		outFile    string
	)

	cmd := &cobra.Command{
		Use:   "get <id|path>",
		Short: "Show a capture, or write out its file",
		Example: `  tonecapture get 01HX...
  tonecapture get --path irs/v30.wav --json
  tonecapture get 01HX... -o /tmp/v30.wav`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			ctx := cmd.Context()

			var c *capture.Capture
			if byPath {
				c, err = a.vault.FindByPath(ctx, absPath(args[0]))
			} else {
				c, err = a.vault.Get(ctx, args[0])
			}
			if err != nil {
				return err
			}

			if outFile != "" {
				data, err := a.vault.Read(ctx, c.ID)
				if err != nil {
					return err
				}
				if err := os.WriteFile(outFile, data, 0o644); err != nil {
					return tcerrors.StorageError("failed to write file", err).WithDetail("path", outFile)
				}
				a.out.Successf("wrote %d bytes to %s", len(data), outFile)
				return nil
			}

			epoch := a.vault.Clusters().Epoch()
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), toJSON(c, nil, epoch))
			}
			a.out.CaptureDetail(c, epoch)
			return nil
		},
	}

	cmd.Flags().BoolVar(&byPath, "path", false, "Look the capture up by its source path")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().StringVarP(&outFile, "output", "o", "", "Write the capture's bytes to this file")
	return cmd
}
