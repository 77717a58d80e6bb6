package cmd

import (
	"errors"

	"github.com/spf13/cobra"
)

func newRmCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>...",
		Short: "Remove captures from the archive",
		Long: `Remove captures. Their bytes stay in the blob store until 'tonecapture gc'
finds them unreferenced. Source files on disk are not touched.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			var errs []error
			for _, id := range args {
				if err := a.vault.Delete(cmd.Context(), id); err != nil {
					errs = append(errs, err)
					continue
				}
				a.out.Successf("removed %s", id)
			}
			return errors.Join(errs...)
		},
	}
}
