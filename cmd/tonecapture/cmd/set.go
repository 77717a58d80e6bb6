package cmd

import (
	"github.com/spf13/cobra"

	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
)

func newSetCmd(opts *rootOptions) *cobra.Command {
	var flags patchFlags

	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Change a capture's metadata",
		Example: `  tonecapture set 01HX... -a microphone=R121 --notes "darker"
  tonecapture set 01HX... --unset pedal --clear-embedding`,
		Args: cobra.ExactArgs(1),
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
			if patch.IsEmpty() {
				return tcerrors.ValidationError("nothing to change", nil).
					WithSuggestion("pass --attr, --unset, --kind, --notes, --embedding or --clear-embedding")
			}
			c, err := a.vault.Update(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			a.out.CaptureDetail(c, a.vault.Clusters().Epoch())
			return nil
		},
	}

	flags.register(cmd, true)
	return cmd
}
