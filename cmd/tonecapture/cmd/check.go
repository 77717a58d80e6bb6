package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
)

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var repair bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the indexes and blobs against the registry",
		Long: `Compare the registry with the filter index, the similarity index and the
blob store. With --repair, drifted indexes are rebuilt from the registry.
Missing or corrupt blobs cannot be repaired; re-add their files.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			ctx := cmd.Context()

			res, err := a.vault.Check(ctx)
			if err != nil {
				return err
			}
			if res.OK() {
				a.out.Successf("%d capture(s) consistent (%s)", res.Checked, res.Duration.Round(time.Millisecond))
				return nil
			}
			for _, issue := range res.Inconsistencies {
				line := fmt.Sprintf("%-15s %s", issue.Type, issue.Subject)
				if issue.Details != "" {
					line += "  " + issue.Details
				}
				a.out.Warning(line)
			}
			if !repair {
				return tcerrors.ConsistencyError(fmt.Sprintf("%d inconsistenc(ies) found", len(res.Inconsistencies)), nil).
					WithSuggestion("run `tonecapture check --repair`")
			}

			rep, err := a.vault.Repair(ctx, res)
			if err != nil {
				return err
			}
			if len(rep.Rebuilt) > 0 {
				a.out.Successf("rebuilt %s", strings.Join(rep.Rebuilt, ", "))
			}
			if len(rep.Unrepairable) > 0 {
				return tcerrors.ConsistencyError(fmt.Sprintf("%d issue(s) cannot be repaired", len(rep.Unrepairable)), nil).
					WithSuggestion("re-add the affected files, then run `tonecapture check` again")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "Rebuild drifted indexes")
	return cmd
}
