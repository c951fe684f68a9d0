package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"chaser/internal/model"
)

func newCandidatesCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "candidates",
		Short: "Show who a run would message now, without sending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := openApp(cmd, opts, false)
			if err != nil {
				return err
			}
			defer closeApp()

			due, initial, err := a.Runner().Preview(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string][]model.Candidate{"chase": nonNil(due), "initial": nonNil(initial)})
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PASS\tADDRESS\tPENDING\tLAST INITIAL\tCHASES")
			for _, c := range due {
				fmt.Fprintf(tw, "chase\t%s\t%d\t%s\t%d\n", c.Recipient.ContactAddress(), c.PendingItemCount, c.LastSuccessfulInitial.Format(time.DateOnly), c.TotalChaseCount)
			}
			for _, c := range initial {
				fmt.Fprintf(tw, "initial\t%s\t%d\t-\t%d\n", c.Recipient.ContactAddress(), c.PendingItemCount, c.TotalChaseCount)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func nonNil(cs []model.Candidate) []model.Candidate {
	if cs == nil {
		return []model.Candidate{}
	}
	return cs
}
