package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chaser/internal/app"
)

func newSeedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed FILE",
		Short: "Load recipients, ownership items and terminal actions from a YAML fixture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			fx, err := app.DecodeFixtures(f)
			if err != nil {
				return err
			}

			a, closeApp, err := openApp(cmd, opts, false)
			if err != nil {
				return err
			}
			defer closeApp()

			n, err := app.Seed(cmd.Context(), a.Store(), fx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d recipients, %d ownership items, %d terminal actions\n",
				n.Recipients, n.OwnershipItems, n.TerminalActions)
			return nil
		},
	}
}
