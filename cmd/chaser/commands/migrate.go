package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the storage schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := openApp(cmd, opts, false)
			if err != nil {
				return err
			}
			defer closeApp()
			fmt.Fprintf(cmd.OutOrStdout(), "storage %q is up to date\n", a.Settings().Storage.Driver)
			return nil
		},
	}
}
