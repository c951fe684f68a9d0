package commands

import (
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run on the configured schedule and serve the ops API",
		Long: `serve keeps running until interrupted. It triggers a run on
scheduler.schedule (default weekly, Monday 09:00), serves the ops API on
http.addr and applies logging changes from the config file live.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := openApp(cmd, opts, true)
			if err != nil {
				return err
			}
			defer closeApp()
			return a.Serve(cmd.Context())
		},
	}
}
