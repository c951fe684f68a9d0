// Package commands implements the chaser CLI.
package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"chaser/internal/app"
)

const defaultConfigPath = "./chaser.yaml"

type rootOptions struct {
	configPath  string
	environment string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "chaser",
		Short: "Reminder and escalation engine for unresolved file ownership reviews",
		Long: `chaser selects owners of files still awaiting a decision, sends them
reminders over SMTP, records every attempt in an idempotent ledger and
escalates to managers after repeated reminders.`,
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	bindRootFlags(root.PersistentFlags(), opts)

	root.AddCommand(
		newRunCmd(opts),
		newServeCmd(opts),
		newCandidatesCmd(opts),
		newReportCmd(opts),
		newMigrateCmd(opts),
		newSeedCmd(opts),
	)
	return root
}

func bindRootFlags(fs *pflag.FlagSet, opts *rootOptions) {
	fs.StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to the JSON or YAML config file")
	fs.StringVar(&opts.environment, "env", "", "override run.environment (and CHASER_ENV)")
}

// openApp builds the application for one command and returns its closer.
func openApp(cmd *cobra.Command, opts *rootOptions, requireTransport bool) (*app.App, func(), error) {
	a, err := app.New(cmd.Context(), app.Options{
		ConfigPath:       opts.configPath,
		Environment:      opts.environment,
		RequireTransport: requireTransport,
		TraceWriter:      cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(ctx); err != nil {
			cmd.PrintErrln("close:", err)
		}
	}
	return a, closer, nil
}
