package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newReportCmd(opts *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export candidates and the notification ledger as xlsx",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return errors.New("--xlsx is required")
			}
			a, closeApp, err := openApp(cmd, opts, false)
			if err != nil {
				return err
			}
			defer closeApp()

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := a.Report(cmd.Context(), f); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "report written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "xlsx", "", "output workbook path")
	return cmd
}
