package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <runId>",
		Short: "Request a run stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cc *cobra.Command, args []string) error {
			if err := newClient().CancelRun(cc.Context(), args[0]); err != nil {
				return withExitCode(3, err)
			}
			fmt.Fprintf(cc.OutOrStdout(), "cancelling %s\n", args[0])
			return nil
		},
	}
}
