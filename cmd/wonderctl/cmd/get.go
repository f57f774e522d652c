package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <runId>",
		Short: "Print a run's current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cc *cobra.Command, args []string) error {
			status, err := newClient().GetRun(cc.Context(), args[0])
			if err != nil {
				return withExitCode(3, err)
			}
			raw, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return withExitCode(3, err)
			}
			fmt.Fprintln(cc.OutOrStdout(), string(raw))
			return nil
		},
	}
}
