// Package cmd implements wonderctl's Cobra command tree (spec §6's
// minimal CLI surface): one root command carrying persistent flags,
// subcommands in their own files, SilenceUsage/SilenceErrors so the
// binary controls its own exit codes instead of Cobra's default usage
// dump.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/wonderhq/coordinator/cmd/wonderctl/client"
)

var addr string

// NewRootCommand builds wonderctl's root command.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "wonderctl",
		Short:         "wonderctl drives the Wonder Workflow Coordinator from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080", "coordinatord base URL")

	root.AddCommand(newRunCommand())
	root.AddCommand(newCancelCommand())
	root.AddCommand(newGetCommand())
	return root
}

func newClient() *client.Client {
	return client.New(addr)
}
