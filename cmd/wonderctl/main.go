// Command wonderctl is the Wonder Workflow Coordinator's minimal CLI
// surface (spec §6): run/cancel/get against a coordinatord instance.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/wonderhq/coordinator/cmd/wonderctl/cmd"
)

func main() {
	root := cmd.NewRootCommand()
	root.SetContext(context.Background())
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(cmd.ExitCode(err))
}
