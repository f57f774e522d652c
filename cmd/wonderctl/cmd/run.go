package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	var (
		input       string
		version     string
		timeoutMs   int
		enableTrace bool
	)

	c := &cobra.Command{
		Use:   "run <definitionRef>",
		Short: "Start a workflow run and stream its events to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cc *cobra.Command, args []string) error {
			return runWorkflow(cc.Context(), args[0], input, version, timeoutMs, enableTrace)
		},
	}
	c.Flags().StringVar(&input, "input", "{}", "JSON input document for the run")
	c.Flags().StringVar(&version, "version", "", "definition version (default: latest)")
	c.Flags().IntVar(&timeoutMs, "timeout-ms", 0, "run timeout in milliseconds (0 = no timeout)")
	c.Flags().BoolVar(&enableTrace, "trace", false, "subscribe to the trace stream in addition to events")
	return c
}

func runWorkflow(ctx context.Context, reference, inputJSON, version string, timeoutMs int, enableTrace bool) error {
	if !json.Valid([]byte(inputJSON)) {
		return withExitCode(3, fmt.Errorf("--input is not valid JSON"))
	}

	cli := newClient()

	req := clientStartRunRequest(inputJSON, version, timeoutMs, enableTrace)
	runID, err := cli.StartRun(ctx, reference, req)
	if err != nil {
		return withExitCode(3, err)
	}

	frames, closer, err := cli.SubscribeEvents(ctx, runID)
	if err != nil {
		return withExitCode(3, fmt.Errorf("run %s started but event stream unavailable: %w", runID, err))
	}
	defer closer.Close()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	for frame := range frames {
		out.Write(frame)
		out.WriteByte('\n')
		out.Flush()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(frame, &envelope); err != nil {
			continue
		}
		switch envelope.Type {
		case "workflow.completed":
			return nil
		case "workflow.failed":
			return withExitCode(1, fmt.Errorf("run %s failed", runID))
		case "workflow.cancelled":
			return withExitCode(2, fmt.Errorf("run %s cancelled", runID))
		}
	}

	status, err := cli.GetRun(ctx, runID)
	if err != nil {
		return withExitCode(3, err)
	}
	switch status.Status {
	case "completed":
		return nil
	case "cancelled":
		return withExitCode(2, fmt.Errorf("run %s cancelled", runID))
	default:
		return withExitCode(1, fmt.Errorf("run %s ended as %s", runID, status.Status))
	}
}
