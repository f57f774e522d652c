package cmd

import (
	"encoding/json"

	"github.com/wonderhq/coordinator/cmd/wonderctl/client"
)

func clientStartRunRequest(inputJSON, version string, timeoutMs int, enableTrace bool) client.StartRunRequest {
	req := client.StartRunRequest{
		Input:             json.RawMessage(inputJSON),
		TimeoutMs:         timeoutMs,
		EnableTraceEvents: enableTrace,
	}
	if version != "" {
		req.Version = &version
	}
	return req
}
