// Package events implements the Event Log & Dispatcher (spec §8): a
// causally-ordered, per-run monotonic event sequence, a semantic stream
// (workflow/node lifecycle) and a trace stream (token/fan-in/snapshot
// detail), and websocket delivery to subscribers.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Stream distinguishes the two event channels spec §8 defines.
type Stream string

const (
	StreamSemantic Stream = "semantic"
	StreamTrace    Stream = "trace"
)

// Type enumerates the event types the coordinator emits.
type Type string

const (
	TypeWorkflowStarted    Type = "workflow.started"
	TypeWorkflowCompleted  Type = "workflow.completed"
	TypeWorkflowFailed     Type = "workflow.failed"
	TypeWorkflowCancelled  Type = "workflow.cancelled"
	TypeNodeStarted        Type = "node.started"
	TypeNodeCompleted      Type = "node.completed"
	TypeNodeFailed         Type = "node.failed"
	TypeNodeSkipped        Type = "node.skipped"
	TypeStepRetried        Type = "step.retried"
	TypeTokenCreated       Type = "token.created"
	TypeTokenConsumed      Type = "token.consumed"
	TypeFanOutSpawned      Type = "fan_out.spawned"
	TypeFanInArrival       Type = "fan_in.arrival"
	TypeFanInFired         Type = "fan_in.fired"
	TypeFanInLateArrival   Type = "fan_in.late_arrival"
	TypeSnapshotTaken      Type = "snapshot.taken"
	TypeLateResult         Type = "trace.late_result"
	TypeRoutingStarted     Type = "routing.started"
	TypeRoutingCompleted   Type = "routing.completed"
	TypeContextInitialized Type = "context.initialized"
	TypeContextFieldSet    Type = "context.field_set"
)

// semanticTypes are the lifecycle events every subscriber cares about by
// default; everything else is a trace-level detail event.
var semanticTypes = map[Type]bool{
	TypeWorkflowStarted:   true,
	TypeWorkflowCompleted: true,
	TypeWorkflowFailed:    true,
	TypeWorkflowCancelled: true,
	TypeNodeStarted:       true,
	TypeNodeCompleted:     true,
	TypeNodeFailed:        true,
	TypeNodeSkipped:       true,
}

// StreamFor classifies typ into its stream, so callers can append without
// having to track the classification themselves.
func StreamFor(typ Type) Stream {
	if semanticTypes[typ] {
		return StreamSemantic
	}
	return StreamTrace
}

// Event is one entry in a run's causally-ordered log (spec §8). Sequence
// is assigned by the Log at append time and is strictly increasing per
// run, giving every consumer a total order regardless of which goroutine
// produced the underlying work.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	RunID      string         `json:"runId"`
	Stream     Stream         `json:"stream"`
	Type       Type           `json:"type"`
	Sequence   int64          `json:"sequence"`
	OccurredAt time.Time      `json:"occurredAt"`
	NodeRef    string         `json:"nodeRef,omitempty"`
	TokenID    string         `json:"tokenId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}
