// Package resource implements the Resource Service client surface (spec
// §6): definition resolution and the minimal run/event/snapshot
// persistence the coordinator needs for crash recovery. The full
// workspace/project/agent CRUD surface spec.md places outside the core
// is not here — only the operations the Run Actor actually calls.
package resource

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wonderhq/coordinator/internal/wfcoordinator/ctxstore"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/events"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

// RunRecord is the Resource Service's persisted view of a run (spec §3).
type RunRecord struct {
	RunID         string
	DefinitionRef string
	Version       string
	Status        string
	Input         json.RawMessage
	ParentRunID   string
	ParentTokenID string
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// Service is the Resource Service surface the coordinator consumes
// (spec §6): definitions, run lifecycle rows, event append, and
// snapshot persistence for recovery.
type Service interface {
	// ResolveDefinition returns the raw, not-yet-validated workflow
	// definition for (kind, reference, version). version == nil means
	// "latest". Mirrors resolveDefinition in spec §6.
	ResolveDefinition(ctx context.Context, kind, reference string, version *string) (*workflow.Definition, error)

	// CreateRun persists a new run row and returns its runId.
	CreateRun(ctx context.Context, def *workflow.Definition, input json.RawMessage, parentRunID, parentTokenID string) (string, error)

	// UpdateRunStatus updates a run's lifecycle status, stamping
	// completedAt when status is terminal.
	UpdateRunStatus(ctx context.Context, runID, status string, completedAt *time.Time) error

	// GetRun returns the persisted run row for runID.
	GetRun(ctx context.Context, runID string) (*RunRecord, error)

	// PersistSnapshot stores the run's latest context snapshot and
	// active-token set for recovery (spec §5).
	PersistSnapshot(ctx context.Context, runID string, snap ctxstore.Snapshot, activeTokens []string) error

	// AppendEvents persists a batch of events to the named stream's
	// durable log, for replay-based recovery and audit (spec §8).
	AppendEvents(ctx context.Context, runID string, stream events.Stream, evs []events.Event) error

	// EventsSince returns every persisted event for runID with
	// Sequence > seq, for a reconnecting subscriber (spec §8).
	EventsSince(ctx context.Context, runID string, seq int64) ([]events.Event, error)
}

// DefinitionSource adapts a Service to the definition.Loader's narrower
// Source interface, so the loader depends only on the one method it
// actually needs.
type DefinitionSource struct {
	Svc Service
}

// ResolveRaw implements definition.Source.
func (d DefinitionSource) ResolveRaw(ctx context.Context, kind, reference string, version *string) (*workflow.Definition, error) {
	return d.Svc.ResolveDefinition(ctx, kind, reference, version)
}
