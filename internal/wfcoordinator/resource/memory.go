package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wonderhq/coordinator/internal/wfcoordinator/ctxstore"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/events"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

// MemoryService is an in-process Service, used by cmd/wonderctl's
// standalone mode and by component tests that need a Resource Service
// without a Postgres dependency. Definitions are seeded by the caller
// (RegisterDefinition) rather than fetched over a network.
type MemoryService struct {
	mu          sync.Mutex
	defs        map[string]*workflow.Definition // reference@version
	latest      map[string]string               // reference -> version
	runs        map[string]*RunRecord
	eventsByRun map[string][]events.Event
}

// NewMemoryService creates an empty MemoryService.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		defs:        make(map[string]*workflow.Definition),
		latest:      make(map[string]string),
		runs:        make(map[string]*RunRecord),
		eventsByRun: make(map[string][]events.Event),
	}
}

// RegisterDefinition seeds a definition's raw form so ResolveDefinition
// can later serve it. Each registration becomes the reference's latest
// version.
func (m *MemoryService) RegisterDefinition(def *workflow.Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.Reference+"@"+def.Version] = def
	m.latest[def.Reference] = def.Version
}

func (m *MemoryService) ResolveDefinition(ctx context.Context, kind, reference string, version *string) (*workflow.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := ""
	if version != nil {
		v = *version
	} else {
		v = m.latest[reference]
	}
	def, ok := m.defs[reference+"@"+v]
	if !ok {
		return nil, fmt.Errorf("resource: no definition %s@%s registered", reference, v)
	}
	// Return a shallow copy so the loader's own FreezeIndex mutation
	// never corrupts this service's canonical copy across runs.
	cp := *def
	return &cp, nil
}

func (m *MemoryService) CreateRun(ctx context.Context, def *workflow.Definition, input json.RawMessage, parentRunID, parentTokenID string) (string, error) {
	runID := ulid.Make().String()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runID] = &RunRecord{
		RunID:         runID,
		DefinitionRef: def.Reference,
		Version:       def.Version,
		Status:        "waiting",
		Input:         input,
		ParentRunID:   parentRunID,
		ParentTokenID: parentTokenID,
		CreatedAt:     time.Now().UTC(),
	}
	return runID, nil
}

func (m *MemoryService) UpdateRunStatus(ctx context.Context, runID, status string, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("resource: unknown run %s", runID)
	}
	rec.Status = status
	rec.CompletedAt = completedAt
	return nil
}

func (m *MemoryService) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("resource: unknown run %s", runID)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryService) PersistSnapshot(ctx context.Context, runID string, snap ctxstore.Snapshot, activeTokens []string) error {
	// MemoryService holds nothing durable beyond process lifetime;
	// snapshots exist only to satisfy the interface for tests that
	// don't assert on persisted snapshot contents.
	return nil
}

func (m *MemoryService) AppendEvents(ctx context.Context, runID string, stream events.Stream, evs []events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsByRun[runID] = append(m.eventsByRun[runID], evs...)
	return nil
}

func (m *MemoryService) EventsSince(ctx context.Context, runID string, seq int64) ([]events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.Event
	for _, ev := range m.eventsByRun[runID] {
		if ev.Sequence > seq {
			out = append(out, ev)
		}
	}
	return out, nil
}
