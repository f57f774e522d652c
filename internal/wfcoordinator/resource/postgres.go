package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wonderhq/coordinator/common/db"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/ctxstore"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/events"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

// schema is applied once at startup: plain CREATE TABLE IF NOT EXISTS at
// service boot rather than a separate migration tool, covering the four
// tables the Service interface needs.
const schema = `
CREATE TABLE IF NOT EXISTS wf_definition (
	reference   TEXT NOT NULL,
	version     TEXT NOT NULL,
	kind        TEXT NOT NULL DEFAULT 'workflow',
	document    JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (reference, version)
);

CREATE TABLE IF NOT EXISTS wf_run (
	run_id           TEXT PRIMARY KEY,
	definition_ref   TEXT NOT NULL,
	definition_ver   TEXT NOT NULL,
	status           TEXT NOT NULL,
	input            JSONB NOT NULL,
	parent_run_id    TEXT,
	parent_token_id  TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS wf_event (
	run_id      TEXT NOT NULL,
	sequence    BIGINT NOT NULL,
	stream      TEXT NOT NULL,
	type        TEXT NOT NULL,
	node_ref    TEXT,
	token_id    TEXT,
	occurred_at TIMESTAMPTZ NOT NULL,
	data        JSONB,
	PRIMARY KEY (run_id, sequence)
);

CREATE TABLE IF NOT EXISTS wf_snapshot (
	run_id        TEXT PRIMARY KEY,
	context       JSONB NOT NULL,
	active_tokens JSONB NOT NULL,
	taken_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresService is the Resource Service backed by the coordinator's
// own Postgres database: one typed method per operation, parameterized
// queries throughout.
type PostgresService struct {
	db *db.DB
}

// NewPostgresService creates a PostgresService and ensures its schema
// exists.
func NewPostgresService(ctx context.Context, database *db.DB) (*PostgresService, error) {
	if _, err := database.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply resource schema: %w", err)
	}
	return &PostgresService{db: database}, nil
}

// PutDefinition upserts a definition document, used by the definition
// patch/hot-reload path to persist a newly materialized version and by
// any out-of-band definition publish step.
func (p *PostgresService) PutDefinition(ctx context.Context, def *workflow.Definition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition %s@%s: %w", def.Reference, def.Version, err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO wf_definition (reference, version, kind, document)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (reference, version) DO UPDATE SET document = EXCLUDED.document
	`, def.Reference, def.Version, def.Kind, doc)
	if err != nil {
		return fmt.Errorf("put definition %s@%s: %w", def.Reference, def.Version, err)
	}
	return nil
}

func (p *PostgresService) ResolveDefinition(ctx context.Context, kind, reference string, version *string) (*workflow.Definition, error) {
	var (
		doc []byte
		err error
	)
	if version != nil {
		err = p.db.QueryRow(ctx, `SELECT document FROM wf_definition WHERE reference = $1 AND version = $2`,
			reference, *version).Scan(&doc)
	} else {
		err = p.db.QueryRow(ctx, `
			SELECT document FROM wf_definition
			WHERE reference = $1
			ORDER BY created_at DESC
			LIMIT 1
		`, reference).Scan(&doc)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve definition %s: %w", reference, err)
	}

	var def workflow.Definition
	if err := json.Unmarshal(doc, &def); err != nil {
		return nil, fmt.Errorf("decode definition %s: %w", reference, err)
	}
	return &def, nil
}

func (p *PostgresService) CreateRun(ctx context.Context, def *workflow.Definition, input json.RawMessage, parentRunID, parentTokenID string) (string, error) {
	runID := ulid.Make().String()
	_, err := p.db.Exec(ctx, `
		INSERT INTO wf_run (run_id, definition_ref, definition_ver, status, input, parent_run_id, parent_token_id)
		VALUES ($1, $2, $3, 'waiting', $4, NULLIF($5, ''), NULLIF($6, ''))
	`, runID, def.Reference, def.Version, input, parentRunID, parentTokenID)
	if err != nil {
		return "", fmt.Errorf("create run for %s@%s: %w", def.Reference, def.Version, err)
	}
	return runID, nil
}

func (p *PostgresService) UpdateRunStatus(ctx context.Context, runID, status string, completedAt *time.Time) error {
	_, err := p.db.Exec(ctx, `UPDATE wf_run SET status = $2, completed_at = $3 WHERE run_id = $1`,
		runID, status, completedAt)
	if err != nil {
		return fmt.Errorf("update run %s status: %w", runID, err)
	}
	return nil
}

func (p *PostgresService) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	rec := &RunRecord{RunID: runID}
	var parentRunID, parentTokenID *string
	err := p.db.QueryRow(ctx, `
		SELECT definition_ref, definition_ver, status, input, parent_run_id, parent_token_id, created_at, completed_at
		FROM wf_run WHERE run_id = $1
	`, runID).Scan(&rec.DefinitionRef, &rec.Version, &rec.Status, &rec.Input, &parentRunID, &parentTokenID, &rec.CreatedAt, &rec.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	if parentRunID != nil {
		rec.ParentRunID = *parentRunID
	}
	if parentTokenID != nil {
		rec.ParentTokenID = *parentTokenID
	}
	return rec, nil
}

func (p *PostgresService) PersistSnapshot(ctx context.Context, runID string, snap ctxstore.Snapshot, activeTokens []string) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot for run %s: %w", runID, err)
	}
	tokens, err := json.Marshal(activeTokens)
	if err != nil {
		return fmt.Errorf("marshal active tokens for run %s: %w", runID, err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO wf_snapshot (run_id, context, active_tokens, taken_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (run_id) DO UPDATE SET context = EXCLUDED.context, active_tokens = EXCLUDED.active_tokens, taken_at = now()
	`, runID, doc, tokens)
	if err != nil {
		return fmt.Errorf("persist snapshot for run %s: %w", runID, err)
	}
	return nil
}

func (p *PostgresService) AppendEvents(ctx context.Context, runID string, stream events.Stream, evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	batch := make([][]any, 0, len(evs))
	for _, ev := range evs {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal event %d for run %s: %w", ev.Sequence, runID, err)
		}
		batch = append(batch, []any{runID, ev.Sequence, string(ev.Stream), string(ev.Type), ev.NodeRef, ev.TokenID, ev.OccurredAt, data})
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append events for run %s: %w", runID, err)
	}
	defer tx.Rollback(ctx)

	for _, row := range batch {
		_, err := tx.Exec(ctx, `
			INSERT INTO wf_event (run_id, sequence, stream, type, node_ref, token_id, occurred_at, data)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)
			ON CONFLICT (run_id, sequence) DO NOTHING
		`, row...)
		if err != nil {
			return fmt.Errorf("append event for run %s: %w", runID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append events for run %s: %w", runID, err)
	}
	return nil
}

func (p *PostgresService) EventsSince(ctx context.Context, runID string, seq int64) ([]events.Event, error) {
	rows, err := p.db.Query(ctx, `
		SELECT sequence, stream, type, node_ref, token_id, occurred_at, data
		FROM wf_event
		WHERE run_id = $1 AND sequence > $2
		ORDER BY sequence ASC
	`, runID, seq)
	if err != nil {
		return nil, fmt.Errorf("events since %d for run %s: %w", seq, runID, err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			ev              events.Event
			nodeRef, tokID  *string
			data            []byte
		)
		if err := rows.Scan(&ev.Sequence, &ev.Stream, &ev.Type, &nodeRef, &tokID, &ev.OccurredAt, &data); err != nil {
			return nil, fmt.Errorf("scan event for run %s: %w", runID, err)
		}
		ev.RunID = runID
		if nodeRef != nil {
			ev.NodeRef = *nodeRef
		}
		if tokID != nil {
			ev.TokenID = *tokID
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &ev.Data)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
