// Package runmanager implements the coordinator's run control surface
// (spec §6): startRun/cancelRun/getRun plus event-stream subscription,
// by owning one actor.Actor per in-flight run and everything it needs
// (Context Store, Token Manager, Event Log) to drive that run to
// completion. A transport layer (HTTP, CLI) calls the
// StartRun/CancelRun/GetRun API directly.
package runmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wonderhq/coordinator/common/queue"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/actionexec"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/actor"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/condition"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/ctxstore"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/definition"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/errs"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/events"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/executor"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/resource"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/token"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

// Logger is the narrow structured-logging surface the manager needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Metrics is the narrow subset of telemetry.Metrics the manager updates,
// kept as an interface so tests can assert on it without a live
// Prometheus registry.
type Metrics interface {
	IncRunsStarted()
	IncRunsCompleted(status string)
	SetActiveTokens(n int)
	IncEventsEmitted(stream string)
	ObserveStepDuration(actionKind string, seconds float64)
}

// metricsSink adapts Metrics to events.Sink so every event appended to a
// run's log is also counted in Prometheus (spec §8 supplemental: runtime
// metrics alongside the semantic/trace streams themselves).
type metricsSink struct {
	metrics Metrics
}

func (s metricsSink) Publish(ev events.Event) {
	s.metrics.IncEventsEmitted(string(ev.Stream))
}

// StartOptions mirrors spec §6's startRun options.
type StartOptions struct {
	ParentRunID   string
	ParentTokenID string
	EnableTrace   bool
	TimeoutMs     int
}

// entry is one in-flight or recently finished run's bookkeeping.
type entry struct {
	act    *actor.Actor
	cancel context.CancelFunc
	sink   *resource.EventSink
	done   chan struct{}
}

// Manager owns every run in this process. Concurrency across runs comes
// for free because each run's actor.Actor already serializes its own
// state (spec §5); Manager only needs a mutex around its own run
// registry.
type Manager struct {
	loader  *definition.Loader
	svc     resource.Service
	hub     *events.Hub
	actions *actionexec.Registry
	eval    *condition.Evaluator
	q       queue.Queue
	counter token.Counter
	cfg     actor.Config
	logger  Logger
	metrics Metrics

	mu   sync.RWMutex
	runs map[string]*entry
}

// New creates a Manager. q and counter may be nil (no async event
// persistence / no distributed counter fast-path, respectively).
func New(loader *definition.Loader, svc resource.Service, hub *events.Hub, actions *actionexec.Registry, eval *condition.Evaluator, q queue.Queue, counter token.Counter, cfg actor.Config, logger Logger, metrics Metrics) *Manager {
	return &Manager{
		loader:  loader,
		svc:     svc,
		hub:     hub,
		actions: actions,
		eval:    eval,
		q:       q,
		counter: counter,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		runs:    make(map[string]*entry),
	}
}

// StartRun resolves definitionRef@version, creates a run row through the
// Resource Service, and launches its actor in a new goroutine. It
// returns as soon as the run is registered; callers subscribe or poll
// GetRun to observe progress (spec §6 startRun).
func (m *Manager) StartRun(ctx context.Context, reference string, version *string, input json.RawMessage, opts StartOptions) (string, error) {
	def, err := m.loader.Load(ctx, "workflow", reference, version)
	if err != nil {
		return "", fmt.Errorf("load definition %s: %w", reference, err)
	}

	if err := validateAgainstInputSchema(def, input); err != nil {
		return "", err
	}

	runID, err := m.svc.CreateRun(ctx, def, input, opts.ParentRunID, opts.ParentTokenID)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	store, err := ctxstore.NewStore(input)
	if err != nil {
		return "", fmt.Errorf("initialize context for run %s: %w", runID, err)
	}

	tokens := token.NewManager(runID, m.counter)
	log := events.NewLog(runID)
	if !opts.EnableTrace {
		log.MuteTrace()
	}
	if m.metrics != nil {
		log.AddSink(metricsSink{metrics: m.metrics})
	}

	var sink *resource.EventSink
	runCtx, cancel := context.WithCancel(context.Background())
	if m.q != nil && m.svc != nil {
		sink = resource.NewEventSink(runID, m.q, m.svc, m.logger)
		if err := sink.Start(runCtx); err != nil {
			cancel()
			return "", fmt.Errorf("start event sink for run %s: %w", runID, err)
		}
		log.AddSink(sink)
	}

	exec := executor.New(m.actions, m.eval)
	if m.metrics != nil {
		exec = exec.WithObserver(m.metrics)
	}
	cfg := m.cfg
	a := actor.New(runID, def, store, tokens, log, m.hub, exec, m.eval, cfg, m.logger)

	if opts.TimeoutMs > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		prevCancel := cancel
		cancel = func() { timeoutCancel(); prevCancel() }
	}

	e := &entry{act: a, cancel: cancel, sink: sink, done: make(chan struct{})}
	m.mu.Lock()
	m.runs[runID] = e
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.IncRunsStarted()
	}

	go m.drive(runCtx, runID, e)

	return runID, nil
}

func (m *Manager) drive(ctx context.Context, runID string, e *entry) {
	defer close(e.done)
	err := e.act.Run(ctx)

	status := "completed"
	var completedAt *time.Time
	now := time.Now().UTC()
	completedAt = &now
	if err != nil {
		status = "failed"
		if kind := errs.KindOf(err); kind == errs.KindCancelled {
			status = "cancelled"
		}
	}

	if m.svc != nil {
		if updErr := m.svc.UpdateRunStatus(context.Background(), runID, status, completedAt); updErr != nil && m.logger != nil {
			m.logger.Error("failed to persist terminal run status", "run_id", runID, "error", updErr)
		}
		if snapErr := m.svc.PersistSnapshot(context.Background(), runID, e.act.ContextSnapshot(), nil); snapErr != nil && m.logger != nil {
			m.logger.Warn("failed to persist terminal snapshot", "run_id", runID, "error", snapErr)
		}
	}
	if m.metrics != nil {
		m.metrics.IncRunsCompleted(status)
	}
}

// CancelRun requests the named run stop (spec §6 cancelRun). It returns
// an error if runID is unknown; for a run that has already finished the
// request has no effect.
func (m *Manager) CancelRun(runID string) error {
	m.mu.RLock()
	e, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown run %s", runID)
	}
	e.act.Cancel()
	return nil
}

// RunStatus is the coordinator's externally visible run summary (spec §6
// getRun).
type RunStatus struct {
	RunID   string          `json:"runId"`
	Status  string          `json:"status"`
	Output  map[string]any  `json:"output,omitempty"`
	Failure *FailureSummary `json:"failure,omitempty"`
}

// FailureSummary is the workflow.failed payload shape (spec §7).
type FailureSummary struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	NodeRef string `json:"nodeRef,omitempty"`
	TokenID string `json:"tokenId,omitempty"`
}

// GetRun reports the current status of an in-flight or finished run
// (spec §6 getRun). It consults the in-memory actor while the run is
// still registered, falling back to the Resource Service for runs from
// a prior process.
func (m *Manager) GetRun(ctx context.Context, runID string) (*RunStatus, error) {
	m.mu.RLock()
	e, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		if m.svc == nil {
			return nil, fmt.Errorf("unknown run %s", runID)
		}
		rec, err := m.svc.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return &RunStatus{RunID: rec.RunID, Status: rec.Status}, nil
	}

	status := RunStatus{RunID: runID, Status: string(e.act.Status())}
	if e.act.Status() == actor.StatusCompleted {
		status.Output = e.act.Output()
	}
	if e.act.Status() == actor.StatusFailed {
		kind, msg, nodeRef, tokenID := e.act.Failure()
		status.Failure = &FailureSummary{Kind: string(kind), Message: msg, NodeRef: nodeRef, TokenID: tokenID}
	}
	return &status, nil
}

// Subscribe attaches a live listener to runID's event stream (spec §6
// subscribe). Returns nil if runID has no registered actor (already
// garbage-collected, or never existed).
func (m *Manager) Subscribe(runID string, filter events.Filter) *events.Subscriber {
	m.mu.RLock()
	e, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return e.act.Subscribe(filter)
}

// Unsubscribe detaches a previously registered subscriber.
func (m *Manager) Unsubscribe(runID string, sub *events.Subscriber) {
	m.mu.RLock()
	e, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	e.act.Unsubscribe(sub)
}

// Wait blocks until runID's actor goroutine has returned. Used by the
// CLI surface (cmd/wonderctl), which needs an exit code only available
// once the run reaches a terminal status.
func (m *Manager) Wait(runID string) {
	m.mu.RLock()
	e, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	<-e.done
}

func validateAgainstInputSchema(def *workflow.Definition, input json.RawMessage) error {
	if len(def.InputSchema) == 0 {
		return nil
	}
	var v any
	if len(input) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(input, &v); err != nil {
		return errs.Wrap(errs.KindValidation, "decode run input", err)
	}

	raw, err := json.Marshal(def.InputSchema)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "marshal run input schema", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return errs.Wrap(errs.KindValidation, "decode run input schema", err)
	}
	compiler := jsonschema.NewCompiler()
	const resourceURL = "mem://run-input-schema.json"
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		return errs.Wrap(errs.KindValidation, "add run input schema resource", err)
	}
	schema, err := compiler.Compile(resourceURL)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "compile run input schema", err)
	}
	if err := schema.Validate(v); err != nil {
		return errs.Wrap(errs.KindValidation, "run input", err)
	}
	return nil
}
