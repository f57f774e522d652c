// Package actor implements the Run Actor (spec §9): the single-threaded
// owner of one run's tokens, context store and barriers. Every state
// transition for a run happens on the actor's own goroutine, reacting to
// one inbox message at a time — task results arrive concurrently from a
// bounded worker pool, but are only ever applied serially inside Run, so
// an inbox channel rather than a mutex guards run state.
package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/wonderhq/coordinator/internal/wfcoordinator/condition"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/ctxstore"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/errs"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/events"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/executor"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/router"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/token"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

// RunStatus is a run's externally visible lifecycle state.
type RunStatus string

const (
	StatusWaiting   RunStatus = "waiting"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// phase is a token's full lifecycle position (spec §3), richer than
// token.Status: the Token Manager only tracks active/consumed/cancelled
// for lineage and barrier bookkeeping, so the actor layers this finer
// phase on top for event emission and status introspection.
type phase string

const (
	phasePending      phase = "pending"
	phaseDispatched   phase = "dispatched"
	phaseExecuting    phase = "executing"
	phaseWaitingFanIn phase = "waiting_at_fan_in"
	phaseCompleted    phase = "completed"
	phaseFailed       phase = "failed"
	phaseTimedOut     phase = "timed_out"
	phaseCancelled    phase = "cancelled"
)

func isTerminalPhase(p phase) bool {
	switch p {
	case phaseCompleted, phaseFailed, phaseTimedOut, phaseCancelled, phaseWaitingFanIn:
		return true
	default:
		return false
	}
}

// tokenRecord is the actor's own per-token bookkeeping, keyed by token ID.
type tokenRecord struct {
	tok         *token.Token
	nodeRef     string
	branchIndex int
	branchTotal int
	phase       phase
	createdAt   time.Time
}

// siblingCohort tracks one fan-out's children as they converge back
// toward a fan-in transition. The key combining the fan-out parent's
// token ID with the transition ref (see fanOutGroupKey) scopes nested
// fan-outs correctly: two fan-outs from different parents sharing the
// same declared siblingGroup name never collide.
type siblingCohort struct {
	fanOutParentID string
	expected       int
	barrier        *router.Barrier
}

func fanOutGroupKey(parentTokenID, transitionRef string) string {
	return parentTokenID + "::" + transitionRef
}

// Logger is the narrow structured-logging surface the actor needs,
// matching the definition loader's own Logger interface so a
// *common/logger.Logger satisfies both without an adapter.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config bounds an actor's resource usage and trace verbosity (spec §9,
// §10 environment knobs).
type Config struct {
	PoolSize             int           // concurrent in-flight node dispatches
	MaxFanout            int           // upper bound on one transition's spawnCount
	SnapshotMinWrites    int           // writes between snapshot.taken events
	SnapshotMinInterval  time.Duration // minimum wall-clock gap between them
	SubscriberBufferSize int           // events.Hub subscriber channel depth
}

// DefaultConfig returns the coordinator's out-of-the-box actor tuning.
func DefaultConfig() Config {
	return Config{
		PoolSize:             8,
		MaxFanout:            1000,
		SnapshotMinWrites:    5,
		SnapshotMinInterval:  time.Second,
		SubscriberBufferSize: 256,
	}
}

// resultMsg carries one node dispatch's outcome back to the actor's
// inbox; it is the only message type a worker-pool goroutine ever sends.
type resultMsg struct {
	tokenID string
	outcome executor.TaskOutcome
	err     error
}

type cancelMsg struct{}

// Actor owns everything about one run: its tokens, context store,
// barriers, and the single goroutine that's allowed to mutate any of
// them. Construct with New, then call Run from the goroutine that will
// own the run; every other method is safe to call from any goroutine.
type Actor struct {
	runID string
	def   *workflow.Definition
	store *ctxstore.Store

	tokens   *token.Manager
	barriers *router.Tracker
	log      *events.Log
	hub      *events.Hub
	exec     *executor.Executor
	eval     *condition.Evaluator
	pool     *pool
	cfg      Config
	logger   Logger

	inbox      chan any
	closed     chan struct{}
	taskCancel context.CancelFunc // cancels in-flight worker dispatches; set by Run

	// Fields below are touched only by the goroutine running Run, except
	// where noted; mu guards the subset also read by Status/Output/Err.
	records map[string]*tokenRecord
	cohorts map[string]*siblingCohort

	pendingResults      int
	writesSinceSnapshot int
	lastSnapshotAt      time.Time

	mu           sync.RWMutex
	status       RunStatus
	runFailed    bool
	failureKind  errs.Kind
	failureMsg   string
	failedNode   string
	failedToken  string
	finalOutput  map[string]any
	startedAt    time.Time
	completedAt  time.Time
}

// New builds a Run Actor for runID. hub may be nil (no live subscribers);
// logger may be nil (no logging).
func New(runID string, def *workflow.Definition, store *ctxstore.Store, tokens *token.Manager, log *events.Log, hub *events.Hub, exec *executor.Executor, eval *condition.Evaluator, cfg Config, logger Logger) *Actor {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 8
	}
	if cfg.SubscriberBufferSize < 1 {
		cfg.SubscriberBufferSize = 256
	}
	if hub != nil {
		log.AddSink(hub)
	}
	return &Actor{
		runID:    runID,
		def:      def,
		store:    store,
		tokens:   tokens,
		barriers: router.NewTracker(),
		log:      log,
		hub:      hub,
		exec:     exec,
		eval:     eval,
		pool:     newPool(cfg.PoolSize),
		cfg:      cfg,
		logger:   logger,
		inbox:    make(chan any, 256),
		closed:   make(chan struct{}),
		records:  make(map[string]*tokenRecord),
		cohorts:  make(map[string]*siblingCohort),
		status:   StatusWaiting,
	}
}

// Run drives the run to completion: it dispatches the root token, then
// serially processes task results and control messages until no tokens
// remain active. It returns nil on a completed run, or the run's
// classified *errs.Error on failure/cancellation/timeout.
func (a *Actor) Run(ctx context.Context) error {
	defer close(a.closed)

	// Worker dispatches run against a child context the actor can cut
	// short on cancellation, so an in-flight action doesn't pin a
	// cancelled run to its full deadline (spec §5: a late result for a
	// cancelled token is dropped, not awaited).
	taskCtx, taskCancel := context.WithCancel(ctx)
	defer taskCancel()
	a.taskCancel = taskCancel
	ctx = taskCtx

	a.mu.Lock()
	a.status = StatusRunning
	a.startedAt = time.Now().UTC()
	a.mu.Unlock()

	a.log.Append(events.TypeWorkflowStarted, "", "", map[string]any{
		"reference": a.def.Reference,
		"version":   a.def.Version,
	})
	a.log.Append(events.TypeContextInitialized, "", "", nil)
	a.maybeSnapshot(true)

	root, err := a.tokens.CreateRoot(ctx, a.def.InitialNodeRef)
	if err != nil {
		a.recordFailure(errs.KindInternalInvariant, fmt.Sprintf("create root token: %v", err), "", "")
		return a.finish()
	}
	a.recordToken(root, 0, 1)
	a.log.Append(events.TypeTokenCreated, root.NodeRef, root.ID, map[string]any{"parentTokenId": ""})
	a.dispatch(ctx, root)

	for {
		select {
		case <-ctx.Done():
			a.handleContextDone(ctx)
			a.taskCancel()
			a.drainPending()
			return a.finish()
		case msg := <-a.inbox:
			switch m := msg.(type) {
			case cancelMsg:
				a.cancelAll(errs.KindCancelled, "run cancelled")
				a.taskCancel()
				a.drainPending()
				return a.finish()
			case resultMsg:
				a.handleResult(ctx, m)
			}
		}
		if a.pendingResults == 0 && a.tokens.ActiveCount() == 0 {
			return a.finish()
		}
	}
}

// drainPending waits out the results of dispatches that were in flight
// when the run terminated, recording each as a dropped late result
// (spec §5). Every cancelled token is already terminal by the time this
// runs, and taskCancel has been called, so the waits are short.
func (a *Actor) drainPending() {
	for a.pendingResults > 0 {
		msg := <-a.inbox
		m, ok := msg.(resultMsg)
		if !ok {
			continue
		}
		a.pendingResults--
		a.log.Append(events.TypeLateResult, "", m.tokenID, map[string]any{"reason": "run terminated"})
	}
}

func (a *Actor) handleContextDone(ctx context.Context) {
	kind := errs.KindCancelled
	msg := "run context cancelled"
	if ctx.Err() == context.DeadlineExceeded {
		kind = errs.KindTimedOut
		msg = "run timed out"
	}
	a.cancelAll(kind, msg)
}

func (a *Actor) cancelAll(kind errs.Kind, message string) {
	cancelled := a.tokens.Cancel()
	for _, tok := range cancelled {
		if rec, ok := a.records[tok.ID]; ok {
			rec.phase = phaseCancelled
		}
		a.store.DropBranch(tok.ID)
	}
	a.mu.Lock()
	a.runFailed = true
	a.failureKind = kind
	a.failureMsg = message
	a.mu.Unlock()
}

// Cancel requests the run stop. It is safe to call concurrently with Run
// and is a no-op once the run has already finished.
func (a *Actor) Cancel() {
	select {
	case a.inbox <- cancelMsg{}:
	case <-a.closed:
	}
}

// Subscribe registers a live listener for this run's events. The Hub is
// its own synchronization domain, so this bypasses the inbox entirely.
func (a *Actor) Subscribe(filter events.Filter) *events.Subscriber {
	return a.hub.Subscribe(a.runID, a.cfg.SubscriberBufferSize, filter)
}

// Unsubscribe removes a previously registered subscriber.
func (a *Actor) Unsubscribe(sub *events.Subscriber) {
	a.hub.Unsubscribe(sub)
}

// Status reports the run's current externally visible lifecycle state.
func (a *Actor) Status() RunStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Output returns the run's final output document, nil until completed.
func (a *Actor) Output() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.finalOutput
}

// Failure reports the classified failure kind/message, valid once Status
// returns StatusFailed.
func (a *Actor) Failure() (kind errs.Kind, message, nodeRef, tokenID string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.failureKind, a.failureMsg, a.failedNode, a.failedToken
}

// ContextSnapshot returns the run's current context document, safe to
// call at any point in the run's lifetime.
func (a *Actor) ContextSnapshot() ctxstore.Snapshot {
	return a.store.Snapshot()
}

func (a *Actor) recordToken(tok *token.Token, branchIndex, branchTotal int) {
	a.records[tok.ID] = &tokenRecord{
		tok:         tok,
		nodeRef:     tok.NodeRef,
		branchIndex: branchIndex,
		branchTotal: branchTotal,
		phase:       phasePending,
		createdAt:   time.Now().UTC(),
	}
}

// recordFailure keeps the first failure's diagnostic (spec §7: a run's
// reported cause is the failure that first broke it, not whichever
// subsequent one the actor happened to process last).
func (a *Actor) recordFailure(kind errs.Kind, message, nodeRef, tokenID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runFailed {
		return
	}
	a.runFailed = true
	a.failureKind = kind
	a.failureMsg = message
	a.failedNode = nodeRef
	a.failedToken = tokenID
}

func (a *Actor) failRun(kind errs.Kind, context string, cause error) {
	msg := context
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", context, cause)
	}
	a.recordFailure(kind, msg, "", "")
}

// finish finalizes the run: applies the definition's top-level output
// mapping, emits the terminal event, and returns the error Run should
// report to its caller.
func (a *Actor) finish() error {
	a.mu.Lock()
	a.completedAt = time.Now().UTC()
	failed := a.runFailed
	kind, msg := a.failureKind, a.failureMsg
	a.mu.Unlock()

	if failed {
		a.mu.Lock()
		a.status = StatusFailed
		a.mu.Unlock()
		evType := events.TypeWorkflowFailed
		if kind == errs.KindCancelled {
			evType = events.TypeWorkflowCancelled
		}
		a.log.Append(evType, a.failedNode, a.failedToken, map[string]any{"kind": string(kind), "message": msg})
		a.maybeSnapshot(true)
		if a.logger != nil {
			a.logger.Warn("run ended in failure", "run_id", a.runID, "kind", string(kind))
		}
		return errs.New(kind, msg)
	}

	out, err := a.finalizeOutput()
	if err != nil {
		a.mu.Lock()
		a.status = StatusFailed
		a.failureKind = errs.KindMapping
		a.failureMsg = err.Error()
		a.mu.Unlock()
		a.log.Append(events.TypeWorkflowFailed, "", "", map[string]any{"kind": string(errs.KindMapping), "message": err.Error()})
		a.maybeSnapshot(true)
		return errs.Wrap(errs.KindMapping, "terminal output mapping", err)
	}

	a.mu.Lock()
	a.finalOutput = out
	a.status = StatusCompleted
	a.mu.Unlock()
	a.log.Append(events.TypeWorkflowCompleted, "", "", map[string]any{"output": out})
	a.maybeSnapshot(true)
	if a.logger != nil {
		a.logger.Info("run completed", "run_id", a.runID)
	}
	return nil
}

func (a *Actor) finalizeOutput() (map[string]any, error) {
	if len(a.def.OutputMapping) > 0 {
		if err := a.store.ApplyMapping(a.def.OutputMapping, ""); err != nil {
			return nil, err
		}
	}
	snap := a.store.Snapshot()
	var out map[string]any
	if len(snap.Output) == 0 {
		return map[string]any{}, nil
	}
	if err := json.Unmarshal(snap.Output, &out); err != nil {
		return nil, fmt.Errorf("decode final output: %w", err)
	}
	return out, nil
}

// maybeSnapshot emits a snapshot.taken trace event when force is true or
// enough writes/time have accumulated since the last one (spec §10
// SNAPSHOT_MIN_WRITES / SNAPSHOT_MIN_INTERVAL_MS).
func (a *Actor) maybeSnapshot(force bool) {
	now := time.Now().UTC()
	if !force && a.writesSinceSnapshot < a.cfg.SnapshotMinWrites && now.Sub(a.lastSnapshotAt) < a.cfg.SnapshotMinInterval {
		return
	}
	snap := a.store.Snapshot()
	a.log.Append(events.TypeSnapshotTaken, "", "", map[string]any{
		"state":  json.RawMessage(snap.State),
		"output": json.RawMessage(snap.Output),
	})
	a.writesSinceSnapshot = 0
	a.lastSnapshotAt = now
}
