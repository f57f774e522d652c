package resource

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wonderhq/coordinator/common/queue"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/events"
)

// Logger is the narrow logging surface EventSink needs.
type Logger interface {
	Warn(msg string, args ...any)
}

// EventSink adapts a Service's AppendEvents into an events.Sink the Run
// Actor can register without ever blocking on Postgres I/O from inside
// its own goroutine (spec §5: "no blocking I/O inside the actor").
//
// Publish only enqueues onto a common/queue.Queue topic; a background
// subscriber (started by Start) drains the topic and batches writes
// into the Resource Service.
type EventSink struct {
	runID string
	q     queue.Queue
	svc   Service
	log   Logger
}

// NewEventSink creates a sink for runID. Call Start once before
// registering it as a Log sink, and Stop (implicitly, via ctx
// cancellation passed to Start) when the run finishes.
func NewEventSink(runID string, q queue.Queue, svc Service, log Logger) *EventSink {
	return &EventSink{runID: runID, q: q, svc: svc, log: log}
}

const eventSinkTopic = "wfcoordinator.events"

// Start begins draining this run's queue topic into the Resource
// Service. Must be called before the actor starts publishing, and the
// supplied ctx should outlive the run so queued-but-unflushed events
// persist even after the actor's own context ends.
func (s *EventSink) Start(ctx context.Context) error {
	return s.q.Subscribe(ctx, eventSinkTopic+"."+s.runID, func(ctx context.Context, key string, value []byte) error {
		var ev events.Event
		if err := json.Unmarshal(value, &ev); err != nil {
			return fmt.Errorf("decode queued event for run %s: %w", s.runID, err)
		}
		if err := s.svc.AppendEvents(ctx, s.runID, ev.Stream, []events.Event{ev}); err != nil {
			if s.log != nil {
				s.log.Warn("failed to persist event", "run_id", s.runID, "sequence", ev.Sequence, "error", err)
			}
			return err
		}
		return nil
	})
}

// Publish implements events.Sink. It enqueues ev without blocking on
// persistence; a full queue buffer silently drops the durability copy
// (the in-memory events.Log remains the run's authoritative source for
// its own lifetime — this sink only feeds audit/recovery storage).
func (s *EventSink) Publish(ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = s.q.Publish(context.Background(), eventSinkTopic+"."+s.runID, ev.ID.String(), payload)
}
