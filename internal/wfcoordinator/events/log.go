package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sink receives every event as it's appended, used to fan events out to
// live subscribers without the Log itself knowing about websockets.
type Sink interface {
	Publish(Event)
}

// Log is one run's append-only, causally-ordered event sequence (spec
// §8). Sequence numbers are assigned under lock so concurrent appends
// (a step completing while another goroutine polls for cancellation,
// say) never race on ordering.
type Log struct {
	mu         sync.Mutex
	runID      string
	seq        int64
	all        []Event
	sinks      []Sink
	traceMuted bool
}

// NewLog creates an empty event log for runID.
func NewLog(runID string) *Log {
	return &Log{runID: runID}
}

// MuteTrace suppresses trace-stream events entirely: they are neither
// sequenced, recorded, nor published. Used when a run is started without
// enableTraceEvents (spec §6) — the semantic stream stays contiguous
// because sequences are only ever assigned to events that are kept.
func (l *Log) MuteTrace() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.traceMuted = true
}

// AddSink registers a subscriber sink; every subsequent Append also
// publishes to it. Existing entries are not replayed — callers that need
// history should read All() first.
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Append assigns the next sequence number, records the event, and fans it
// out to every registered sink.
func (l *Log) Append(typ Type, nodeRef, tokenID string, data map[string]any) Event {
	l.mu.Lock()
	if l.traceMuted && StreamFor(typ) == StreamTrace {
		l.mu.Unlock()
		return Event{}
	}
	l.seq++
	ev := Event{
		ID:         uuid.New(),
		RunID:      l.runID,
		Stream:     StreamFor(typ),
		Type:       typ,
		Sequence:   l.seq,
		OccurredAt: time.Now().UTC(),
		NodeRef:    nodeRef,
		TokenID:    tokenID,
		Data:       data,
	}
	l.all = append(l.all, ev)
	sinks := append([]Sink(nil), l.sinks...)
	l.mu.Unlock()

	for _, s := range sinks {
		s.Publish(ev)
	}
	return ev
}

// All returns every event recorded so far, in sequence order.
func (l *Log) All() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.all))
	copy(out, l.all)
	return out
}

// Since returns every event with Sequence > seq, for a subscriber
// resuming after a reconnect (spec §8).
func (l *Log) Since(seq int64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.all {
		if ev.Sequence > seq {
			out = append(out, ev)
		}
	}
	return out
}

// LastSequence reports the most recently assigned sequence number, 0 if
// the log is empty.
func (l *Log) LastSequence() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}
