package metrics

import (
	"context"
	"runtime"
	"time"
)

// RuntimeMetrics tracks process-level resource use across one action
// invocation, from CaptureStart to Finalize.
type RuntimeMetrics struct {
	StartedAt       time.Time `json:"startedAt"`
	DurationMs      int64     `json:"durationMs"`
	GoroutinesStart int       `json:"goroutinesStart"`
	GoroutinesEnd   int       `json:"goroutinesEnd"`
	HeapAllocStartB uint64    `json:"heapAllocStartBytes"`
	HeapAllocEndB   uint64    `json:"heapAllocEndBytes"`
}

// CaptureStart begins tracking runtime metrics for one invocation. ctx is
// accepted (and currently unused) so callers can later thread
// cancellation-aware sampling through it without changing the signature.
func CaptureStart(ctx context.Context) *RuntimeMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return &RuntimeMetrics{
		StartedAt:       time.Now(),
		GoroutinesStart: runtime.NumGoroutine(),
		HeapAllocStartB: ms.HeapAlloc,
	}
}

// Finalize fills in the end-of-invocation samples.
func (rm *RuntimeMetrics) Finalize(ctx context.Context) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	rm.DurationMs = time.Since(rm.StartedAt).Milliseconds()
	rm.GoroutinesEnd = runtime.NumGoroutine()
	rm.HeapAllocEndB = ms.HeapAlloc
}

// ToMap renders RuntimeMetrics for inclusion in an event's Data payload.
func (rm *RuntimeMetrics) ToMap() map[string]any {
	return map[string]any{
		"durationMs":          rm.DurationMs,
		"goroutinesStart":     rm.GoroutinesStart,
		"goroutinesEnd":       rm.GoroutinesEnd,
		"heapAllocStartBytes": rm.HeapAllocStartB,
		"heapAllocEndBytes":   rm.HeapAllocEndB,
	}
}
