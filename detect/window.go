package detect

import (
	"sync"
	"time"

	"bastion/core"
	"bastion/metrics"
)

// WindowBuffer is a bounded, time-indexed store of recent normalized events,
// keyed by source identifier. Entries older than the largest configured
// detector window are evicted lazily on insert; per-key capacity is enforced
// oldest-first.
//
// Appends do not block concurrent reads for long: readers copy matching
// events out under a read lock so pattern matching always observes a
// consistent snapshot.
type WindowBuffer struct {
	mu        sync.RWMutex
	buffers   map[string][]*core.Event
	maxAge    time.Duration
	maxPerKey int
}

// NewWindowBuffer creates a sliding window buffer. maxAge must cover the
// largest detector window; maxPerKey bounds per-source memory.
func NewWindowBuffer(maxAge time.Duration, maxPerKey int) *WindowBuffer {
	return &WindowBuffer{
		buffers:   make(map[string][]*core.Event),
		maxAge:    maxAge,
		maxPerKey: maxPerKey,
	}
}

// Append adds an event to the buffer and lazily evicts expired entries for
// the event's key.
func (w *WindowBuffer) Append(event *core.Event) {
	if event == nil {
		return
	}
	key := w.keyFor(event)

	w.mu.Lock()
	defer w.mu.Unlock()

	events := append(w.buffers[key], event)

	// Lazy eviction: drop entries older than maxAge relative to the newest
	// event, then enforce the per-key cap oldest-first.
	cutoff := event.Timestamp.Add(-w.maxAge)
	start := 0
	for start < len(events) && events[start].Timestamp.Before(cutoff) {
		start++
	}
	if start > 0 {
		metrics.WindowEvictions.Add(float64(start))
		events = events[start:]
	}
	if w.maxPerKey > 0 && len(events) > w.maxPerKey {
		evicted := len(events) - w.maxPerKey
		metrics.WindowEvictions.Add(float64(evicted))
		events = events[evicted:]
	}

	w.buffers[key] = events
}

// Query returns a snapshot of events at or after since for which pred returns
// true, across all keys. A nil predicate matches everything.
func (w *WindowBuffer) Query(since time.Time, pred func(*core.Event) bool) []*core.Event {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []*core.Event
	for _, events := range w.buffers {
		for _, ev := range events {
			if ev.Timestamp.Before(since) {
				continue
			}
			if pred == nil || pred(ev) {
				out = append(out, ev)
			}
		}
	}
	return out
}

// QueryKey returns a snapshot of events for one source key at or after since.
func (w *WindowBuffer) QueryKey(key string, since time.Time, pred func(*core.Event) bool) []*core.Event {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []*core.Event
	for _, ev := range w.buffers[key] {
		if ev.Timestamp.Before(since) {
			continue
		}
		if pred == nil || pred(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the total number of buffered events.
func (w *WindowBuffer) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	total := 0
	for _, events := range w.buffers {
		total += len(events)
	}
	return total
}

func (w *WindowBuffer) keyFor(event *core.Event) string {
	if event.SourceIdentifier != "" {
		return event.SourceIdentifier
	}
	return "unknown"
}
