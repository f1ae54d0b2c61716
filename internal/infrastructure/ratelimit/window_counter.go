package ratelimit

import (
	"encoding/json"
	"sync"
	"time"
)

// RateWindowCounter counts calls for one key within a fixed window.
// The count is never decremented; once the window has passed the counter is
// replaced by a fresh one starting at zero.
type RateWindowCounter struct {
	Key         string        `json:"key"`
	WindowStart time.Time     `json:"window_start"`
	Window      time.Duration `json:"-"`
	Count       int           `json:"count"`
}

// MarshalJSON renders the window length as whole seconds
func (c RateWindowCounter) MarshalJSON() ([]byte, error) {
	type counter RateWindowCounter
	return json.Marshal(struct {
		counter
		WindowSeconds int64 `json:"window_seconds"`
	}{counter: counter(c), WindowSeconds: int64(c.Window / time.Second)})
}

// Expired returns true if now is outside the counter's window
func (c *RateWindowCounter) Expired(now time.Time) bool {
	return !now.Before(c.WindowStart.Add(c.Window))
}

// WindowEnd returns when the current window closes
func (c *RateWindowCounter) WindowEnd() time.Time {
	return c.WindowStart.Add(c.Window)
}

// WindowCounters holds one RateWindowCounter per key
type WindowCounters struct {
	mu       sync.Mutex
	window   time.Duration
	counters map[string]*RateWindowCounter
}

// NewWindowCounters creates a counter set with the given window length
func NewWindowCounters(window time.Duration) *WindowCounters {
	return &WindowCounters{
		window:   window,
		counters: make(map[string]*RateWindowCounter),
	}
}

// Increment adds one call for key and returns the count in the current window
func (w *WindowCounters) Increment(key string, now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	c := w.current(key, now)
	c.Count++
	return c.Count
}

// TryIncrement adds one call for key only if the current window is below limit
func (w *WindowCounters) TryIncrement(key string, limit int, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	c := w.current(key, now)
	if c.Count >= limit {
		return false
	}
	c.Count++
	return true
}

// Snapshot returns a copy of the counter for key in the current window
func (w *WindowCounters) Snapshot(key string, now time.Time) RateWindowCounter {
	w.mu.Lock()
	defer w.mu.Unlock()

	c, ok := w.counters[key]
	if !ok || c.Expired(now) {
		return RateWindowCounter{Key: key, WindowStart: now, Window: w.window}
	}
	return *c
}

// Sweep drops counters whose window ended before now
func (w *WindowCounters) Sweep(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for key, c := range w.counters {
		if c.Expired(now) {
			delete(w.counters, key)
			removed++
		}
	}
	return removed
}

func (w *WindowCounters) current(key string, now time.Time) *RateWindowCounter {
	c, ok := w.counters[key]
	if !ok || c.Expired(now) {
		c = &RateWindowCounter{Key: key, WindowStart: now, Window: w.window}
		w.counters[key] = c
	}
	return c
}
