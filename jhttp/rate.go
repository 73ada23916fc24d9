package jhttp

import (
	"sync"
	"time"
)

// A fixedWindow is an in-memory fixed-window request counter keyed by client.
// Each key's counter resets at the start of its own window; the window start
// is the arrival time of the first request after the previous window ended.
// The structure is per-process and is not persisted across restarts.
type fixedWindow struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	start time.Time
	count int
}

func newFixedWindow(max int, window time.Duration) *fixedWindow {
	return &fixedWindow{
		max:     max,
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow records one request for key and reports whether it fits the budget
// of the current window.
func (f *fixedWindow) Allow(key string) bool {
	if f.max <= 0 || f.window <= 0 {
		return true
	}
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.buckets[key]
	if !ok || now.Sub(b.start) >= f.window {
		b = &bucket{start: now}
		f.buckets[key] = b
	}
	b.count++
	return b.count <= f.max
}
