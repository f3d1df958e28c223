// Package tick provides the periodic drivers behind the engine's loops.
//
// Every loop in the engine (rotation, clock watchdog, dispatch) runs off a
// Source instead of a raw time.Ticker so tests can step virtual time through
// Manual without sleeping on real clocks.
package tick

import (
	"sync"
	"time"
)

// Source drives a periodic callback. Start and Stop are idempotent.
// The callback receives the current time so consumers never read the wall
// clock themselves.
type Source interface {
	Start(fn func(now time.Time))
	Stop()
}

// Wall is a Source backed by a time.Ticker.
type Wall struct {
	interval time.Duration

	mu       sync.Mutex
	stopChan chan struct{}
}

// NewWall creates a wall-clock Source firing at the given interval.
func NewWall(interval time.Duration) *Wall {
	return &Wall{interval: interval}
}

// Start begins invoking fn at the configured interval in its own goroutine.
func (w *Wall) Start(fn func(now time.Time)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopChan != nil {
		return
	}
	stop := make(chan struct{})
	w.stopChan = stop

	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				fn(now)
			}
		}
	}()
}

// Stop halts the loop. Safe to call when not running.
func (w *Wall) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopChan == nil {
		return
	}
	close(w.stopChan)
	w.stopChan = nil
}

// Manual is a Source stepped by hand. Tests advance virtual time with
// Advance, which fires the callback once per elapsed interval.
type Manual struct {
	mu      sync.Mutex
	fn      func(now time.Time)
	now     time.Time
	started bool
}

// NewManual creates a manual Source positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Start(fn func(now time.Time)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
	m.started = true
}

func (m *Manual) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
}

// Now returns the current virtual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves virtual time forward by d and fires the callback once per
// step interval. A step of 0 fires exactly once at the new time.
func (m *Manual) Advance(d time.Duration, step time.Duration) {
	m.mu.Lock()
	fn := m.fn
	started := m.started
	target := m.now.Add(d)
	m.mu.Unlock()

	if step <= 0 {
		m.mu.Lock()
		m.now = target
		m.mu.Unlock()
		if started && fn != nil {
			fn(target)
		}
		return
	}

	for {
		m.mu.Lock()
		next := m.now.Add(step)
		if next.After(target) {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = next
		m.mu.Unlock()
		if started && fn != nil {
			fn(next)
		}
	}
}

// Fire invokes the callback once at the current virtual time without
// advancing it.
func (m *Manual) Fire() {
	m.mu.Lock()
	fn := m.fn
	started := m.started
	now := m.now
	m.mu.Unlock()
	if started && fn != nil {
		fn(now)
	}
}
