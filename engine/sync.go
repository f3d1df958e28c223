package engine

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	charmlog "github.com/charmbracelet/log"

	"diskseq/midi"
	"diskseq/tick"
)

// Beat-clock protocol constants: 24 pulses per quarter note, estimates only
// accepted inside the plausible live range, small changes suppressed as
// jitter.
const (
	PulsesPerQuarter = 24
	minTempo         = 60.0
	maxTempo         = 200.0
	tempoEpsilon     = 0.5
	pulseTimeout     = 2 * time.Second

	// WatchdogInterval is how often the no-pulse timeout is checked.
	WatchdogInterval = 50 * time.Millisecond
)

// ClockTracker decodes an external beat-clock input into a tempo estimate.
// Disconnected → Connected on successful subscription; back to Disconnected
// on explicit disconnect or a 2-second no-pulse timeout. While disconnected
// the fallback tempo is published.
type ClockTracker struct {
	input    midi.ClockInput
	watchdog tick.Source
	log      *charmlog.Logger

	mu          sync.Mutex
	connected   bool
	lastPulse   time.Time
	pulseCount  int
	windowStart time.Time
	position    int
	fallback    float64

	onSyncLost     []func()
	onTempoChanged []func(bpm float64)

	// Published for lock-free reads from the rotation loop.
	tempoBits atomic.Uint64
	connFlag  atomic.Bool
}

// NewClockTracker creates a disconnected tracker publishing fallback.
func NewClockTracker(input midi.ClockInput, watchdog tick.Source, fallback float64, logger *charmlog.Logger) *ClockTracker {
	if fallback <= 0 {
		fallback = 120
	}
	t := &ClockTracker{
		input:    input,
		watchdog: watchdog,
		log:      logger,
		fallback: fallback,
	}
	t.publish(fallback)
	return t
}

// Connect subscribes to the clock input and arms the no-pulse watchdog.
// Failure to subscribe leaves the tracker Disconnected; it is reported in
// the return value and the log, never panicked.
func (t *ClockTracker) Connect() error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.input.Subscribe(t.handleSignal); err != nil {
		t.log.Warn("clock connect failed", "err", err)
		return err
	}

	t.mu.Lock()
	t.connected = true
	t.lastPulse = time.Now() // arms the timeout until the first pulse
	t.pulseCount = 0
	t.windowStart = time.Time{}
	t.mu.Unlock()
	t.connFlag.Store(true)

	t.watchdog.Start(t.watchTick)
	t.log.Info("clock connected", "input", t.input.Name())
	return nil
}

// Disconnect unsubscribes and reverts to the fallback tempo. No
// notifications fire; those are reserved for the timeout path.
func (t *ClockTracker) Disconnect() {
	t.watchdog.Stop()
	t.input.Unsubscribe()

	t.mu.Lock()
	t.connected = false
	fallback := t.fallback
	t.mu.Unlock()
	t.connFlag.Store(false)
	t.publish(fallback)
	t.log.Info("clock disconnected")
}

// SetFallbackTempo sets the tempo used whenever disconnected.
func (t *ClockTracker) SetFallbackTempo(bpm float64) error {
	if bpm <= 0 {
		return fmt.Errorf("fallback tempo must be positive, got %v: %w", bpm, ErrInvalidArgument)
	}
	t.mu.Lock()
	t.fallback = bpm
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		t.publish(bpm)
	}
	return nil
}

// CurrentTempo returns the published estimate and the connection state.
// Lock-free; safe to call from the rotation loop.
func (t *ClockTracker) CurrentTempo() (float64, bool) {
	return math.Float64frombits(t.tempoBits.Load()), t.connFlag.Load()
}

// Connected reports the connection state.
func (t *ClockTracker) Connected() bool {
	return t.connFlag.Load()
}

// Position returns the pulse position counter (reset by Start, preserved by
// Stop, resumed by Continue).
func (t *ClockTracker) Position() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position
}

// OnSyncLost registers a listener for the no-pulse timeout.
func (t *ClockTracker) OnSyncLost(fn func()) {
	t.mu.Lock()
	t.onSyncLost = append(t.onSyncLost, fn)
	t.mu.Unlock()
}

// OnTempoChanged registers a listener for accepted tempo estimates and the
// fallback reversion.
func (t *ClockTracker) OnTempoChanged(fn func(bpm float64)) {
	t.mu.Lock()
	t.onTempoChanged = append(t.onTempoChanged, fn)
	t.mu.Unlock()
}

// handleSignal is the clock input callback.
func (t *ClockTracker) handleSignal(sig midi.ClockSignal, at time.Time) {
	switch sig {
	case midi.SignalPulse:
		t.maybeResume()
		t.handlePulse(at)
	case midi.SignalStart:
		t.mu.Lock()
		t.position = 0
		t.pulseCount = 0
		t.windowStart = time.Time{}
		t.mu.Unlock()
	case midi.SignalStop:
		// Position is preserved; only the estimation window resets so a
		// transport pause cannot stretch it.
		t.mu.Lock()
		t.pulseCount = 0
		t.windowStart = time.Time{}
		t.mu.Unlock()
	case midi.SignalContinue:
		t.mu.Lock()
		t.pulseCount = 0
		t.windowStart = time.Time{}
		t.mu.Unlock()
	}
}

// maybeResume re-enters Connected when pulses come back after a timeout.
// The subscription survives a timeout, so any pulse seen while Disconnected
// means the external clock is alive again; estimation restarts from a fresh
// window.
func (t *ClockTracker) maybeResume() {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = true
	t.pulseCount = 0
	t.windowStart = time.Time{}
	t.mu.Unlock()

	t.connFlag.Store(true)
	t.log.Info("clock pulses resumed, resyncing")
}

// handlePulse re-arms the timeout and, once a full quarter note of pulses
// has been seen, converts the window span into a BPM estimate.
func (t *ClockTracker) handlePulse(at time.Time) {
	t.mu.Lock()
	t.lastPulse = at
	t.position++

	if t.windowStart.IsZero() {
		t.windowStart = at
		t.pulseCount = 1
		t.mu.Unlock()
		return
	}
	t.pulseCount++
	if t.pulseCount < PulsesPerQuarter {
		t.mu.Unlock()
		return
	}

	span := at.Sub(t.windowStart)
	intervals := t.pulseCount - 1
	t.windowStart = at
	t.pulseCount = 1
	t.mu.Unlock()

	if span <= 0 {
		return
	}
	bpm := 60 * float64(intervals) / (PulsesPerQuarter * span.Seconds())
	t.consider(bpm)
}

// consider accepts an estimate only if it is plausible and differs from the
// current value by more than the jitter epsilon.
func (t *ClockTracker) consider(bpm float64) {
	if bpm <= minTempo || bpm >= maxTempo {
		t.log.Debug("implausible tempo estimate", "bpm", bpm)
		return
	}
	current, _ := t.CurrentTempo()
	if math.Abs(bpm-current) <= tempoEpsilon {
		return
	}
	t.publish(bpm)
	t.log.Debug("tempo estimate", "bpm", bpm)

	t.mu.Lock()
	listeners := t.onTempoChanged
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(bpm)
	}
}

// watchTick checks the no-pulse timeout. On expiry: one transition to
// Disconnected, one sync-lost notification, one tempo-changed notification
// carrying the fallback.
func (t *ClockTracker) watchTick(now time.Time) {
	t.mu.Lock()
	if !t.connected || t.lastPulse.IsZero() || now.Sub(t.lastPulse) <= pulseTimeout {
		t.mu.Unlock()
		return
	}
	t.connected = false
	fallback := t.fallback
	lost := t.onSyncLost
	changed := t.onTempoChanged
	t.mu.Unlock()

	t.connFlag.Store(false)
	t.publish(fallback)
	t.log.Warn("sync lost, reverting to fallback", "fallback", fallback)

	for _, fn := range lost {
		fn()
	}
	for _, fn := range changed {
		fn(fallback)
	}
}

func (t *ClockTracker) publish(bpm float64) {
	t.tempoBits.Store(math.Float64bits(bpm))
}
