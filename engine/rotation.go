package engine

import (
	"fmt"
	"math"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"

	"diskseq/tick"
)

// Rotation geometry: one full rotation is one 4-beat measure, so the disk
// turns at (bpm/60)*(360/4) = bpm*1.5 degrees per second.
const (
	degreesPerBPMSecond = 1.5
	triggerWindowDeg    = 2.0
	debounceWindow      = 50 * time.Millisecond
	debounceTTL         = time.Second

	// TickInterval is the target cadence of the rotation loop (~60Hz).
	TickInterval = time.Second / 60
)

// TempoSource publishes an externally tracked tempo. CurrentTempo reports
// the estimate and whether the source is currently connected; the read must
// be lock-free so the rotation loop never blocks on another component.
type TempoSource interface {
	CurrentTempo() (bpm float64, connected bool)
}

// Trigger is emitted when a marker crosses the playhead.
type Trigger struct {
	Marker *Marker
	Angle  float64 // playhead angle at detection
	At     time.Time
}

// RotationClock advances the playhead angle and detects marker crossings.
// It owns the playhead state; all mutation happens in the tick loop or the
// public setters, under one mutex.
type RotationClock struct {
	tempo  TempoSource
	source tick.Source
	log    *charmlog.Logger

	mu           sync.Mutex
	angle        float64
	playing      bool
	manualBPM    float64
	externalSync bool
	lastTick     time.Time
	markers      []*Marker
	debounce     map[string]time.Time
	lastPrune    time.Time
	onTrigger    []func(Trigger)
}

// NewRotationClock creates a stopped clock at angle 0 and 120 BPM. tempo may
// be nil when external sync is never used.
func NewRotationClock(tempo TempoSource, source tick.Source, logger *charmlog.Logger) *RotationClock {
	return &RotationClock{
		tempo:     tempo,
		source:    source,
		log:       logger,
		manualBPM: 120,
		debounce:  make(map[string]time.Time),
	}
}

// Start begins advancing the playhead. Idempotent.
func (rc *RotationClock) Start() {
	rc.mu.Lock()
	if rc.playing {
		rc.mu.Unlock()
		return
	}
	rc.playing = true
	rc.lastTick = time.Time{}
	rc.mu.Unlock()

	rc.source.Start(rc.tick)
	rc.log.Info("rotation started")
}

// Stop halts angle advancement and clears debounce history. Already
// scheduled note-offs are left alone. Idempotent.
func (rc *RotationClock) Stop() {
	rc.mu.Lock()
	if !rc.playing {
		rc.mu.Unlock()
		return
	}
	rc.playing = false
	rc.lastTick = time.Time{}
	rc.debounce = make(map[string]time.Time)
	rc.mu.Unlock()

	rc.source.Stop()
	rc.log.Info("rotation stopped")
}

// SetBPM sets the manual tempo.
func (rc *RotationClock) SetBPM(bpm float64) error {
	if bpm <= 0 {
		return fmt.Errorf("bpm must be positive, got %v: %w", bpm, ErrInvalidArgument)
	}
	rc.mu.Lock()
	rc.manualBPM = bpm
	rc.mu.Unlock()
	return nil
}

// EnableExternalSync switches between the tracked tempo and the manual BPM.
func (rc *RotationClock) EnableExternalSync(enabled bool) {
	rc.mu.Lock()
	rc.externalSync = enabled
	rc.mu.Unlock()
}

// SetTrackedMarkers atomically replaces the tracked marker set.
func (rc *RotationClock) SetTrackedMarkers(markers []*Marker) {
	snapshot := append([]*Marker(nil), markers...)
	rc.mu.Lock()
	rc.markers = snapshot
	rc.mu.Unlock()
}

// OnTrigger registers a crossing listener. Listeners are invoked outside the
// clock's lock.
func (rc *RotationClock) OnTrigger(fn func(Trigger)) {
	rc.mu.Lock()
	rc.onTrigger = append(rc.onTrigger, fn)
	rc.mu.Unlock()
}

// Angle returns the current playhead angle in [0,360).
func (rc *RotationClock) Angle() float64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.angle
}

// IsPlaying reports whether the playhead is advancing.
func (rc *RotationClock) IsPlaying() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.playing
}

// ExternalSyncEnabled reports whether external sync is switched on.
func (rc *RotationClock) ExternalSyncEnabled() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.externalSync
}

// ManualBPM returns the manually set tempo regardless of external sync.
func (rc *RotationClock) ManualBPM() float64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.manualBPM
}

// CurrentBPM returns the effective tempo: the tracked estimate when external
// sync is enabled and the source is connected, the manual BPM otherwise.
func (rc *RotationClock) CurrentBPM() float64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.effectiveBPM()
}

// effectiveBPM is called with rc.mu held. The tempo source read is a
// lock-free load of a published value, never a blocking call.
func (rc *RotationClock) effectiveBPM() float64 {
	if rc.externalSync && rc.tempo != nil {
		if bpm, connected := rc.tempo.CurrentTempo(); connected {
			return bpm
		}
	}
	return rc.manualBPM
}

// tick advances the angle and detects crossings. Any failure inside a tick
// is recovered and logged, never propagated out of the loop.
func (rc *RotationClock) tick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			rc.log.Error("tick failed", "err", r)
		}
	}()

	rc.mu.Lock()
	if !rc.playing {
		rc.mu.Unlock()
		return
	}
	if rc.lastTick.IsZero() {
		// Anchor tick: no advancement, but crossings are still evaluated
		// so a marker already under the playhead fires immediately.
		rc.lastTick = now
	} else {
		delta := now.Sub(rc.lastTick)
		rc.lastTick = now
		bpm := rc.effectiveBPM()
		rc.angle = math.Mod(rc.angle+bpm*degreesPerBPMSecond*delta.Seconds(), 360)
	}

	var fired []Trigger
	for _, m := range rc.markers {
		rel := math.Mod(m.Angle-rc.angle+360, 360)
		dist := math.Min(rel, 360-rel)
		if dist > triggerWindowDeg {
			continue
		}
		if last, seen := rc.debounce[m.ID]; seen && now.Sub(last) < debounceWindow {
			continue
		}
		rc.debounce[m.ID] = now
		m.setTriggered(now)
		fired = append(fired, Trigger{Marker: m, Angle: rc.angle, At: now})
	}

	if now.Sub(rc.lastPrune) >= debounceTTL {
		for id, at := range rc.debounce {
			if now.Sub(at) > debounceTTL {
				delete(rc.debounce, id)
			}
		}
		rc.lastPrune = now
	}
	listeners := rc.onTrigger
	rc.mu.Unlock()

	for _, tr := range fired {
		for _, fn := range listeners {
			fn(tr)
		}
	}
}
