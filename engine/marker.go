package engine

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"diskseq/midi"
)

// Marker is a trigger placed on the rotating disk. The trigger state is
// atomic: the rotation loop sets it, the dispatch loop clears it on note-off
// completion, and the UI reads it, each from its own goroutine.
type Marker struct {
	ID       string
	Angle    float64 // degrees, [0,360)
	Note     uint8   // 0-127
	Velocity uint8   // 1-127
	LaneID   int

	// NoteLength is the note duration as a fraction of a whole note
	// (one full disk rotation).
	NoteLength float64

	active        atomic.Bool
	lastTriggered atomic.Int64 // unix nanoseconds, 0 = never
}

// Active reports whether the marker's note is currently sounding.
func (m *Marker) Active() bool {
	return m.active.Load()
}

// LastTriggered returns the time of the most recent trigger, zero if never
// triggered.
func (m *Marker) LastTriggered() time.Time {
	ns := m.lastTriggered.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (m *Marker) setTriggered(at time.Time) {
	m.active.Store(true)
	m.lastTriggered.Store(at.UnixNano())
}

func (m *Marker) deactivate() {
	m.active.Store(false)
}

// NewMarker creates a marker with a fresh ID. The angle is normalized into
// [0,360).
func NewMarker(angle float64, note, velocity uint8, laneID int, noteLength float64) (*Marker, error) {
	if note > midi.MaxNote {
		return nil, fmt.Errorf("note %d out of range: %w", note, ErrInvalidArgument)
	}
	if velocity < 1 || velocity > midi.MaxVelocity {
		return nil, fmt.Errorf("velocity %d out of range: %w", velocity, ErrInvalidArgument)
	}
	if noteLength <= 0 {
		return nil, fmt.Errorf("note length %v must be positive: %w", noteLength, ErrInvalidArgument)
	}
	return &Marker{
		ID:         uuid.NewString(),
		Angle:      normalizeAngle(angle),
		Note:       note,
		Velocity:   velocity,
		LaneID:     laneID,
		NoteLength: noteLength,
	}, nil
}

// Lane groups markers onto one MIDI channel with independent mute/solo.
type Lane struct {
	ID      int
	Channel uint8 // 1-16
	Muted   bool
	Soloed  bool
}

func normalizeAngle(a float64) float64 {
	a = math.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	return a
}
