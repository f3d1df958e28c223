package engine

import (
	"fmt"
	"sync"

	"diskseq/midi"
)

// Board owns the lanes and markers the engine plays. The rotation clock and
// the trigger gate only consume it through queries; mutation comes from the
// UI or project loading.
type Board struct {
	mu        sync.RWMutex
	lanes     map[int]*Lane
	order     []int
	markers   []*Marker
	listeners []func()
}

// NewBoard creates an empty board.
func NewBoard() *Board {
	return &Board{lanes: make(map[int]*Lane)}
}

// AddLane registers a lane on the given MIDI channel.
func (b *Board) AddLane(id int, channel uint8) error {
	if channel < midi.MinChannel || channel > midi.MaxChannel {
		return fmt.Errorf("channel %d out of range: %w", channel, ErrInvalidArgument)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.lanes[id]; exists {
		return fmt.Errorf("lane %d already exists: %w", id, ErrInvalidArgument)
	}
	b.lanes[id] = &Lane{ID: id, Channel: channel}
	b.order = append(b.order, id)
	return nil
}

// Lane returns a copy of the lane state.
func (b *Board) Lane(id int) (Lane, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, ok := b.lanes[id]
	if !ok {
		return Lane{}, false
	}
	return *l, true
}

// Lanes returns copies of all lanes in registration order.
func (b *Board) Lanes() []Lane {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Lane, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.lanes[id])
	}
	return out
}

// SetMuted toggles a lane's mute flag and notifies lane-state listeners.
func (b *Board) SetMuted(id int, muted bool) {
	b.setLane(id, func(l *Lane) bool {
		if l.Muted == muted {
			return false
		}
		l.Muted = muted
		return true
	})
}

// SetSoloed toggles a lane's solo flag and notifies lane-state listeners.
func (b *Board) SetSoloed(id int, soloed bool) {
	b.setLane(id, func(l *Lane) bool {
		if l.Soloed == soloed {
			return false
		}
		l.Soloed = soloed
		return true
	})
}

func (b *Board) setLane(id int, mutate func(*Lane) bool) {
	b.mu.Lock()
	l, ok := b.lanes[id]
	changed := ok && mutate(l)
	listeners := b.listeners
	b.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range listeners {
		fn()
	}
}

// ShouldLaneProduceOutput applies the audibility rule: a lane sounds iff it
// is soloed, or no lane anywhere is soloed and this lane is not muted.
func (b *Board) ShouldLaneProduceOutput(id int) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, ok := b.lanes[id]
	if !ok {
		return false
	}
	if l.Soloed {
		return true
	}
	for _, other := range b.lanes {
		if other.Soloed {
			return false
		}
	}
	return !l.Muted
}

// AddMarker places a marker on the board.
func (b *Board) AddMarker(m *Marker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markers = append(b.markers, m)
}

// SetMarkers replaces the whole marker set.
func (b *Board) SetMarkers(markers []*Marker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markers = append([]*Marker(nil), markers...)
}

// Markers returns a snapshot of the marker set. The pointed-to markers are
// shared; the rotation clock writes their trigger side effects.
func (b *Board) Markers() []*Marker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Marker(nil), b.markers...)
}

// OnLaneStateChanged registers a listener for mute/solo transitions.
func (b *Board) OnLaneStateChanged(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}
