package engine

import (
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"

	"diskseq/midi"
)

// Minimum audible note length; shorter fractions are clamped up to this.
const minNoteLength = 50 * time.Millisecond

// NoteOutput is the slice of the dispatch queue the gate uses: an immediate
// path for note-ons and forced note-offs, and the scheduled path for timed
// note-offs. *midi.DispatchQueue satisfies it.
type NoteOutput interface {
	SendImmediate(channel, note, velocity uint8, noteOn bool) error
	ScheduleNoteOffFunc(channel, note uint8, delay time.Duration, onSent func()) error
}

// LaneRegistry is the lane collaborator queried at trigger time.
type LaneRegistry interface {
	Lane(id int) (Lane, bool)
	Lanes() []Lane
	ShouldLaneProduceOutput(id int) bool
}

// Processed describes one handled trigger, whether or not it produced
// output. Emitted for observers such as the UI.
type Processed struct {
	Marker *Marker
	LaneID int
	Angle  float64
	Output bool
}

// TriggerGate turns crossing notifications into MIDI output, applying lane
// audibility and note duration. The active-note registry is shared between
// the trigger path and the lane-state-change path under one mutex.
type TriggerGate struct {
	lanes LaneRegistry
	out   NoteOutput
	bpm   func() float64
	log   *charmlog.Logger

	mu          sync.Mutex
	active      [midi.MaxChannel + 1]map[uint8]bool
	pending     [midi.MaxChannel + 1]map[uint8][]*Marker
	onProcessed []func(Processed)
}

// NewTriggerGate creates a gate. bpm supplies the effective tempo used to
// compute note durations at schedule time.
func NewTriggerGate(lanes LaneRegistry, out NoteOutput, bpm func() float64, logger *charmlog.Logger) *TriggerGate {
	g := &TriggerGate{lanes: lanes, out: out, bpm: bpm, log: logger}
	for ch := midi.MinChannel; ch <= midi.MaxChannel; ch++ {
		g.active[ch] = make(map[uint8]bool)
		g.pending[ch] = make(map[uint8][]*Marker)
	}
	return g
}

// OnProcessed registers a listener for handled triggers.
func (g *TriggerGate) OnProcessed(fn func(Processed)) {
	g.mu.Lock()
	g.onProcessed = append(g.onProcessed, fn)
	g.mu.Unlock()
}

// HandleTrigger processes one marker crossing. Audibility is recomputed
// here, never cached. Send failures are logged and skipped so the rest of
// the tick's markers still play.
func (g *TriggerGate) HandleTrigger(tr Trigger) {
	m := tr.Marker
	lane, ok := g.lanes.Lane(m.LaneID)
	audible := ok && g.lanes.ShouldLaneProduceOutput(m.LaneID)

	output := false
	if audible {
		if err := g.out.SendImmediate(lane.Channel, m.Note, m.Velocity, true); err != nil {
			g.log.Warn("note-on failed", "lane", m.LaneID, "note", m.Note, "err", err)
		} else {
			output = true
			g.mu.Lock()
			g.active[lane.Channel][m.Note] = true
			g.pending[lane.Channel][m.Note] = append(g.pending[lane.Channel][m.Note], m)
			g.mu.Unlock()

			// Duration is frozen now; a later tempo change does not move
			// an already scheduled note-off.
			dur := g.noteDuration(m.NoteLength)
			ch, note := lane.Channel, m.Note
			if err := g.out.ScheduleNoteOffFunc(ch, note, dur, func() {
				g.releaseNote(ch, note)
			}); err != nil {
				// No delayed note-off is coming; release right away
				// rather than leave the note stuck on.
				g.log.Warn("note-off schedule failed, releasing now",
					"lane", m.LaneID, "note", note, "err", err)
				if offErr := g.out.SendImmediate(ch, note, 0, false); offErr != nil {
					g.log.Warn("forced note-off failed", "channel", ch, "note", note, "err", offErr)
				}
				g.releaseNote(ch, note)
			}
		}
	}
	if !output {
		m.deactivate()
	}

	g.mu.Lock()
	listeners := g.onProcessed
	g.mu.Unlock()
	for _, fn := range listeners {
		fn(Processed{Marker: m, LaneID: m.LaneID, Angle: tr.Angle, Output: output})
	}
}

// noteDuration converts a whole-note fraction into a delay at the current
// tempo, clamped to the minimum note length.
func (g *TriggerGate) noteDuration(fraction float64) time.Duration {
	bpm := g.bpm()
	if bpm <= 0 {
		bpm = 120
	}
	wholeMs := (60000 / bpm) * 4
	d := time.Duration(wholeMs * fraction * float64(time.Millisecond))
	if d < minNoteLength {
		d = minNoteLength
	}
	return d
}

// releaseNote runs when a scheduled note-off has been sent: the registry
// entry goes away and the oldest pending marker for that note deactivates.
func (g *TriggerGate) releaseNote(channel, note uint8) {
	g.mu.Lock()
	delete(g.active[channel], note)
	var m *Marker
	if q := g.pending[channel][note]; len(q) > 0 {
		m = q[0]
		g.pending[channel][note] = q[1:]
	}
	g.mu.Unlock()
	if m != nil {
		m.deactivate()
	}
}

// LaneStateChanged re-evaluates audibility and force-silences every lane
// that stopped producing output, so a mute or a foreign solo cannot leave
// notes stuck on.
func (g *TriggerGate) LaneStateChanged() {
	for _, lane := range g.lanes.Lanes() {
		if !g.lanes.ShouldLaneProduceOutput(lane.ID) {
			g.silenceChannel(lane.Channel)
		}
	}
}

// StopAllNotes force-sends note-off for every active note on every channel.
// The global panic path: it bypasses the queue's schedule entirely.
func (g *TriggerGate) StopAllNotes() {
	for ch := uint8(midi.MinChannel); ch <= midi.MaxChannel; ch++ {
		g.silenceChannel(ch)
	}
	g.log.Info("all notes off")
}

func (g *TriggerGate) silenceChannel(channel uint8) {
	g.mu.Lock()
	notes := make([]uint8, 0, len(g.active[channel]))
	for note := range g.active[channel] {
		notes = append(notes, note)
	}
	var markers []*Marker
	for _, q := range g.pending[channel] {
		markers = append(markers, q...)
	}
	g.active[channel] = make(map[uint8]bool)
	g.pending[channel] = make(map[uint8][]*Marker)
	g.mu.Unlock()

	for _, note := range notes {
		if err := g.out.SendImmediate(channel, note, 0, false); err != nil {
			g.log.Warn("forced note-off failed", "channel", channel, "note", note, "err", err)
		}
	}
	for _, m := range markers {
		m.deactivate()
	}
}

// ActiveNotes returns the currently sounding notes on a channel.
func (g *TriggerGate) ActiveNotes(channel uint8) []uint8 {
	if channel < midi.MinChannel || channel > midi.MaxChannel {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	notes := make([]uint8, 0, len(g.active[channel]))
	for note := range g.active[channel] {
		notes = append(notes, note)
	}
	return notes
}
