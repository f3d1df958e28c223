package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sentNote is one call captured by fakeOutput.
type sentNote struct {
	channel  uint8
	note     uint8
	velocity uint8
	noteOn   bool
}

// scheduledOff is one pending note-off captured by fakeOutput. Tests invoke
// fire to simulate the dispatch queue sending it.
type scheduledOff struct {
	channel uint8
	note    uint8
	delay   time.Duration
	fire    func()
}

type fakeOutput struct {
	sent     []sentNote
	offs     []scheduledOff
	sendErr  error
	schedErr error
}

func (f *fakeOutput) SendImmediate(channel, note, velocity uint8, noteOn bool) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentNote{channel, note, velocity, noteOn})
	return nil
}

func (f *fakeOutput) ScheduleNoteOffFunc(channel, note uint8, delay time.Duration, onSent func()) error {
	if f.schedErr != nil {
		return f.schedErr
	}
	f.offs = append(f.offs, scheduledOff{channel, note, delay, onSent})
	return nil
}

func newTestGate(t *testing.T, bpm float64) (*TriggerGate, *Board, *fakeOutput) {
	t.Helper()
	board := NewBoard()
	require.NoError(t, board.AddLane(1, 10))
	require.NoError(t, board.AddLane(2, 1))
	out := &fakeOutput{}
	gate := NewTriggerGate(board, out, func() float64 { return bpm }, testLogger())
	return gate, board, out
}

func trigger(m *Marker) Trigger {
	m.setTriggered(time.Now())
	return Trigger{Marker: m, Angle: m.Angle, At: time.Now()}
}

func TestTriggerSendsNoteOnAndSchedulesOff(t *testing.T) {
	gate, _, out := newTestGate(t, 120)
	m := mustMarker(t, 0, 1) // note 60, velocity 100, 1/16 length

	gate.HandleTrigger(trigger(m))

	require.Len(t, out.sent, 1)
	assert.Equal(t, sentNote{10, 60, 100, true}, out.sent[0])

	// 1/16 of a whole note at 120 BPM: 2000ms / 16.
	require.Len(t, out.offs, 1)
	off := out.offs[0]
	assert.Equal(t, uint8(10), off.channel)
	assert.Equal(t, uint8(60), off.note)
	assert.Equal(t, 125*time.Millisecond, off.delay)

	assert.Equal(t, []uint8{60}, gate.ActiveNotes(10))
	assert.True(t, m.Active())

	// The queue sends the note-off: registry entry released, marker off.
	off.fire()
	assert.Empty(t, gate.ActiveNotes(10))
	assert.False(t, m.Active())
}

func TestNoteDurationClampedToMinimum(t *testing.T) {
	gate, _, out := newTestGate(t, 120)
	m, err := NewMarker(0, 60, 100, 1, 1.0/128)
	require.NoError(t, err)

	gate.HandleTrigger(trigger(m))

	require.Len(t, out.offs, 1)
	assert.Equal(t, 50*time.Millisecond, out.offs[0].delay)
}

func TestNoteDurationTracksTempoAtScheduleTime(t *testing.T) {
	bpm := 120.0
	board := NewBoard()
	require.NoError(t, board.AddLane(1, 10))
	out := &fakeOutput{}
	gate := NewTriggerGate(board, out, func() float64 { return bpm }, testLogger())

	m := mustMarker(t, 0, 1)
	gate.HandleTrigger(trigger(m))
	require.Len(t, out.offs, 1)
	assert.Equal(t, 125*time.Millisecond, out.offs[0].delay)

	// Tempo halves: the next trigger schedules a longer note, while the
	// first note-off keeps its original delay.
	bpm = 60
	gate.HandleTrigger(trigger(m))
	require.Len(t, out.offs, 2)
	assert.Equal(t, 125*time.Millisecond, out.offs[0].delay)
	assert.Equal(t, 250*time.Millisecond, out.offs[1].delay)
}

func TestMutedLaneProducesNoOutput(t *testing.T) {
	gate, board, out := newTestGate(t, 120)
	board.SetMuted(1, true)

	var processed []Processed
	gate.OnProcessed(func(p Processed) { processed = append(processed, p) })

	m := mustMarker(t, 0, 1)
	gate.HandleTrigger(trigger(m))

	assert.Empty(t, out.sent)
	assert.Empty(t, out.offs)
	assert.False(t, m.Active())

	// The trigger is still reported, just without output.
	require.Len(t, processed, 1)
	assert.False(t, processed[0].Output)
	assert.Equal(t, 1, processed[0].LaneID)
}

func TestSoloSilencesOtherLanes(t *testing.T) {
	gate, board, out := newTestGate(t, 120)
	board.SetSoloed(2, true)

	gated := mustMarker(t, 0, 1)
	soloed := mustMarker(t, 0, 2)

	gate.HandleTrigger(trigger(gated))
	assert.Empty(t, out.sent)
	assert.False(t, gated.Active())

	gate.HandleTrigger(trigger(soloed))
	require.Len(t, out.sent, 1)
	assert.Equal(t, uint8(1), out.sent[0].channel)
	assert.True(t, soloed.Active())
}

func TestUnknownLaneProducesNoOutput(t *testing.T) {
	gate, _, out := newTestGate(t, 120)
	m := mustMarker(t, 0, 99)
	gate.HandleTrigger(trigger(m))
	assert.Empty(t, out.sent)
	assert.False(t, m.Active())
}

func TestMuteForcesActiveNotesOff(t *testing.T) {
	gate, board, out := newTestGate(t, 120)
	board.OnLaneStateChanged(gate.LaneStateChanged)

	m := mustMarker(t, 0, 1)
	gate.HandleTrigger(trigger(m))
	require.Len(t, out.sent, 1)

	board.SetMuted(1, true)

	require.Len(t, out.sent, 2)
	assert.Equal(t, sentNote{10, 60, 0, false}, out.sent[1])
	assert.Empty(t, gate.ActiveNotes(10))
	assert.False(t, m.Active())
}

func TestForeignSoloForcesActiveNotesOff(t *testing.T) {
	gate, board, out := newTestGate(t, 120)
	board.OnLaneStateChanged(gate.LaneStateChanged)

	m := mustMarker(t, 0, 1)
	gate.HandleTrigger(trigger(m))
	require.Len(t, out.sent, 1)

	// Soloing lane 2 makes lane 1 inaudible; its sounding note must stop.
	board.SetSoloed(2, true)

	require.Len(t, out.sent, 2)
	assert.Equal(t, sentNote{10, 60, 0, false}, out.sent[1])
	assert.Empty(t, gate.ActiveNotes(10))
}

func TestStopAllNotes(t *testing.T) {
	gate, _, out := newTestGate(t, 120)

	a := mustMarker(t, 0, 1)
	b := mustMarker(t, 90, 2)
	gate.HandleTrigger(trigger(a))
	gate.HandleTrigger(trigger(b))
	require.Len(t, out.sent, 2)

	gate.StopAllNotes()

	require.Len(t, out.sent, 4)
	offs := map[uint8]uint8{}
	for _, s := range out.sent[2:] {
		assert.False(t, s.noteOn)
		offs[s.channel] = s.note
	}
	assert.Equal(t, map[uint8]uint8{10: 60, 1: 60}, offs)
	assert.Empty(t, gate.ActiveNotes(10))
	assert.Empty(t, gate.ActiveNotes(1))
	assert.False(t, a.Active())
	assert.False(t, b.Active())
}

func TestSendFailureLeavesNoRegistryEntry(t *testing.T) {
	gate, _, out := newTestGate(t, 120)
	out.sendErr = errors.New("port gone")

	var processed []Processed
	gate.OnProcessed(func(p Processed) { processed = append(processed, p) })

	m := mustMarker(t, 0, 1)
	gate.HandleTrigger(trigger(m))

	assert.Empty(t, gate.ActiveNotes(10))
	assert.Empty(t, out.offs)
	assert.False(t, m.Active())
	require.Len(t, processed, 1)
	assert.False(t, processed[0].Output)
}

func TestScheduleFailureReleasesImmediately(t *testing.T) {
	gate, _, out := newTestGate(t, 120)
	out.schedErr = errors.New("queue full")

	m := mustMarker(t, 0, 1)
	gate.HandleTrigger(trigger(m))

	// The note-on went out but no delayed note-off is coming, so the gate
	// must close the note itself instead of leaving it stuck.
	require.Len(t, out.sent, 2)
	assert.Equal(t, sentNote{10, 60, 100, true}, out.sent[0])
	assert.Equal(t, sentNote{10, 60, 0, false}, out.sent[1])
	assert.Empty(t, gate.ActiveNotes(10))
	assert.False(t, m.Active())
}

func TestReleaseDeactivatesOldestPendingMarker(t *testing.T) {
	gate, _, out := newTestGate(t, 120)

	// Two markers on the same lane and note, both sounding.
	first := mustMarker(t, 0, 1)
	second := mustMarker(t, 180, 1)
	gate.HandleTrigger(trigger(first))
	gate.HandleTrigger(trigger(second))
	require.Len(t, out.offs, 2)

	out.offs[0].fire()
	assert.False(t, first.Active())
	assert.True(t, second.Active())

	out.offs[1].fire()
	assert.False(t, second.Active())
}

func TestActiveNotesRejectsBadChannel(t *testing.T) {
	gate, _, _ := newTestGate(t, 120)
	assert.Nil(t, gate.ActiveNotes(0))
	assert.Nil(t, gate.ActiveNotes(17))
}
