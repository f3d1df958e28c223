package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diskseq/midi"
	"diskseq/tick"
)

// recordSink captures what actually reaches the device.
type recordSink struct {
	mu     sync.Mutex
	events []sentNote
}

func (s *recordSink) NoteOn(channel, note, velocity uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sentNote{channel, note, velocity, true})
	return nil
}

func (s *recordSink) NoteOff(channel, note uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sentNote{channel, note, 0, false})
	return nil
}

func (s *recordSink) all() []sentNote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentNote(nil), s.events...)
}

// pipeline wires the full chain the binary assembles: rotation clock →
// trigger gate → dispatch queue → sink, on virtual time.
type pipeline struct {
	clock  *RotationClock
	gate   *TriggerGate
	board  *Board
	queue  *midi.DispatchQueue
	sink   *recordSink
	rotSrc *tick.Manual
	qSrc   *tick.Manual
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	base := time.Unix(3000, 0)
	p := &pipeline{
		sink:   &recordSink{},
		rotSrc: tick.NewManual(base),
		qSrc:   tick.NewManual(base),
	}
	p.queue = midi.NewDispatchQueue(p.sink, testLogger(),
		midi.WithTickSource(p.qSrc), midi.WithNowFunc(p.qSrc.Now))
	p.board = NewBoard()
	require.NoError(t, p.board.AddLane(1, 1))
	p.clock = NewRotationClock(nil, p.rotSrc, testLogger())
	require.NoError(t, p.clock.SetBPM(120))
	p.gate = NewTriggerGate(p.board, p.queue, p.clock.CurrentBPM, testLogger())
	p.clock.OnTrigger(p.gate.HandleTrigger)
	p.board.OnLaneStateChanged(p.gate.LaneStateChanged)

	p.queue.Start()
	t.Cleanup(p.queue.Stop)
	return p
}

func TestPipelineNoteLifecycle(t *testing.T) {
	p := newPipeline(t)
	m := mustMarker(t, 0, 1) // note 60, 1/16 length
	p.board.AddMarker(m)
	p.clock.SetTrackedMarkers(p.board.Markers())

	// Playhead starts on the marker: the note fires on the first tick.
	p.clock.Start()
	p.rotSrc.Fire()

	events := p.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, sentNote{1, 60, 100, true}, events[0])
	assert.True(t, m.Active())
	assert.Equal(t, []uint8{60}, p.gate.ActiveNotes(1))

	// The scheduled note-off (125ms at 120 BPM) travels through the real
	// queue and releases the marker.
	p.qSrc.Advance(130*time.Millisecond, time.Millisecond)

	events = p.sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, sentNote{1, 60, 0, false}, events[1])
	assert.False(t, m.Active())
	assert.Empty(t, p.gate.ActiveNotes(1))

	// One full rotation later (2s at 120 BPM) the marker fires again.
	p.rotSrc.Advance(2*time.Second, TickInterval)
	events = p.sink.all()
	require.Len(t, events, 3)
	assert.True(t, events[2].noteOn)
	assert.True(t, m.Active())
}

func TestPipelineDurationFrozenAcrossTempoChange(t *testing.T) {
	p := newPipeline(t)
	m := mustMarker(t, 0, 1)
	p.board.AddMarker(m)
	p.clock.SetTrackedMarkers(p.board.Markers())

	p.clock.Start()
	p.rotSrc.Fire()
	require.Len(t, p.sink.all(), 1)

	// Tempo halves after the note-off is already queued: the off still
	// fires at its original 125ms, not the 250ms the new tempo implies.
	require.NoError(t, p.clock.SetBPM(60))
	p.qSrc.Advance(130*time.Millisecond, time.Millisecond)

	events := p.sink.all()
	require.Len(t, events, 2)
	assert.False(t, events[1].noteOn)
	assert.False(t, m.Active())
}

func TestPipelineMutedLaneStaysSilent(t *testing.T) {
	p := newPipeline(t)
	m := mustMarker(t, 0, 1)
	p.board.AddMarker(m)
	p.clock.SetTrackedMarkers(p.board.Markers())
	p.board.SetMuted(1, true)

	p.clock.Start()
	p.rotSrc.Fire()
	p.rotSrc.Advance(2*time.Second, TickInterval)
	p.qSrc.Advance(2*time.Second, time.Millisecond)

	assert.Empty(t, p.sink.all())
	assert.False(t, m.Active())
}
