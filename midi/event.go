package midi

import "time"

// MIDI value ranges. Channels are 1-based on the engine side and translated
// to wire channels (0-15) at the sink.
const (
	MinChannel  = 1
	MaxChannel  = 16
	MaxNote     = 127
	MaxVelocity = 127
)

// TimedEvent is a single scheduled note event. It is created by the trigger
// gate (or an immediate-send caller), held in the dispatch queue until its
// scheduled time enters the buffer window, and discarded after sending.
type TimedEvent struct {
	Channel     uint8 // 1-16
	Note        uint8 // 0-127
	Velocity    uint8 // 0-127
	NoteOn      bool
	ScheduledAt time.Time

	// Latency is filled in at send time: send time minus ScheduledAt.
	Latency time.Duration

	// OnSent, if set, runs after the event has been handed to the sink.
	// The gate uses it to release active-note registry entries when a
	// scheduled note-off actually goes out.
	OnSent func()

	seq uint64 // stable ordering for equal scheduled times
}

// ClockSignal is one of the four beat-clock signal kinds decoded from the
// external clock input (24 pulses per quarter note, plus transport).
type ClockSignal int

const (
	SignalPulse ClockSignal = iota
	SignalStart
	SignalStop
	SignalContinue
)

func (s ClockSignal) String() string {
	switch s {
	case SignalPulse:
		return "pulse"
	case SignalStart:
		return "start"
	case SignalStop:
		return "stop"
	case SignalContinue:
		return "continue"
	}
	return "unknown"
}

// ValidateNote checks channel/note/velocity against the MIDI ranges.
func ValidateNote(channel, note, velocity uint8) error {
	if channel < MinChannel || channel > MaxChannel {
		return fmtInvalid("channel", int(channel))
	}
	if note > MaxNote {
		return fmtInvalid("note", int(note))
	}
	if velocity > MaxVelocity {
		return fmtInvalid("velocity", int(velocity))
	}
	return nil
}
