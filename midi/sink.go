package midi

import (
	"fmt"
	"strings"
	"sync"

	charmlog "github.com/charmbracelet/log"
	gomidi "gitlab.com/gomidi/midi/v2"
)

// Sink delivers note events to an output device. Implementations must be
// safe for concurrent use; the dispatch loop and immediate senders share one.
type Sink interface {
	NoteOn(channel, note, velocity uint8) error
	NoteOff(channel, note uint8) error
}

// PortSink sends through a gomidi output port, resolved lazily by name.
// A send failure invalidates the cached sender and raises the reconnect
// signal so the device manager can re-resolve the port.
type PortSink struct {
	portName string
	log      *charmlog.Logger

	mu        sync.Mutex
	send      func(gomidi.Message) error
	onFailure func(error)
}

// NewPortSink creates a sink for the named output port. An empty name picks
// the first available port.
func NewPortSink(portName string, logger *charmlog.Logger) *PortSink {
	return &PortSink{portName: portName, log: logger}
}

// OnFailure registers the reconnect signal raised after a failed send.
// The callback must not block.
func (s *PortSink) OnFailure(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailure = fn
}

func (s *PortSink) NoteOn(channel, note, velocity uint8) error {
	if err := ValidateNote(channel, note, velocity); err != nil {
		return err
	}
	return s.deliver(gomidi.NoteOn(channel-1, note, velocity))
}

func (s *PortSink) NoteOff(channel, note uint8) error {
	if err := ValidateNote(channel, note, 0); err != nil {
		return err
	}
	return s.deliver(gomidi.NoteOff(channel-1, note))
}

func (s *PortSink) deliver(msg gomidi.Message) error {
	send, err := s.sender()
	if err != nil {
		return s.fail(err)
	}
	if err := send(msg); err != nil {
		s.Invalidate()
		return s.fail(fmt.Errorf("send: %w", err))
	}
	return nil
}

// sender returns the cached send func, opening the port on first use.
func (s *PortSink) sender() (func(gomidi.Message) error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.send != nil {
		return s.send, nil
	}

	outs := gomidi.GetOutPorts()
	if len(outs) == 0 {
		return nil, fmt.Errorf("no output ports: %w", ErrDeviceUnavailable)
	}
	port := outs[0]
	if s.portName != "" {
		found := false
		for _, p := range outs {
			if strings.Contains(strings.ToLower(p.String()), strings.ToLower(s.portName)) {
				port = p
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("output port %q not found: %w", s.portName, ErrDeviceUnavailable)
		}
	}

	send, err := gomidi.SendTo(port)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w: %w", port.String(), err, ErrDeviceUnavailable)
	}
	s.log.Info("output port open", "port", port.String())
	s.send = send
	return send, nil
}

// Invalidate drops the cached sender so the next send re-resolves the port.
func (s *PortSink) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.send = nil
}

// fail logs the failure and raises the reconnect signal. The error comes
// back to the caller but dispatch loops treat it as a skipped event.
func (s *PortSink) fail(err error) error {
	s.log.Warn("output unavailable", "port", s.portName, "err", err)
	s.mu.Lock()
	fn := s.onFailure
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
	return err
}
