package midi

import (
	"fmt"
	"strings"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"
	gomidi "gitlab.com/gomidi/midi/v2"
)

// ClockHandler receives decoded beat-clock signals.
type ClockHandler func(sig ClockSignal, at time.Time)

// ClockInput is an abstract source of beat-clock signals. The tracker
// subscribes once and receives pulses plus transport messages until
// Unsubscribe.
type ClockInput interface {
	Subscribe(h ClockHandler) error
	Unsubscribe()
	Name() string
}

// ClockPort decodes MIDI realtime messages (timing clock, start, stop,
// continue) from an input port. The port is chosen by name-pattern
// heuristic with a fallback to the first available input, the same way
// controllers are matched by name.
type ClockPort struct {
	patterns []string
	log      *charmlog.Logger

	mu   sync.Mutex
	stop func()
	name string
}

// Default substrings that mark an input as clock-capable.
var defaultClockPatterns = []string{"clock", "sync", "daw", "iac", "loop"}

// NewClockPort creates a clock input. Empty patterns use the defaults.
func NewClockPort(patterns []string, logger *charmlog.Logger) *ClockPort {
	if len(patterns) == 0 {
		patterns = defaultClockPatterns
	}
	return &ClockPort{patterns: patterns, log: logger}
}

// Subscribe picks an input port and starts listening for realtime messages.
func (c *ClockPort) Subscribe(h ClockHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return fmt.Errorf("clock input already subscribed to %q", c.name)
	}

	ins := gomidi.GetInPorts()
	if len(ins) == 0 {
		return fmt.Errorf("no input ports: %w", ErrDeviceUnavailable)
	}

	port := ins[0]
	matched := false
scan:
	for _, p := range ins {
		name := strings.ToLower(p.String())
		for _, pat := range c.patterns {
			if strings.Contains(name, pat) {
				port = p
				matched = true
				break scan
			}
		}
	}
	if !matched {
		c.log.Debug("no clock-capable input matched, using first port", "port", port.String())
	}

	stop, err := gomidi.ListenTo(port, func(msg gomidi.Message, timestampms int32) {
		now := time.Now()
		switch {
		case msg.Is(gomidi.TimingClockMsg):
			h(SignalPulse, now)
		case msg.Is(gomidi.StartMsg):
			h(SignalStart, now)
		case msg.Is(gomidi.StopMsg):
			h(SignalStop, now)
		case msg.Is(gomidi.ContinueMsg):
			h(SignalContinue, now)
		}
	}, gomidi.UseTimeCode())
	if err != nil {
		return fmt.Errorf("listen %q: %w", port.String(), err)
	}

	c.stop = stop
	c.name = port.String()
	c.log.Info("clock input open", "port", c.name)
	return nil
}

// Unsubscribe stops listening. Safe to call when not subscribed.
func (c *ClockPort) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
}

// Name returns the port currently subscribed to, or "".
func (c *ClockPort) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}
