package midi

import (
	"context"
	"sort"
	"time"

	charmlog "github.com/charmbracelet/log"
	gomidi "gitlab.com/gomidi/midi/v2"
)

// DeviceManager watches the output port list and re-resolves the sink when
// ports change or when the sink raises its reconnect signal. It keeps device
// failures out of the dispatch loop: the loop drops the failed event and the
// manager repairs the connection in the background.
type DeviceManager struct {
	sink     *PortSink
	log      *charmlog.Logger
	pollRate time.Duration

	reconnect chan struct{}
	lastPorts []string
}

// NewDeviceManager creates a manager for sink.
func NewDeviceManager(sink *PortSink, logger *charmlog.Logger) *DeviceManager {
	dm := &DeviceManager{
		sink:      sink,
		log:       logger,
		pollRate:  time.Second,
		reconnect: make(chan struct{}, 1),
	}
	sink.OnFailure(func(error) { dm.RequestReconnect() })
	return dm
}

// RequestReconnect signals the manager to re-resolve the output port.
// Non-blocking; multiple signals coalesce.
func (dm *DeviceManager) RequestReconnect() {
	select {
	case dm.reconnect <- struct{}{}:
	default:
	}
}

// Run polls for port changes until ctx is done (blocking - run in goroutine).
func (dm *DeviceManager) Run(ctx context.Context) {
	ticker := time.NewTicker(dm.pollRate)
	defer ticker.Stop()

	dm.lastPorts = outPortNames()

	for {
		select {
		case <-ctx.Done():
			return
		case <-dm.reconnect:
			dm.log.Info("reconnect requested, re-resolving output port")
			dm.sink.Invalidate()
		case <-ticker.C:
			dm.scan()
		}
	}
}

// scan invalidates the sink when the set of output ports changed, so the
// next send picks up newly attached or re-enumerated devices.
func (dm *DeviceManager) scan() {
	ports := outPortNames()
	if equalNames(ports, dm.lastPorts) {
		return
	}
	dm.log.Info("output ports changed", "ports", ports)
	dm.lastPorts = ports
	dm.sink.Invalidate()
}

func outPortNames() []string {
	outs := gomidi.GetOutPorts()
	names := make([]string, 0, len(outs))
	for _, p := range outs {
		names = append(names, p.String())
	}
	sort.Strings(names)
	return names
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
