package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	charmlog "github.com/charmbracelet/log"
	gomidi "gitlab.com/gomidi/midi/v2"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // register MIDI driver

	"diskseq/config"
	"diskseq/engine"
	"diskseq/midi"
	"diskseq/tick"
	"diskseq/tui"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config.yaml")
		outputPort = flag.String("port", "", "output port name (overrides config)")
		verbose    = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	defer gomidi.CloseDriver()

	level := charmlog.InfoLevel
	if *verbose {
		level = charmlog.DebugLevel
	}
	logger := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Level:           level,
		Prefix:          "diskseq",
		ReportTimestamp: false,
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("config", "err", err)
	}
	if *outputPort != "" {
		cfg.OutputPort = *outputPort
	}

	board := engine.NewBoard()
	for _, lc := range cfg.Lanes {
		if err := board.AddLane(lc.ID, lc.Channel); err != nil {
			logger.Fatal("lane", "id", lc.ID, "err", err)
		}
	}
	for _, mc := range cfg.Markers {
		m, err := engine.NewMarker(mc.Angle, mc.Note, mc.Velocity, mc.Lane, mc.NoteLength)
		if err != nil {
			logger.Fatal("marker", "angle", mc.Angle, "err", err)
		}
		board.AddMarker(m)
	}

	sink := midi.NewPortSink(cfg.OutputPort, logger.WithPrefix("sink"))
	deviceMgr := midi.NewDeviceManager(sink, logger.WithPrefix("devices"))

	var queueOpts []midi.QueueOption
	if cfg.Queue.Capacity > 0 {
		queueOpts = append(queueOpts, midi.WithCapacity(cfg.Queue.Capacity))
	}
	if cfg.Queue.MaxCapacity > 0 {
		queueOpts = append(queueOpts, midi.WithMaxCapacity(cfg.Queue.MaxCapacity))
	}
	if cfg.Queue.BufferWindowUs > 0 {
		queueOpts = append(queueOpts, midi.WithBufferWindow(time.Duration(cfg.Queue.BufferWindowUs)*time.Microsecond))
	}
	queue := midi.NewDispatchQueue(sink, logger.WithPrefix("dispatch"), queueOpts...)

	clockIn := midi.NewClockPort(cfg.ClockPortPatterns, logger.WithPrefix("clockin"))
	tracker := engine.NewClockTracker(clockIn, tick.NewWall(engine.WatchdogInterval), cfg.FallbackTempo, logger.WithPrefix("sync"))

	rot := engine.NewRotationClock(tracker, tick.NewWall(engine.TickInterval), logger.WithPrefix("rotation"))
	if err := rot.SetBPM(cfg.Tempo); err != nil {
		logger.Fatal("tempo", "err", err)
	}
	rot.EnableExternalSync(cfg.ExternalSync)
	rot.SetTrackedMarkers(board.Markers())

	gate := engine.NewTriggerGate(board, queue, rot.CurrentBPM, logger.WithPrefix("gate"))
	rot.OnTrigger(gate.HandleTrigger)
	board.OnLaneStateChanged(gate.LaneStateChanged)
	tracker.OnSyncLost(func() { logger.Warn("external sync lost") })
	tracker.OnTempoChanged(func(bpm float64) { logger.Info("tempo changed", "bpm", bpm) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go deviceMgr.Run(ctx)

	queue.Start()
	defer queue.Stop()

	if cfg.ExternalSync {
		if err := tracker.Connect(); err != nil {
			logger.Warn("external clock unavailable, using manual tempo", "err", err)
		}
	}

	rot.Start()

	m := tui.NewModel(rot, tracker, gate, board, queue)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	rot.Stop()
	gate.StopAllNotes()
	queue.Clear()
	tracker.Disconnect()
}
