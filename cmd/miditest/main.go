// Command miditest is a small diagnostic for the MIDI environment: it lists
// ports, monitors an incoming beat clock, and sends test notes through the
// same sink the engine uses.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	charmlog "github.com/charmbracelet/log"
	gomidi "gitlab.com/gomidi/midi/v2"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"diskseq/engine"
	"diskseq/midi"
	"diskseq/tick"
)

func main() {
	defer gomidi.CloseDriver()

	if len(os.Args) < 2 {
		usage()
		return
	}

	log := charmlog.NewWithOptions(os.Stderr, charmlog.Options{Prefix: "miditest"})

	switch os.Args[1] {
	case "list":
		listPorts()
	case "clock":
		monitorClock(log)
	case "note":
		sendTestNote(log)
	default:
		usage()
	}
}

func usage() {
	fmt.Println("usage: miditest <command>")
	fmt.Println("")
	fmt.Println("  list   - list MIDI input and output ports")
	fmt.Println("  clock  - monitor an incoming beat clock and print tempo estimates")
	fmt.Println("  note   - send a short test note to the first output port")
}

func listPorts() {
	fmt.Println("inputs:")
	for i, p := range gomidi.GetInPorts() {
		fmt.Printf("  [%d] %s\n", i, p.String())
	}
	fmt.Println("outputs:")
	for i, p := range gomidi.GetOutPorts() {
		fmt.Printf("  [%d] %s\n", i, p.String())
	}
}

// monitorClock runs the same tracker the engine uses and prints what it
// decodes, until interrupted.
func monitorClock(log *charmlog.Logger) {
	input := midi.NewClockPort(nil, log)
	tracker := engine.NewClockTracker(input, tick.NewWall(engine.WatchdogInterval), 120, log)
	tracker.OnTempoChanged(func(bpm float64) {
		fmt.Printf("tempo %.2f bpm (position %d)\n", bpm, tracker.Position())
	})
	tracker.OnSyncLost(func() {
		fmt.Println("sync lost")
	})

	if err := tracker.Connect(); err != nil {
		log.Fatal("connect", "err", err)
	}
	defer tracker.Disconnect()
	fmt.Println("listening for beat clock, ctrl+c to stop")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
}

func sendTestNote(log *charmlog.Logger) {
	sink := midi.NewPortSink("", log)
	if err := sink.NoteOn(1, 60, 100); err != nil {
		log.Fatal("note on", "err", err)
	}
	time.Sleep(200 * time.Millisecond)
	if err := sink.NoteOff(1, 60); err != nil {
		log.Fatal("note off", "err", err)
	}
	fmt.Println("sent middle C on channel 1")
}
