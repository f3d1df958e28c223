// Package tui is a thin status view over the engine: playhead dial, tempo,
// sync state, queue telemetry, and lane mute/solo control. It only drives
// the engine's public configuration entry points.
package tui

import (
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"diskseq/engine"
	"diskseq/midi"
)

const refreshRate = time.Second / 30

// dial resolution: one cell per 10 degrees
const dialCells = 36

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("135"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	playStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("84"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	soloedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// soloKeys maps shifted digit keys to lane indices for solo toggles.
var soloKeys = map[string]int{
	"!": 0, "@": 1, "#": 2, "$": 3, "%": 4, "^": 5, "&": 6, "*": 7,
}

type Model struct {
	Clock   *engine.RotationClock
	Tracker *engine.ClockTracker
	Gate    *engine.TriggerGate
	Board   *engine.Board
	Queue   *midi.DispatchQueue

	quitting bool
}

type tickMsg time.Time

func NewModel(clock *engine.RotationClock, tracker *engine.ClockTracker, gate *engine.TriggerGate, board *engine.Board, queue *midi.DispatchQueue) Model {
	return Model{Clock: clock, Tracker: tracker, Gate: gate, Board: board, Queue: queue}
}

func refresh() tea.Cmd {
	return tea.Tick(refreshRate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Init() tea.Cmd {
	return refresh()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		key := msg.String()
		switch key {
		case "q", "ctrl+c":
			m.quitting = true
			m.Clock.Stop()
			m.Gate.StopAllNotes()
			m.Queue.Clear()
			return m, tea.Quit

		case " ":
			if m.Clock.IsPlaying() {
				m.Clock.Stop()
			} else {
				m.Clock.Start()
			}

		case "+", "=":
			// Adjust from the manual tempo, not the effective one: under
			// external sync the tracked estimate must not leak into the
			// manual BPM.
			_ = m.Clock.SetBPM(m.Clock.ManualBPM() + 5)

		case "-", "_":
			if bpm := m.Clock.ManualBPM() - 5; bpm > 0 {
				_ = m.Clock.SetBPM(bpm)
			}

		case "x":
			m.Clock.EnableExternalSync(!m.Clock.ExternalSyncEnabled())

		case "p":
			m.Gate.StopAllNotes()
			m.Queue.Clear()

		case "1", "2", "3", "4", "5", "6", "7", "8":
			if lane, ok := m.laneAt(int(key[0] - '1')); ok {
				m.Board.SetMuted(lane.ID, !lane.Muted)
			}

		default:
			if idx, ok := soloKeys[key]; ok {
				if lane, ok := m.laneAt(idx); ok {
					m.Board.SetSoloed(lane.ID, !lane.Soloed)
				}
			}
		}

	case tickMsg:
		return m, refresh()
	}
	return m, nil
}

func (m Model) laneAt(idx int) (engine.Lane, bool) {
	lanes := m.Board.Lanes()
	if idx < 0 || idx >= len(lanes) {
		return engine.Lane{}, false
	}
	return lanes[idx], true
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("diskseq") + "\n\n")

	// Transport line
	state := mutedStyle.Render("stopped")
	if m.Clock.IsPlaying() {
		state = playStyle.Render("playing")
	}
	tempoSrc := "manual"
	if m.Clock.ExternalSyncEnabled() {
		if m.Tracker != nil && m.Tracker.Connected() {
			tempoSrc = "external"
		} else {
			tempoSrc = warnStyle.Render("external (no sync)")
		}
	}
	b.WriteString(fmt.Sprintf("%s  %s %s %s  %s %s\n\n",
		state,
		labelStyle.Render("tempo"),
		valueStyle.Render(fmt.Sprintf("%.1f", m.Clock.CurrentBPM())),
		labelStyle.Render("("+tempoSrc+")"),
		labelStyle.Render("angle"),
		valueStyle.Render(fmt.Sprintf("%6.1f°", m.Clock.Angle())),
	))

	b.WriteString(m.renderDial() + "\n\n")
	b.WriteString(m.renderLanes() + "\n")
	b.WriteString(m.renderQueue() + "\n")

	b.WriteString(helpStyle.Render(
		"space play/stop  +/- tempo  x ext sync  1-8 mute  shift+1-8 solo  p panic  q quit"))
	b.WriteString("\n")
	return b.String()
}

// renderDial draws the disk as a strip of 10° cells with the playhead
// overlaid on the markers.
func (m Model) renderDial() string {
	cells := make([]rune, dialCells)
	for i := range cells {
		cells[i] = '·'
	}
	for _, mk := range m.Board.Markers() {
		idx := int(mk.Angle/360*dialCells) % dialCells
		if mk.Active() {
			cells[idx] = '●'
		} else if cells[idx] == '·' {
			cells[idx] = '○'
		}
	}
	head := int(math.Mod(m.Clock.Angle(), 360)/360*dialCells) % dialCells
	cells[head] = '▼'
	return "  [" + string(cells) + "]"
}

func (m Model) renderLanes() string {
	var b strings.Builder
	for i, lane := range m.Board.Lanes() {
		flags := "  "
		style := valueStyle
		if lane.Soloed {
			flags = "S "
			style = soloedStyle
		} else if lane.Muted {
			flags = "M "
			style = mutedStyle
		}
		active := len(m.Gate.ActiveNotes(lane.Channel))
		line := fmt.Sprintf("  %d  lane %-2d ch %-2d %s notes %d", i+1, lane.ID, lane.Channel, flags, active)
		b.WriteString(style.Render(line) + "\n")
	}
	return b.String()
}

func (m Model) renderQueue() string {
	return labelStyle.Render("  queue ") +
		valueStyle.Render(fmt.Sprintf("%d/%d", m.Queue.Size(), m.Queue.Capacity())) +
		labelStyle.Render("  window ") +
		valueStyle.Render(m.Queue.BufferWindow().String()) +
		labelStyle.Render("  lat ") +
		valueStyle.Render(fmt.Sprintf("%.2fms", float64(m.Queue.MeanLatency())/float64(time.Millisecond))) +
		labelStyle.Render("  jit ") +
		valueStyle.Render(fmt.Sprintf("%.2fms", float64(m.Queue.LatencyJitter())/float64(time.Millisecond))) +
		labelStyle.Render("  sent ") +
		valueStyle.Render(fmt.Sprintf("%d", m.Queue.Processed())) +
		labelStyle.Render("  dropped ") +
		valueStyle.Render(fmt.Sprintf("%d", m.Queue.Dropped())) + "\n"
}
