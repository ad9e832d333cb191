package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"k8s.io/utils/clock"

	"github.com/tapline/tapline/config"
	"github.com/tapline/tapline/engine"
	"github.com/tapline/tapline/history"
	"github.com/tapline/tapline/rhythm"
	"github.com/tapline/tapline/scheduler"
	"github.com/tapline/tapline/stats"
)

var (
	bannerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	accentStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	beatStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	silentStyle = lipgloss.NewStyle().Faint(true).Foreground(lipgloss.Color("240"))
	earlyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	onStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	lateStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	helpStyle   = lipgloss.NewStyle().Faint(true)
)

type tickMsg scheduler.TickEvent

type phaseMsg engine.Phase

type tapMsg struct {
	ev      rhythm.TapEvent
	running stats.Statistics
}

type startErrMsg struct{ err error }

type tapErrMsg struct{ err error }

type stoppedMsg struct {
	st  stats.Statistics
	rec *history.Record
	err error
}

type abortedMsg struct{}

type drillModel struct {
	eng *engine.Engine
	cfg config.DrillConfig

	spinner spinner.Model
	phase   engine.Phase
	beat    int
	accent  bool
	lastTap *rhythm.TapEvent
	running stats.Statistics

	final    *stats.Statistics
	record   *history.Record
	err      error
	stopping bool
	quitting bool
}

// runDrillTUI starts the drill inside a bubbletea program. Engine events
// are forwarded into the program as messages.
func runDrillTUI(cfg config.DrillConfig, store history.Store, sink engine.TickSink) error {
	var p *tea.Program
	eng := engine.New(clock.RealClock{},
		engine.WithHistoryStore(store),
		engine.WithTickSink(sink),
		engine.WithCallbacks(engine.Callbacks{
			OnTick: func(ev scheduler.TickEvent) {
				p.Send(tickMsg(ev))
			},
			OnPhaseChange: func(ph engine.Phase) {
				p.Send(phaseMsg(ph))
			},
			OnTapScored: func(ev rhythm.TapEvent, running stats.Statistics) {
				p.Send(tapMsg{ev: ev, running: running})
			},
		}))

	p = tea.NewProgram(newDrillModel(eng, cfg))
	_, err := p.Run()
	return err
}

func newDrillModel(eng *engine.Engine, cfg config.DrillConfig) drillModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))
	return drillModel{eng: eng, cfg: cfg, spinner: s, phase: engine.Phase{State: engine.StateIdle}}
}

func (m drillModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, func() tea.Msg {
		if err := m.eng.Start(m.cfg); err != nil {
			return startErrMsg{err: err}
		}
		return nil
	})
}

func (m drillModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case " ", "enter":
			// The timestamp is taken here; the engine call runs in a
			// command so delivery callbacks never wait on this loop.
			observedAt := time.Now()
			return m, func() tea.Msg {
				// A tap racing the stop is not an error worth surfacing.
				if _, err := m.eng.Tap(observedAt); err != nil && !errors.Is(err, engine.ErrNotRunning) {
					return tapErrMsg{err: err}
				}
				return nil
			}
		case "q", "esc":
			return m.finish()
		case "ctrl+c":
			if m.stopping {
				return m, nil
			}
			m.stopping = true
			m.quitting = true
			return m, func() tea.Msg {
				m.eng.HardStop()
				return abortedMsg{}
			}
		}
	case tickMsg:
		m.beat = msg.BeatInBar
		m.accent = msg.Accent
		return m, nil
	case phaseMsg:
		m.phase = engine.Phase(msg)
		if m.phase.State == engine.StateDone {
			return m.finish()
		}
		return m, nil
	case tapMsg:
		ev := msg.ev
		m.lastTap = &ev
		m.running = msg.running
		return m, nil
	case tapErrMsg:
		m.err = msg.err
		return m, nil
	case stoppedMsg:
		if msg.err == nil {
			st := msg.st
			m.final = &st
			m.record = msg.rec
		}
		m.quitting = true
		return m, tea.Quit
	case abortedMsg:
		return m, tea.Quit
	case startErrMsg:
		m.err = msg.err
		m.quitting = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// finish stops the drill in a command so the event loop keeps draining
// engine messages while Stop waits out any in-flight delivery.
func (m drillModel) finish() (tea.Model, tea.Cmd) {
	if m.stopping {
		return m, nil
	}
	m.stopping = true
	eng := m.eng
	return m, func() tea.Msg {
		st, rec, err := eng.Stop()
		return stoppedMsg{st: st, rec: rec, err: err}
	}
}

func (m drillModel) View() string {
	if m.quitting {
		return m.summaryView()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", m.spinner.View(),
		bannerStyle.Render(fmt.Sprintf("%s — %d BPM, %s grid", m.cfg.Mode.Label(), m.cfg.BPM, m.phase.Resolution)))

	switch {
	case m.phase.Silent:
		b.WriteString(silentStyle.Render("(silent — hold the tempo)"))
	case m.cfg.Mode == rhythm.ModePocketControl:
		fmt.Fprintf(&b, "prompt: %s", accentStyle.Render(string(m.phase.Prompt)))
	}
	b.WriteString("\n\n")

	b.WriteString(m.beatDots())
	b.WriteString("\n\n")

	if m.lastTap != nil {
		style := onStyle
		switch m.lastTap.Classification {
		case rhythm.Early:
			style = earlyStyle
		case rhythm.Late:
			style = lateStyle
		}
		fmt.Fprintf(&b, "last tap: %s (%+.1fms)\n", style.Render(string(m.lastTap.Classification)), m.lastTap.DeviationMs)
		fmt.Fprintf(&b, "taps: %d  on-time: %.1f%%  mean |dev|: %.1fms  avg offset: %+.1fms\n",
			m.running.EventCount, m.running.OnTimePct, m.running.MeanAbsMs, m.running.AvgOffsetMs)
	} else {
		b.WriteString("tap along with the click\n")
	}

	b.WriteString(helpStyle.Render("\nspace: tap • q: stop • ctrl+c: abort\n"))
	return b.String()
}

func (m drillModel) beatDots() string {
	dots := make([]string, m.cfg.BeatsPerBar)
	for i := range dots {
		dot := "·"
		if i+1 == m.beat {
			dot = "●"
			if m.phase.Silent {
				dots[i] = silentStyle.Render(dot)
				continue
			}
			if m.accent {
				dots[i] = accentStyle.Render(dot)
			} else {
				dots[i] = bannerStyle.Render(dot)
			}
			continue
		}
		dots[i] = beatStyle.Render(dot)
	}
	return strings.Join(dots, " ")
}

func (m drillModel) summaryView() string {
	if m.err != nil {
		return fmt.Sprintf("drill aborted: %v\n", m.err)
	}
	if m.final == nil {
		return "drill aborted\n"
	}
	var b strings.Builder
	b.WriteString(bannerStyle.Render(fmt.Sprintf("%s finished", m.cfg.Mode.Label())))
	fmt.Fprintf(&b, "\ntaps: %d  on-time: %.1f%%  mean |dev|: %.1fms  std dev: %.1fms  avg offset: %+.1fms\n",
		m.final.EventCount, m.final.OnTimePct, m.final.MeanAbsMs, m.final.StdDevMs, m.final.AvgOffsetMs)
	if m.record != nil {
		fmt.Fprintf(&b, "saved to history as %s\n", m.record.ID)
	} else {
		b.WriteString(helpStyle.Render("too few taps to save\n"))
	}
	return b.String()
}

var (
	historyHeaderStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	historyModeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))
)

// renderHistory prints stored records as a plain styled table.
func renderHistory(w io.Writer, records []history.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No drills recorded yet.")
		return
	}
	fmt.Fprintln(w, historyHeaderStyle.Render(
		fmt.Sprintf("%-16s  %-22s  %4s  %-9s  %6s  %8s  %9s", "when", "drill", "bpm", "grid", "taps", "on-time", "offset")))
	for _, rec := range records {
		fmt.Fprintf(w, "%-16s  %-22s  %4d  %-9s  %6d  %7.1f%%  %+8.1fms\n",
			rec.CreatedAt.Format("2006-01-02 15:04"),
			historyModeStyle.Render(fmt.Sprintf("%-22s", rec.Mode.Label())),
			rec.BPM,
			rec.Resolution,
			rec.Stats.EventCount,
			rec.Stats.OnTimePct,
			rec.Stats.AvgOffsetMs,
		)
	}
}
