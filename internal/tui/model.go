// Package tui provides the live meter dashboard for the balancer.
package tui

import (
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/fairmix/fairmix/internal/store"
	"github.com/fairmix/fairmix/pkg/dsp/dynamics"
	"github.com/fairmix/fairmix/pkg/mixer"
	"github.com/fairmix/fairmix/pkg/stream"
)

const refreshInterval = 100 * time.Millisecond

type tickMsg time.Time

// Model is the bubbletea model for the dashboard.
type Model struct {
	coord   *mixer.Coordinator
	version string

	snaps       []mixer.Snapshot
	solo        stream.ID
	autoBalance store.AutoBalanceSettings
	limiter     dynamics.Settings
	outPeakDB   float64
	reductionDB float64

	selected int
	width    int
	height   int
	quitting bool
}

// Run starts the dashboard and blocks until the user quits.
func Run(coord *mixer.Coordinator, version string) error {
	m := Model{coord: coord, version: version}
	m.refresh()
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) refresh() {
	snaps, solo := m.coord.Streams()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	m.snaps = snaps
	m.solo = solo
	m.autoBalance = m.coord.AutoBalance()
	m.limiter = m.coord.LimiterSettings()
	m.outPeakDB = m.coord.OutputPeak().PeakDB()
	m.reductionDB = m.coord.LimiterGainReduction()

	if m.selected >= len(m.snaps) {
		m.selected = len(m.snaps) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.refresh()
		return m, tick()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		m.quitting = true
		return m, tea.Quit

	case key.Matches(msg, keys.Up):
		if m.selected > 0 {
			m.selected--
		}

	case key.Matches(msg, keys.Down):
		if m.selected < len(m.snaps)-1 {
			m.selected++
		}

	case key.Matches(msg, keys.Solo):
		if s, ok := m.selectedStream(); ok {
			m.coord.ToggleSolo(s.ID)
		}

	case key.Matches(msg, keys.ClearSolo):
		m.coord.ClearSolo()

	case key.Matches(msg, keys.GainUp):
		if s, ok := m.selectedStream(); ok {
			m.coord.SetGain(s.ID, s.GainDB+1)
		}

	case key.Matches(msg, keys.GainDown):
		if s, ok := m.selectedStream(); ok {
			m.coord.SetGain(s.ID, s.GainDB-1)
		}

	case key.Matches(msg, keys.Reset):
		if s, ok := m.selectedStream(); ok {
			m.coord.ResetMeasurements(s.ID)
		}

	case key.Matches(msg, keys.Balance):
		m.coord.BalanceNow(nil)

	case key.Matches(msg, keys.Auto):
		enabled := !m.autoBalance.Enabled
		m.coord.SetAutoBalance(mixer.AutoBalanceUpdate{Enabled: &enabled})

	case key.Matches(msg, keys.Limiter):
		enabled := !m.limiter.Enabled
		m.coord.SetLimiter(mixer.LimiterUpdate{Enabled: &enabled})

	case key.Matches(msg, keys.TargetDn):
		target := m.autoBalance.TargetLUFS - 1
		m.coord.SetAutoBalance(mixer.AutoBalanceUpdate{TargetLUFS: &target})

	case key.Matches(msg, keys.TargetUp):
		target := m.autoBalance.TargetLUFS + 1
		m.coord.SetAutoBalance(mixer.AutoBalanceUpdate{TargetLUFS: &target})
	}

	m.refresh()
	return m, nil
}

func (m Model) selectedStream() (mixer.Snapshot, bool) {
	if m.selected < 0 || m.selected >= len(m.snaps) {
		return mixer.Snapshot{}, false
	}
	return m.snaps[m.selected], true
}
