package tui

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fairmix/fairmix/pkg/mixer"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("25")).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("236"))

	soloStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	meterFill  = lipgloss.NewStyle().Foreground(lipgloss.Color("35"))
	meterHot   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	meterEmpty = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
)

const (
	meterWidth  = 30
	meterFloor  = -60.0
	meterHotLUF = -10.0
)

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("fairmix " + m.version))
	b.WriteString("  ")
	b.WriteString(labelStyle.Render(fmt.Sprintf(
		"target %.0f LUFS  auto-balance %s  limiter %s",
		m.autoBalance.TargetLUFS,
		onOff(m.autoBalance.Enabled),
		onOff(m.limiter.Enabled),
	)))
	b.WriteString("\n\n")

	if len(m.snaps) == 0 {
		b.WriteString(mutedStyle.Render("  no streams registered"))
		b.WriteString("\n")
	}

	for i, s := range m.snaps {
		line := streamLine(s)
		if i == m.selected {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(labelStyle.Render(fmt.Sprintf(
		"output peak %s   gain reduction %4.1f dB",
		formatDB(m.outPeakDB), m.reductionDB,
	)))
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render(
		"↑/↓ select  +/- gain  s solo  S clear  b balance  a auto  l limiter  [/] target  r reset  q quit"))
	b.WriteString("\n")

	return b.String()
}

func streamLine(s mixer.Snapshot) string {
	marker := " "
	if s.Solo {
		marker = soloStyle.Render("S")
	} else if s.Muted {
		marker = mutedStyle.Render("M")
	}

	r := s.Reading
	return fmt.Sprintf(" %s %-24s %-9s %6s  M %s  S %s  I %s  gain %5.1f dB",
		marker,
		truncate(s.Label, 24),
		s.Status,
		formatBlocks(r.BlockCount),
		meter(r.Momentary),
		meter(r.ShortTerm),
		meter(r.Integrated),
		s.GainDB,
	)
}

// meter renders a LUFS value as a bar from meterFloor to 0.
func meter(lufs float64) string {
	if math.IsInf(lufs, -1) {
		return meterEmpty.Render(strings.Repeat("░", meterWidth))
	}

	norm := (lufs - meterFloor) / -meterFloor
	if norm < 0 {
		norm = 0
	}
	if norm > 1 {
		norm = 1
	}
	filled := int(norm * meterWidth)

	hotStart := int((meterHotLUF - meterFloor) / -meterFloor * meterWidth)
	var b strings.Builder
	for i := 0; i < meterWidth; i++ {
		switch {
		case i >= filled:
			b.WriteString(meterEmpty.Render("░"))
		case i >= hotStart:
			b.WriteString(meterHot.Render("█"))
		default:
			b.WriteString(meterFill.Render("█"))
		}
	}
	return b.String()
}

func formatDB(v float64) string {
	if math.IsInf(v, -1) {
		return " -inf dB"
	}
	return fmt.Sprintf("%5.1f dB", v)
}

func formatBlocks(n uint32) string {
	return fmt.Sprintf("%d blk", n)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
