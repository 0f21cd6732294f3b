package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Up        key.Binding
	Down      key.Binding
	GainUp    key.Binding
	GainDown  key.Binding
	Solo      key.Binding
	ClearSolo key.Binding
	Reset     key.Binding
	Balance   key.Binding
	Auto      key.Binding
	Limiter   key.Binding
	TargetDn  key.Binding
	TargetUp  key.Binding
	Quit      key.Binding
}

var keys = keyMap{
	Up:        key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/↓", "select")),
	Down:      key.NewBinding(key.WithKeys("down", "j")),
	GainUp:    key.NewBinding(key.WithKeys("+", "="), key.WithHelp("+/-", "gain")),
	GainDown:  key.NewBinding(key.WithKeys("-", "_")),
	Solo:      key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "solo")),
	ClearSolo: key.NewBinding(key.WithKeys("S"), key.WithHelp("S", "clear solo")),
	Reset:     key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reset")),
	Balance:   key.NewBinding(key.WithKeys("b"), key.WithHelp("b", "balance now")),
	Auto:      key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "auto-balance")),
	Limiter:   key.NewBinding(key.WithKeys("l"), key.WithHelp("l", "limiter")),
	TargetDn:  key.NewBinding(key.WithKeys("["), key.WithHelp("[/]", "target")),
	TargetUp:  key.NewBinding(key.WithKeys("]")),
	Quit:      key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}
