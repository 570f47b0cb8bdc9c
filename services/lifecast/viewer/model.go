// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package viewer

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/lifecast/services/lifecast/command"
	"github.com/AleutianAI/lifecast/services/lifecast/grid"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Sender delivers commands to the server. *Client implements it.
type Sender interface {
	Send(cmd command.Command) error
}

// sentMsg reports the outcome of an asynchronous Send.
type sentMsg struct {
	cmd command.Command
	err error
}

// keyCommands maps keys to the commands the browser page's buttons send.
var keyCommands = map[string]command.Command{
	"r":     {Name: command.Reset},
	"+":     {Name: command.Speed, Args: []string{"+"}},
	"-":     {Name: command.Speed, Args: []string{command.SlowerArg}},
	"1":     {Name: command.Speed},
	"p":     {Name: command.Pause},
	" ":     {Name: command.Play},
	"space": {Name: command.Play},
}

// Model draws the most recent grid with a status line.
type Model struct {
	sender Sender
	url    string

	grid     grid.Grid
	frames   int
	received bool

	// paused is the last requested state; the server does not echo it.
	paused   bool
	lastSent string
	err      error
	quitting bool
}

// NewModel creates a viewer that sends commands through sender. url is
// only shown in the header.
func NewModel(sender Sender, url string) Model {
	return Model{sender: sender, url: url}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		key := msg.String()
		if key == "q" || key == "ctrl+c" {
			m.quitting = true
			return m, tea.Quit
		}
		cmd, ok := keyCommands[key]
		if !ok {
			return m, nil
		}
		switch cmd.Name {
		case command.Pause:
			m.paused = true
		case command.Play:
			m.paused = false
		}
		return m, m.send(cmd)

	case FrameMsg:
		m.grid = msg.Grid
		m.frames++
		m.received = true

	case BadFrameMsg:
		m.err = msg.Err

	case sentMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.lastSent = msg.cmd.String()
		}

	case DisconnectedMsg:
		m.err = msg.Err
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) send(cmd command.Command) tea.Cmd {
	sender := m.sender
	return func() tea.Msg {
		return sentMsg{cmd: cmd, err: sender.Send(cmd)}
	}
}

// Frames returns how many grids have been received.
func (m Model) Frames() int { return m.frames }

// Err returns the most recent error, if any.
func (m Model) Err() error { return m.err }

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		if m.err != nil {
			return errorStyle.Render("disconnected: "+m.err.Error()) + "\n"
		}
		return "bye\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("lifecast"))
	b.WriteString(" ")
	b.WriteString(statsStyle.Render(m.url))
	b.WriteString("\n\n")

	if !m.received {
		b.WriteString("waiting for the first generation...\n")
	} else {
		b.WriteString(boardStyle.Render(renderBoard(&m.grid)))
		b.WriteString("\n")
	}

	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(helpLine())
	return b.String()
}

func renderBoard(g *grid.Grid) string {
	alive := aliveStyle.Render("██")
	dead := deadStyle.Render("··")

	var b strings.Builder
	for row := 0; row < grid.Size; row++ {
		for col := 0; col < grid.Size; col++ {
			if c, _ := g.At(row, col); c == grid.Alive {
				b.WriteString(alive)
			} else {
				b.WriteString(dead)
			}
		}
		if row < grid.Size-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m Model) statusLine() string {
	state := runningBadge.Render("running")
	if m.paused {
		state = pausedBadge.Render("paused")
	}
	parts := []string{
		state,
		statsStyle.Render(fmt.Sprintf("frames %d", m.frames)),
		statsStyle.Render(fmt.Sprintf("alive %d", m.grid.Alive())),
	}
	if m.lastSent != "" {
		parts = append(parts, statsStyle.Render("sent "+m.lastSent))
	}
	if m.err != nil {
		parts = append(parts, errorStyle.Render(m.err.Error()))
	}
	return strings.Join(parts, "  ")
}

func helpLine() string {
	keys := []struct{ key, desc string }{
		{"r", "reset"},
		{"+/-", "speed"},
		{"1", "default speed"},
		{"p", "pause"},
		{"space", "play"},
		{"q", "quit"},
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, helpKeyStyle.Render(k.key)+" "+helpDescStyle.Render(k.desc))
	}
	return strings.Join(parts, "  ")
}

// =============================================================================
// Styles
// =============================================================================

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	boardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238"))

	aliveStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	deadStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("236"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	helpKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	helpDescStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))

	runningBadge = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Background(lipgloss.Color("22")).
			Padding(0, 1)

	pausedBadge = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Background(lipgloss.Color("58")).
			Padding(0, 1)
)
