// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chronos-agent/chronos/agent"
	"github.com/chronos-agent/chronos/refusal"
	"github.com/chronos-agent/chronos/replay"
)

// refreshInterval is how often the model re-fetches all three reports
// while idle, so an inspector left open tracks a live agent without
// the user having to press r.
const refreshInterval = 3 * time.Second

// tab identifies which report the content pane shows.
type tab int

const (
	tabSources tab = iota
	tabRefusal
	tabDivergence
)

func (t tab) label() string {
	switch t {
	case tabSources:
		return "Sources"
	case tabRefusal:
		return "Refusal"
	case tabDivergence:
		return "Divergence"
	default:
		return "?"
	}
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("62")).Padding(0, 1)
	tabStyle    = lipgloss.NewStyle().Padding(0, 2)
	activeTab   = tabStyle.Foreground(lipgloss.Color("15")).Bold(true).Underline(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	blockStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	idStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("111"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

// fetchResultMsg carries a completed round of fetching every report.
type fetchResultMsg struct {
	sources     []agent.SourceInfo
	report      refusal.Report
	divergence  replay.Result
	rawSources  string
	rawReport   string
	rawDivergence string
	err         error
}

type tickMsg struct{}

// model is the chronos-inspect bubbletea.Model. A value receiver on
// every method, following the shape every other bubbletea model in
// the corpus uses.
type model struct {
	source inspectorSource
	active tab
	showRaw bool

	width, height int
	loading        bool
	lastErr        error

	sources    []agent.SourceInfo
	report     refusal.Report
	divergence replay.Result

	rawSources    string
	rawReport     string
	rawDivergence string
}

func newModel(source inspectorSource) model {
	return model{source: source, loading: true}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

// fetchCmd queries all three reports against a bounded context. A
// single slow or hung agent never wedges the UI past this timeout.
func (m model) fetchCmd() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		sources, rawSources, err := source.RegisteredSources(ctx)
		if err != nil {
			return fetchResultMsg{err: err}
		}
		report, rawReport, err := source.RefusalReport(ctx)
		if err != nil {
			return fetchResultMsg{err: err}
		}
		divergence, rawDivergence, err := source.DivergenceReport(ctx)
		if err != nil {
			// A runtime that has never replayed is not a failure;
			// only surface the error, don't drop the other two reports.
			return fetchResultMsg{sources: sources, report: report, rawSources: rawSources, rawReport: rawReport, err: err}
		}
		return fetchResultMsg{
			sources: sources, report: report, divergence: divergence,
			rawSources: rawSources, rawReport: rawReport, rawDivergence: rawDivergence,
		}
	}
}

func (m model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := message.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.source.Close()
			return m, tea.Quit
		case "tab", "right", "l":
			m.active = (m.active + 1) % 3
			return m, nil
		case "shift+tab", "left", "h":
			m.active = (m.active + 2) % 3
			return m, nil
		case "r":
			m.loading = true
			return m, m.fetchCmd()
		case "x":
			m.showRaw = !m.showRaw
			return m, nil
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), tickCmd())

	case fetchResultMsg:
		m.loading = false
		m.lastErr = msg.err
		if msg.sources != nil || msg.err == nil {
			m.sources = msg.sources
		}
		m.report = msg.report
		m.rawSources = msg.rawSources
		m.rawReport = msg.rawReport
		if msg.rawDivergence != "" {
			m.divergence = msg.divergence
			m.rawDivergence = msg.rawDivergence
		}
		return m, nil
	}

	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("chronos-inspect"))
	b.WriteString("  ")
	if m.loading {
		b.WriteString(dimStyle.Render("refreshing..."))
	}
	b.WriteString("\n\n")

	for t := tabSources; t <= tabDivergence; t++ {
		style := tabStyle
		if t == m.active {
			style = activeTab
		}
		b.WriteString(style.Render(t.label()))
	}
	b.WriteString("\n\n")

	if m.lastErr != nil {
		b.WriteString(errStyle.Render("error: "+m.lastErr.Error()) + "\n\n")
	}

	switch m.active {
	case tabSources:
		b.WriteString(m.viewSources())
	case tabRefusal:
		b.WriteString(m.viewRefusal())
	case tabDivergence:
		b.WriteString(m.viewDivergence())
	}

	if m.showRaw {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("raw frame (CBOR diagnostic notation):") + "\n")
		b.WriteString(highlightDiagnostic(m.currentRaw()))
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("tab/←→ switch · r refresh · x raw frame · q quit"))

	return b.String()
}

func (m model) currentRaw() string {
	switch m.active {
	case tabSources:
		return m.rawSources
	case tabRefusal:
		return m.rawReport
	default:
		return m.rawDivergence
	}
}

func (m model) viewSources() string {
	if len(m.sources) == 0 {
		return dimStyle.Render("no sources registered")
	}
	var b strings.Builder
	for _, s := range m.sources {
		b.WriteString(idStyle.Render(s.ID))
		b.WriteString(fmt.Sprintf("  %-11s  %s\n", s.Class, s.DisplayName))
	}
	return b.String()
}

func (m model) viewRefusal() string {
	var b strings.Builder
	if m.report.IsAllowed {
		b.WriteString(okStyle.Render("allowed") + "\n")
	} else {
		b.WriteString(blockStyle.Render("blocked") + "\n")
	}
	b.WriteString(renderMarkdown(m.report.LogLine()) + "\n\n")

	for _, blocking := range m.report.Blocking {
		b.WriteString(idStyle.Render(blocking.SourceID) + "\n")
		for _, risk := range blocking.Risks {
			b.WriteString(fmt.Sprintf("  - [%s] %s\n", risk.Severity, renderMarkdown(risk.Description)))
		}
	}

	if len(m.report.Mitigations) > 0 {
		b.WriteString("\nmitigations:\n")
		for _, mitigation := range m.report.Mitigations {
			b.WriteString(fmt.Sprintf("  - (%s effort) %s\n", mitigation.Effort, renderMarkdown(mitigation.Action)))
		}
	}

	return b.String()
}

func (m model) viewDivergence() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("state: %s   events played: %d\n", m.divergence.FinalState, m.divergence.EventsPlayed))
	if m.divergence.RefusalNote != "" {
		b.WriteString(dimStyle.Render(m.divergence.RefusalNote) + "\n")
	}
	for _, warning := range m.divergence.Warnings {
		b.WriteString(dimStyle.Render("warning: "+warning) + "\n")
	}
	if len(m.divergence.Divergences) == 0 {
		b.WriteString(dimStyle.Render("no divergences recorded") + "\n")
		return b.String()
	}
	for _, d := range m.divergence.Divergences {
		halted := ""
		if d.Halted {
			halted = blockStyle.Render(" (halted)")
		}
		b.WriteString(fmt.Sprintf("  seq=%d source=%s kind=%s%s: %s\n", d.Seq, d.SourceID, d.Divergence, halted, d.Message))
	}
	return b.String()
}
