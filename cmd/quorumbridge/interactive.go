package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	quorumbridge "github.com/wippyai/quorum-bridge"
	"github.com/wippyai/quorum-bridge/config"
	"github.com/wippyai/quorum-bridge/dispatch"
	"github.com/wippyai/quorum-bridge/errors"
	"github.com/wippyai/quorum-bridge/gate"
	"github.com/wippyai/quorum-bridge/lifecycle"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	buttonStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#3C3C3C")).
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 2)

	disabledStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666")).
			Padding(0, 2)

	stateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const (
	maxOutcomes = 6
	maxLogLines = 8
)

type action int

const (
	actionInitiate action = iota
	actionJoin
)

func (a action) String() string {
	if a == actionJoin {
		return "Join"
	}
	return "Initiate"
}

type interactiveModel struct {
	err         error
	ctx         context.Context
	bridge      *quorumbridge.Bridge
	source      string
	input       textinput.Model
	outcomes    []string
	logs        []string
	generation  uint64
	affordances gate.Affordances
	state       lifecycle.State
	selected    action
	started     bool
}

type startedMsg struct{ err error }

type affordanceMsg gate.Affordances

type lifecycleMsg lifecycle.Event

type outcomeMsg struct {
	err    error
	action action
	result dispatch.Result
}

type logMsg string

type haltedMsg struct{ err error }

func newInteractiveModel(ctx context.Context, source string) *interactiveModel {
	ti := textinput.New()
	ti.Width = 40
	ti.Focus()

	m := &interactiveModel{ctx: ctx, source: source, input: ti}
	m.setPrompt()
	return m
}

func (m *interactiveModel) setPrompt() {
	if m.selected == actionJoin {
		m.input.Prompt = "seed token: "
		m.input.Placeholder = "seed-42"
	} else {
		m.input.Prompt = "bootstrap address: "
		m.input.Placeholder = "10.0.0.1:7000"
	}
}

func (m *interactiveModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.start)
}

func (m *interactiveModel) start() tea.Msg {
	return startedMsg{err: m.bridge.Start(m.ctx, m.source)}
}

func (m *interactiveModel) waitHalt() tea.Msg {
	select {
	case <-m.bridge.Done():
		return haltedMsg{err: m.bridge.Err()}
	case <-m.ctx.Done():
		return nil
	}
}

func (m *interactiveModel) enabled(a action) bool {
	if a == actionJoin {
		return m.affordances.CanJoin
	}
	return m.affordances.CanInitiate
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit

		case "tab", "shift+tab":
			if m.selected == actionInitiate {
				m.selected = actionJoin
			} else {
				m.selected = actionInitiate
			}
			m.input.SetValue("")
			m.setPrompt()
			return m, nil

		case "ctrl+s":
			if m.bridge.Stop() {
				m.pushOutcome(stateStyle.Render("run stopped"))
			}
			return m, nil

		case "enter":
			if !m.enabled(m.selected) {
				return m, nil
			}
			value := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			return m, m.dispatch(m.selected, value)
		}

	case startedMsg:
		m.started = true
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		return m, m.waitHalt

	case affordanceMsg:
		m.affordances = gate.Affordances(msg)
		return m, nil

	case lifecycleMsg:
		m.state = msg.State
		m.generation = msg.Generation
		if msg.Err != nil {
			m.pushOutcome(errorStyle.Render(msg.Err.Error()))
		}
		return m, nil

	case outcomeMsg:
		m.pushOutcome(formatOutcome(msg))
		return m, nil

	case logMsg:
		m.logs = append(m.logs, string(msg))
		if len(m.logs) > maxLogLines {
			m.logs = m.logs[len(m.logs)-maxLogLines:]
		}
		return m, nil

	case haltedMsg:
		if msg.err != nil {
			m.err = msg.err
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *interactiveModel) dispatch(a action, value string) tea.Cmd {
	return func() tea.Msg {
		var (
			res dispatch.Result
			err error
		)
		if a == actionJoin {
			res, err = m.bridge.JoinGroup(m.ctx, value)
		} else {
			res, err = m.bridge.InitiateQuorum(m.ctx, value)
		}
		return outcomeMsg{action: a, result: res, err: err}
	}
}

func (m *interactiveModel) pushOutcome(line string) {
	m.outcomes = append(m.outcomes, line)
	if len(m.outcomes) > maxOutcomes {
		m.outcomes = m.outcomes[len(m.outcomes)-maxOutcomes:]
	}
}

func formatOutcome(msg outcomeMsg) string {
	switch {
	case msg.err != nil:
		return errorStyle.Render(fmt.Sprintf("%s refused: %v", msg.action, msg.err))
	case msg.result.OK():
		return resultStyle.Render(fmt.Sprintf("%s: %s", msg.action, msg.result.Value))
	case errors.Is(msg.result.Err, errors.ErrCommandFailed):
		return errorStyle.Render(fmt.Sprintf("%s rejected: %s", msg.action, errors.Reason(msg.result.Err)))
	default:
		return errorStyle.Render(fmt.Sprintf("%s failed: %v", msg.action, msg.result.Err))
	}
}

func (m *interactiveModel) button(a action) string {
	switch {
	case !m.enabled(a):
		return disabledStyle.Render(a.String())
	case a == m.selected:
		return selectedStyle.Render(a.String())
	default:
		return buttonStyle.Render(a.String())
	}
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Quorum Bridge"))
	b.WriteString(" ")
	b.WriteString(m.source)
	b.WriteString("\n\n")

	if !m.started {
		b.WriteString("Loading module...\n")
		return b.String()
	}
	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("esc quit"))
		return b.String()
	}

	b.WriteString(stateStyle.Render(fmt.Sprintf("%s, generation %d", m.state, m.generation)))
	b.WriteString("\n\n")
	b.WriteString(m.button(actionInitiate))
	b.WriteString(" ")
	b.WriteString(m.button(actionJoin))
	b.WriteString("\n\n")
	b.WriteString(m.input.View())
	b.WriteString("\n\n")

	for _, line := range m.outcomes {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if len(m.logs) > 0 {
		b.WriteString("\n")
		for _, line := range m.logs {
			b.WriteString(helpStyle.Render(line))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("tab switch • enter send • ctrl+s stop run • esc quit"))
	return b.String()
}

// programWriter feeds log lines into the TUI instead of the terminal.
type programWriter struct {
	p *tea.Program
}

func (w *programWriter) Write(b []byte) (int, error) {
	w.p.Send(logMsg(strings.TrimRight(string(b), "\n")))
	return len(b), nil
}

func runInteractive(ctx context.Context, cfg config.Config, source string, rf *runFlags) error {
	m := newInteractiveModel(ctx, source)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	logger, err := newLogger(cfg.Log, &programWriter{p: p})
	if err != nil {
		return err
	}

	b, err := quorumbridge.New(ctx, cfg, rf.options(logger)...)
	if err != nil {
		return err
	}
	defer b.Close(context.WithoutCancel(ctx))
	m.bridge = b

	b.OnAffordances(func(a gate.Affordances) { p.Send(affordanceMsg(a)) })
	b.OnLifecycle(func(ev lifecycle.Event) { p.Send(lifecycleMsg(ev)) })

	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
