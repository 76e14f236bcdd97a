package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/cwoolley/passage-search/internal/passages"
	"github.com/cwoolley/passage-search/internal/render"
	"github.com/cwoolley/passage-search/internal/submit"
	"github.com/rs/zerolog"
)

// SearchFunc is the function signature for performing a search.
type SearchFunc func(ctx context.Context, query string) ([]passages.Passage, error)

func (f SearchFunc) Search(ctx context.Context, query string) ([]passages.Passage, error) {
	return f(ctx, query)
}

type state int

const (
	stateInput state = iota
	stateLoading
	stateResults
)

// submitResultMsg is sent when a submission has finished rendering.
type submitResultMsg struct {
	outcome submit.Outcome
	content string
	notice  string
	err     error
}

// Model is the Bubble Tea model for the TUI.
type Model struct {
	searchInput textinput.Model
	results     viewport.Model
	searchFn    SearchFunc
	log         zerolog.Logger
	state       state
	pending     int
	content     string
	notice      string
	err         error
	width       int
}

// NewModel creates a new TUI model with the given search function.
func NewModel(searchFn SearchFunc, log zerolog.Logger) Model {
	ti := textinput.New()
	ti.Placeholder = "Search passages..."
	ti.Focus()
	ti.Width = 60

	return Model{
		searchInput: ti,
		results:     viewport.New(80, 20),
		searchFn:    searchFn,
		log:         log,
		state:       stateInput,
		width:       80,
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.results.Width = msg.Width
		m.results.Height = max(msg.Height-8, 3)
		return m, nil
	case submitResultMsg:
		return m.handleSubmitResult(msg)
	}

	// Pass other messages to the text input
	var cmd tea.Cmd
	m.searchInput, cmd = m.searchInput.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit

	case tea.KeyEscape:
		if m.state == stateResults {
			m.state = stateInput
			m.notice = ""
			return m, nil
		}
		return m, tea.Quit

	case tea.KeyEnter:
		// A new trigger is accepted even while earlier ones are in flight;
		// whichever result arrives last is shown.
		query := m.searchInput.Value()
		m.notice = ""
		if query != "" {
			m.pending++
			m.state = stateLoading
		}
		return m, m.doSubmit(query)

	case tea.KeyUp, tea.KeyDown, tea.KeyPgUp, tea.KeyPgDown:
		if m.state == stateResults {
			var cmd tea.Cmd
			m.results, cmd = m.results.Update(msg)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.searchInput, cmd = m.searchInput.Update(msg)
	return m, cmd
}

func (m Model) handleSubmitResult(msg submitResultMsg) (tea.Model, tea.Cmd) {
	m.notice = msg.notice
	if msg.outcome == submit.OutcomeRejected {
		return m, nil
	}

	if m.pending > 0 {
		m.pending--
	}
	if msg.err != nil {
		m.err = msg.err
	} else {
		m.err = nil
		m.content = msg.content
		m.results.SetContent(msg.content)
		m.results.GotoTop()
	}
	if m.pending == 0 {
		m.state = stateResults
	}
	return m, nil
}

// doSubmit runs one submission off the UI goroutine. The rendered content
// and any notice travel back in the result message.
func (m Model) doSubmit(query string) tea.Cmd {
	width := m.width - 4
	return func() tea.Msg {
		container := render.NewContainer(render.Styled{Width: width})
		var notice string
		notify := submit.NotifierFunc(func(msg string) { notice = msg })

		outcome, err := submit.New(m.searchFn, container, notify, m.log).Submit(context.Background(), query)
		return submitResultMsg{outcome: outcome, content: container.Content(), notice: notice, err: err}
	}
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	noticeStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("  Search passages"))
	b.WriteString("\n\n")
	b.WriteString("  " + m.searchInput.View())
	b.WriteString("\n\n")

	if m.notice != "" {
		b.WriteString("  " + noticeStyle.Render("! "+m.notice) + "\n\n")
	}

	switch m.state {
	case stateLoading:
		b.WriteString("  Searching...\n")
	case stateResults:
		b.WriteString(m.results.View())
		b.WriteString("\n")
	}

	if m.err != nil {
		b.WriteString(fmt.Sprintf("\n  Error: %s\n", m.err))
	}

	help := "esc: back • ctrl+c: quit"
	if m.state == stateResults {
		help += " • ↑/↓: scroll"
	}
	b.WriteString("\n  " + helpStyle.Render(help) + "\n")

	return b.String()
}
