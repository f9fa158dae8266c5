package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/statdesk/internal/chat"
	"github.com/raphaelgruber/statdesk/internal/models"
)

// tickInterval drives the progress animation. It never triggers a server request.
const tickInterval = 200 * time.Millisecond

// Theme holds the color scheme for terminal output.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
	User       lipgloss.Color
	Assistant  lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
	User:       lipgloss.Color("#D7AF5F"), // amber
	Assistant:  lipgloss.Color("#AF87FF"), // violet
}

// Style functions for dynamic theming
func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

func (t Theme) titleStyle() lipgloss.Style {
	return lipgloss.NewStyle().Bold(true).Underline(true)
}

func (t Theme) senderStyle(sender models.Sender) lipgloss.Style {
	color := t.User
	if sender == models.SenderAssistant {
		color = t.Assistant
	}
	return lipgloss.NewStyle().Foreground(color).Bold(true)
}

// tickMsg advances the progress animation
type tickMsg time.Time

// engineEventMsg carries a chat engine event into the bubbletea loop
type engineEventMsg chat.Event

// sendResultMsg reports the outcome of starting an exchange
type sendResultMsg struct {
	err error
}

// tickCmd returns a command that sends a tick after the tick interval.
func tickCmd() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func newProgressBar() progress.Model {
	return progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)
}

// renderProgress draws the stage label and bar for a running exchange.
func renderProgress(bar progress.Model, schedule *chat.Schedule, now time.Time, theme Theme) string {
	stage := schedule.StageAt(now)
	elapsed := now.Sub(schedule.Start).Truncate(time.Second)
	if elapsed < 0 {
		elapsed = 0
	}

	label := theme.statusStyle().Render(stage.Label() + "...")
	return fmt.Sprintf("%s\n%s %s", label, bar.ViewAs(schedule.Fraction(now)), theme.hintStyle().Render(elapsed.String()))
}

// sendModel is the bubbletea model shown while a single message awaits its reply.
type sendModel struct {
	start    func() tea.Msg
	view     chat.View
	progress progress.Model
	theme    Theme
	now      time.Time

	done     bool
	quitting bool
	timedOut bool
	timeout  time.Duration
	reply    *models.Message
	err      error
}

func newSendModel(start func() tea.Msg, timeout time.Duration) sendModel {
	return sendModel{
		start:    start,
		progress: newProgressBar(),
		theme:    defaultTheme,
		now:      time.Now(),
		timeout:  timeout,
	}
}

// Init starts the exchange and the animation.
func (m sendModel) Init() tea.Cmd {
	return tea.Batch(
		m.start,
		tickCmd(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m sendModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		m.now = time.Time(msg)
		return m, tickCmd()

	case sendResultMsg:
		if msg.err != nil && !m.done {
			m.err = msg.err
			m.done = true
			return m, tea.Quit
		}

	case engineEventMsg:
		ev := chat.Event(msg)
		if ev.View.Version >= m.view.Version {
			m.view = ev.View
		}

		switch ev.Kind {
		case chat.EventReplyReceived:
			m.reply = lastAssistantMessage(ev.View.Messages)
		case chat.EventSendFailed:
			m.err = fmt.Errorf("message not sent: %w", ev.Err)
		case chat.EventPollFailed:
			m.err = fmt.Errorf("stopped waiting for the reply: %w", ev.Err)
		case chat.EventTimedOut:
			m.timedOut = true
		}
		if ev.Kind.Terminal() {
			m.done = true
			return m, tea.Quit
		}

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m sendModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m sendModel) renderContent() string {
	if m.done || m.quitting {
		return m.finalView()
	}

	if m.view.Progress == nil {
		return m.theme.statusStyle().Render("Sending...") + "\n"
	}

	hint := m.theme.hintStyle().Render("Press Ctrl+C to stop waiting")
	return renderProgress(m.progress, m.view.Progress, m.now, m.theme) + "\n" + hint + "\n"
}

// finalView renders the completion message.
func (m sendModel) finalView() string {
	sessionID := m.view.SessionID

	if m.quitting {
		if sessionID == "" {
			return m.theme.hintStyle().Render("\nStopped.\n")
		}
		msg := fmt.Sprintf("\nStopped waiting. The reply will still arrive in session %s.\nUse 'statdesk sessions show %s' to read it.\n",
			sessionID, sessionID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ %s\n", m.err))
	}

	if m.timedOut {
		msg := fmt.Sprintf("\nNo reply within %s. Use 'statdesk sessions show %s' to check later.\n",
			m.timeout, sessionID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.reply == nil {
		return m.theme.completedStyle().Render("✓ Sent\n")
	}

	var output string
	output += m.theme.completedStyle().Render("✓ Reply") + "\n\n"
	output += m.reply.Content + "\n\n"
	output += m.theme.hintStyle().Render(fmt.Sprintf("session %s · %s", sessionID,
		m.view.LastReplyDuration.Truncate(100*time.Millisecond))) + "\n"
	return output
}

func lastAssistantMessage(messages []models.Message) *models.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Sender == models.SenderAssistant {
			return &messages[i]
		}
	}
	return nil
}

// errTimedOut is returned by RunSendProgress when no reply arrived in time.
var errTimedOut = errors.New("no reply before timeout")

// RunSendProgress sends text and shows reply progress until the reply arrives.
// Returns nil on success or Ctrl+C (the reply still arrives server-side),
// and an error when the send failed, waiting failed or timed out.
func RunSendProgress(sessionID, text string, documentIDs []string) error {
	var p *tea.Program
	engine := newEngine(func(ev chat.Event) {
		p.Send(engineEventMsg(ev))
	})
	defer engine.Close()

	start := func() tea.Msg {
		ctx := context.Background()
		if sessionID != "" {
			if err := engine.Select(ctx, sessionID); err != nil {
				return sendResultMsg{err: err}
			}
		}
		return sendResultMsg{err: engine.Send(ctx, text, documentIDs)}
	}

	p = tea.NewProgram(newSendModel(start, cfg.ReplyTimeout))

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(sendModel); ok {
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
		if m.timedOut {
			return errTimedOut
		}
	}

	return nil
}
