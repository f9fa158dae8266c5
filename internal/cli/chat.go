package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	"charm.land/bubbles/v2/textinput"
	tea "charm.land/bubbletea/v2"
	"github.com/raphaelgruber/statdesk/internal/chat"
	"github.com/raphaelgruber/statdesk/internal/client"
	"github.com/raphaelgruber/statdesk/internal/models"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat [session-id]",
	Short: "Open the interactive chat view",
	Long: `Open an interactive chat. Your messages appear immediately and the
assistant's reply replaces the progress indicator when it arrives.

Commands inside the chat:
  /new            start a new session with the next message
  /switch <ref>   switch to another session by id, id prefix or name
  /sessions       list recent sessions
  /refresh        reload the current session
  /quit           leave (Ctrl+C works too)`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var sessionID string
		if len(args) > 0 {
			sessionID = args[0]
		}
		return RunChat(sessionID)
	},
}

// chatHeaderLines is the space reserved around the transcript.
const chatHeaderLines = 8

// statusMsg sets the one-line status under the transcript.
type statusMsg struct {
	text  string
	isErr bool
}

type chatModel struct {
	engine   *chat.Engine
	initial  string
	input    textinput.Model
	progress progress.Model
	theme    Theme
	view     chat.View
	now      time.Time

	width  int
	height int

	status   string
	statusOK bool
}

func newChatModel(engine *chat.Engine, sessionID string) chatModel {
	input := textinput.New()
	input.Placeholder = "Ask about enrolment, staffing, results..."
	input.CharLimit = 4000
	input.Focus()

	return chatModel{
		engine:   engine,
		initial:  sessionID,
		input:    input,
		progress: newProgressBar(),
		theme:    defaultTheme,
		now:      time.Now(),
		statusOK: true,
	}
}

// Init loads the initial session and starts the animation.
func (m chatModel) Init() tea.Cmd {
	return tea.Batch(
		m.selectCmd(m.initial),
		tickCmd(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if text == "" {
				return m, nil
			}
			return m.handleInput(text)
		}

	case tickMsg:
		m.now = time.Time(msg)
		return m, tickCmd()

	case statusMsg:
		m.status = msg.text
		m.statusOK = !msg.isErr
		return m, nil

	case engineEventMsg:
		ev := chat.Event(msg)
		if ev.View.Version >= m.view.Version {
			m.view = ev.View
		}
		switch ev.Kind {
		case chat.EventSendFailed:
			m.status, m.statusOK = fmt.Sprintf("Message not sent: %v", ev.Err), false
		case chat.EventTimedOut:
			m.status, m.statusOK = "Stopped waiting for the reply. Use /refresh to check again.", true
		case chat.EventPollFailed:
			if errors.Is(ev.Err, chat.ErrSessionDeleted) {
				return m, m.forgetCmd(ev.SessionID)
			}
			m.status, m.statusOK = "Stopped waiting for the reply. Use /refresh to check again.", true
		case chat.EventPendingAdded, chat.EventReplyReceived, chat.EventSessionChanged:
			m.status, m.statusOK = "", true
		}
		return m, nil

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleInput dispatches slash commands or sends a message.
func (m chatModel) handleInput(text string) (tea.Model, tea.Cmd) {
	command, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)

	switch command {
	case "/quit", "/exit":
		return m, tea.Quit
	case "/new":
		return m, m.selectCmd("")
	case "/switch":
		if arg == "" {
			return m, setStatus("Usage: /switch <session id or name>", true)
		}
		return m, m.switchCmd(arg)
	case "/refresh":
		return m, m.refreshCmd()
	case "/sessions":
		return m, listSessionsCmd()
	}

	if strings.HasPrefix(command, "/") {
		return m, setStatus(fmt.Sprintf("Unknown command %s", command), true)
	}
	return m, m.sendCmd(text)
}

func setStatus(text string, isErr bool) tea.Cmd {
	return func() tea.Msg { return statusMsg{text: text, isErr: isErr} }
}

func (m chatModel) selectCmd(sessionID string) tea.Cmd {
	engine := m.engine
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ClientTimeout)
		defer cancel()
		if err := engine.Select(ctx, sessionID); err != nil {
			if errors.Is(err, client.ErrNotFound) {
				return sessionGone(engine, sessionID)
			}
			return statusMsg{text: fmt.Sprintf("Could not open session: %v", explain(err)), isErr: true}
		}
		return nil
	}
}

// forgetCmd drops a session the server no longer has.
func (m chatModel) forgetCmd(sessionID string) tea.Cmd {
	engine := m.engine
	return func() tea.Msg { return sessionGone(engine, sessionID) }
}

func sessionGone(engine *chat.Engine, sessionID string) tea.Msg {
	engine.Forget(sessionID)
	return statusMsg{text: "Session was deleted. Your next message starts a new one.", isErr: true}
}

// switchCmd resolves ref against the session list before selecting it.
func (m chatModel) switchCmd(ref string) tea.Cmd {
	engine := m.engine
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ClientTimeout)
		defer cancel()

		sessions, err := apiClient.ListSessions(ctx)
		if err != nil {
			return statusMsg{text: fmt.Sprintf("Could not list sessions: %v", explain(err)), isErr: true}
		}
		target, ok := resolveSession(sessions, ref)
		if !ok {
			return statusMsg{text: fmt.Sprintf("No session matches %q", ref), isErr: true}
		}
		if err := engine.Select(ctx, target.ID); err != nil {
			if errors.Is(err, client.ErrNotFound) {
				return sessionGone(engine, target.ID)
			}
			return statusMsg{text: fmt.Sprintf("Could not open session: %v", explain(err)), isErr: true}
		}
		return nil
	}
}

func (m chatModel) refreshCmd() tea.Cmd {
	engine := m.engine
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ClientTimeout)
		defer cancel()
		sessionID := engine.View().SessionID
		if err := engine.Refresh(ctx); err != nil {
			if errors.Is(err, client.ErrNotFound) {
				return sessionGone(engine, sessionID)
			}
			return statusMsg{text: fmt.Sprintf("Refresh failed: %v", explain(err)), isErr: true}
		}
		return statusMsg{text: "Refreshed."}
	}
}

func (m chatModel) sendCmd(text string) tea.Cmd {
	engine := m.engine
	return func() tea.Msg {
		err := engine.Send(context.Background(), text, nil)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, chat.ErrExchangeInFlight):
			return statusMsg{text: "Still waiting for the previous reply.", isErr: true}
		default:
			// EventSendFailed already reported it.
			return nil
		}
	}
}

func listSessionsCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ClientTimeout)
		defer cancel()
		sessions, err := apiClient.ListSessions(ctx)
		if err != nil {
			return statusMsg{text: fmt.Sprintf("Could not list sessions: %v", explain(err)), isErr: true}
		}
		if len(sessions) == 0 {
			return statusMsg{text: "No sessions yet."}
		}
		parts := make([]string, 0, 5)
		for i, s := range sessions {
			if i == 5 {
				break
			}
			parts = append(parts, fmt.Sprintf("%s (%s)", s.Name, shortID(s.ID)))
		}
		return statusMsg{text: "Recent: " + strings.Join(parts, ", ")}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// View renders the chat.
func (m chatModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m chatModel) renderContent() string {
	var sb strings.Builder

	title := m.view.SessionName
	if m.view.SessionID == "" {
		title = "New chat"
	}
	sb.WriteString(m.theme.titleStyle().Render(title))
	if m.view.SessionID != "" {
		sb.WriteString(" " + m.theme.hintStyle().Render(m.view.SessionID))
	}
	sb.WriteString("\n\n")

	sb.WriteString(m.renderTranscript())

	if m.view.Progress != nil {
		sb.WriteString("\n")
		sb.WriteString(renderProgress(m.progress, m.view.Progress, m.now, m.theme))
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	if m.status != "" {
		if m.statusOK {
			sb.WriteString(m.theme.hintStyle().Render(m.status))
		} else {
			sb.WriteString(m.theme.errorStyle().Render(m.status))
		}
		sb.WriteString("\n")
	}
	sb.WriteString(m.input.View())
	sb.WriteString("\n")
	sb.WriteString(m.theme.hintStyle().Render("enter send · /new · /switch <ref> · /sessions · ctrl+c quit"))
	return sb.String()
}

// renderTranscript renders messages, keeping only the tail that fits the window.
func (m chatModel) renderTranscript() string {
	if len(m.view.Messages) == 0 {
		return m.theme.hintStyle().Render("No messages yet. Ask a question below.") + "\n"
	}

	var sb strings.Builder
	for i, msg := range m.view.Messages {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(renderMessage(msg, m.theme))
	}

	lines := strings.Split(strings.TrimRight(sb.String(), "\n"), "\n")
	if budget := m.height - chatHeaderLines; m.height > 0 && budget > 0 && len(lines) > budget {
		lines = lines[len(lines)-budget:]
	}
	return strings.Join(lines, "\n") + "\n"
}

// renderMessage formats one message with its sender header.
func renderMessage(msg models.Message, theme Theme) string {
	header := theme.senderStyle(msg.Sender).Render(string(msg.Sender))
	meta := msg.CreatedAt.Local().Format("15:04")
	if msg.Pending {
		meta = "sending..."
	}
	return fmt.Sprintf("%s %s\n%s\n", header, theme.hintStyle().Render(meta), msg.Content)
}

// RunChat runs the interactive chat until the user quits.
func RunChat(sessionID string) error {
	var p *tea.Program
	engine := newEngine(func(ev chat.Event) {
		p.Send(engineEventMsg(ev))
	})
	defer engine.Close()

	p = tea.NewProgram(newChatModel(engine, sessionID))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("chat UI error: %w", err)
	}
	return nil
}
