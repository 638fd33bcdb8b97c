package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// state is the phase of the current command.
type state int

const (
	stateInit       state = iota
	stateRequesting       // request in flight
	stateRefreshing       // waiting on the refresh endpoint
	stateSuccess          // command finished
	stateExpired          // session is gone, user must sign in again
	stateError            // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model rendering a consolectl command.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	request  string
	result   string
	loginURL string
	errMsg   string

	session *MsgTokenStatus

	statusLines []statusLine
}

var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("35")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("35")).
			Padding(0, 2)

	styleLinkBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("228")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("35"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	case MsgBanner:
		return m, nil

	case MsgSendingRequest:
		m.state = stateRequesting
		m.request = msg.Method + " " + msg.Path
		m.addStatus(statusInfo, "Sending "+m.request)
		return m, nil

	case MsgAccessTokenRejected:
		m.addStatus(statusWarn, "Access token rejected (401)")
		return m, nil

	case MsgRefreshing:
		m.state = stateRefreshing
		m.addStatus(statusInfo, "Refreshing access token...")
		return m, nil

	case MsgRefreshOK:
		m.addStatus(statusOK, "Token refreshed successfully")
		return m, nil

	case MsgRefreshFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgTokenRefreshedRetrying:
		m.state = stateRequesting
		m.addStatus(statusOK, "Retrying request with the new token...")
		return m, nil

	case MsgSessionExpired:
		m.loginURL = msg.LoginURL
		m.state = stateExpired
		return m, nil

	case MsgAPICallOK:
		m.result = fmt.Sprintf("%s (%d bytes)", msg.Status, msg.Size)
		m.state = stateSuccess
		return m, nil

	case MsgAPICallFailed:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil

	case MsgLoggedIn:
		m.result = "Session stored for " + msg.Profile
		m.state = stateSuccess
		return m, nil

	case MsgLoggedOut:
		m.result = "Logged out of " + msg.Profile
		m.state = stateSuccess
		return m, nil

	case MsgTokenStatus:
		m.session = &msg
		m.state = stateSuccess
		return m, nil

	case MsgTokenSaveFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Warning: failed to save tokens: %v", msg.Err))
		return m, nil

	case MsgFatal:
		if m.state == stateExpired {
			return m, nil
		}
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateExpired:
		return tea.NewView(m.viewExpired())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Console API  "))
	b.WriteString("\n\n")

	b.WriteString(m.spinner.View())
	switch m.state {
	case stateRequesting:
		b.WriteString(" " + m.request + "\n")
	case stateRefreshing:
		b.WriteString(" Refreshing access token...\n")
	default:
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	if m.session != nil {
		b.WriteString(styleOK.Render("  ✓ Session " + m.session.Profile))
		b.WriteString("\n\n")
		b.WriteString(styleBold.Render("Access token:  "))
		b.WriteString(presence(m.session.HasAccessToken) + "\n")
		b.WriteString(styleBold.Render("Refresh token: "))
		b.WriteString(presence(m.session.HasRefreshToken) + "\n")
		if m.session.Subject != "" {
			b.WriteString(styleBold.Render("Subject:       "))
			b.WriteString(m.session.Subject + "\n")
		}
		if !m.session.ExpiresAt.IsZero() {
			b.WriteString(styleBold.Render("Expires:       "))
			b.WriteString(describeExpiry(time.Until(m.session.ExpiresAt)) + "\n")
		}
	} else {
		b.WriteString(styleOK.Render("  ✓ " + m.result))
		b.WriteString("\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewExpired() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleWarn.Render("  ⚠ Session expired"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("Sign in again at:"))
	b.WriteString("\n\n")
	b.WriteString(styleLinkBox.Render("  " + m.loginURL + "  "))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	title := "  ✗ Command failed"
	if m.request != "" {
		title = "  ✗ " + m.request + " failed"
	}
	b.WriteString(styleErr.Render(title))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

// formatDuration formats a duration as "Xh Ym", "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
