package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"coach/conversation"
	"coach/log"
	"coach/room"
	"coach/session"
)

// TUI message types
type stateMsg struct{ From, To session.State }
type turnMsg struct{ Turn conversation.Turn }
type transcriptMsg struct{ Text string }
type feedbackMsg struct{ Text string }
type noticeMsg struct{ Text string }
type tickMsg time.Time

const (
	eyeWidth     = 40
	feedbackWait = 45 * time.Second
)

type tuiModel struct {
	app *tui

	state         session.State
	since         time.Time
	frame         int
	width, height int
	turns         []conversation.Turn
	live          []string // finalized fragments of the answer in progress
	feedback      string
	summarizing   bool
	notice        string
}

// tui runs the Bubble Tea program. The controller is attached in run, before
// the program starts reading keys.
type tui struct {
	info    room.Info
	mode    string
	device  string
	ctrl    *session.Controller
	program *tea.Program
}

func newTUI(info room.Info, mode, device string) *tui {
	t := &tui{info: info, mode: mode, device: device}
	t.program = tea.NewProgram(tuiModel{app: t, since: time.Now()}, tea.WithAltScreen())
	return t
}

func (t *tui) listener() session.Listener { return tuiListener{p: t.program} }

func (t *tui) quit() { t.program.Quit() }

func (t *tui) run(ctrl *session.Controller) int {
	t.ctrl = ctrl
	_, err := t.program.Run()
	ctrl.Stop()
	if err != nil {
		log.Errorf("TUI error: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if len(ctrl.History().ByRole(conversation.RoleUser)) == 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), feedbackWait)
	defer cancel()
	if fb, err := ctrl.Feedback(ctx); err == nil {
		fmt.Printf("Feedback from %s:\n%s\n", ctrl.Expert(), fb)
	}
	return 0
}

// tuiListener forwards session events into the program. Send blocks until
// the program takes the message, so model code must never call back into
// the controller synchronously.
type tuiListener struct{ p *tea.Program }

func (l tuiListener) OnState(from, to session.State) { l.p.Send(stateMsg{From: from, To: to}) }
func (l tuiListener) OnTurn(t conversation.Turn)     { l.p.Send(turnMsg{Turn: t}) }
func (l tuiListener) OnTranscript(text string)       { l.p.Send(transcriptMsg{Text: text}) }
func (l tuiListener) OnFeedback(text string)         { l.p.Send(feedbackMsg{Text: text}) }

func tuiTick() tea.Cmd {
	return tea.Tick(60*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) startCmd() tea.Cmd {
	ctrl := m.app.ctrl
	return func() tea.Msg {
		err := ctrl.Start(context.Background())
		switch {
		case err == nil:
			return nil
		case errors.Is(err, session.ErrBusy):
			return noticeMsg{Text: "Interview already running"}
		case errors.Is(err, session.ErrEnded):
			return noticeMsg{Text: "This session has ended. Press q to quit."}
		default:
			// The controller has already written a system turn explaining it.
			log.Warnf("start: %v", err)
			return nil
		}
	}
}

func (m tuiModel) stopCmd() tea.Cmd {
	ctrl := m.app.ctrl
	return func() tea.Msg {
		ctrl.Stop()
		return nil
	}
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Sequence(m.stopCmd(), tea.Quit)
		case "s":
			if m.state.IsTerminal() {
				m.notice = "This session has ended. Press q to quit."
				return m, nil
			}
			m.notice = ""
			return m, m.startCmd()
		case "e":
			if m.state.IsTerminal() {
				return m, nil
			}
			m.notice = ""
			return m, m.stopCmd()
		}

	case tickMsg:
		m.frame++
		return m, tuiTick()

	case stateMsg:
		m.state = msg.To
		m.since = time.Now()
		if msg.To == session.Capturing {
			m.live = nil
		}
		if msg.To == session.Ended {
			m.summarizing = true
		}

	case turnMsg:
		m.turns = append(m.turns, msg.Turn)
		if msg.Turn.Role == conversation.RoleUser {
			m.live = nil
		}

	case transcriptMsg:
		m.live = append(m.live, msg.Text)

	case feedbackMsg:
		m.summarizing = false
		m.feedback = msg.Text

	case noticeMsg:
		m.notice = msg.Text
	}
	return m, nil
}

var (
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	helpKeyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	expertStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Italic(true)
	liveStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Italic(true)
	noticeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	feedbackStyle  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("42")).
			Padding(0, 1)
)

func stateLine(s session.State, since time.Duration) string {
	switch s {
	case session.Capturing:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true).
			Render(fmt.Sprintf("● LISTENING %.1fs", since.Seconds()))
	case session.AwaitingTranscript:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Render("◌ TRANSCRIBING")
	case session.Generating:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Render("◌ THINKING")
	case session.Cooldown:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Render("◌ YOUR TURN NEXT")
	case session.Ended:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("■ ENDED")
	}
	return dimStyle.Render("○ STANDBY")
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}
	app := m.app

	left := renderEye(m.frame, m.state)
	var info []string
	info = append(info, expertStyle.Render(app.info.ExpertName))
	info = append(info, dimStyle.Render(app.info.CoachingOption+": "+app.info.Topic))
	info = append(info, "")
	info = append(info, stateLine(m.state, time.Since(m.since)))
	info = append(info, dimStyle.Render("stt: "+app.mode))
	info = append(info, dimStyle.Render("mic: "+app.device))
	if m.notice != "" {
		info = append(info, noticeStyle.Render(m.notice))
	}
	info = append(info, "")
	info = append(info, helpKeyStyle.Render("s")+helpStyle.Render(" start interview  ")+
		helpKeyStyle.Render("e")+helpStyle.Render(" end interview"))
	info = append(info, helpKeyStyle.Render("q")+helpStyle.Render(" quit"))
	info = append(info, helpStyle.Render("coach "+version))
	left += strings.Join(info, "\n")

	chatWidth := m.width - eyeWidth - 1
	if chatWidth < 20 {
		chatWidth = 20
	}
	wrapWidth := chatWidth - 2
	if wrapWidth < 10 {
		wrapWidth = 10
	}

	var chat []string
	for _, t := range m.turns {
		chat = append(chat, renderTurn(t, app.info.ExpertName, wrapWidth)...)
		chat = append(chat, "")
	}
	if len(m.live) > 0 {
		for _, line := range wrapText(strings.Join(m.live, " "), wrapWidth) {
			chat = append(chat, liveStyle.Render(line))
		}
	}
	if len(chat) == 0 {
		chat = append(chat, dimStyle.Render("Press s to start the interview"))
	}

	var tail []string
	switch {
	case m.feedback != "":
		body := strings.Join(wrapText(m.feedback, wrapWidth-4), "\n")
		tail = strings.Split(feedbackStyle.Render("Feedback\n\n"+body), "\n")
	case m.summarizing:
		tail = []string{dimStyle.Render("Preparing feedback...")}
	}

	// Keep the newest lines visible.
	avail := m.height - len(tail)
	if avail < 1 {
		avail = 1
	}
	if len(chat) > avail {
		chat = chat[len(chat)-avail:]
	}
	chat = append(chat, tail...)

	chatPanel := lipgloss.NewStyle().
		Width(chatWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(strings.Join(chat, "\n"))
	eyePanel := lipgloss.NewStyle().
		Width(eyeWidth - 1).
		Height(m.height).
		Render(left)

	return lipgloss.JoinHorizontal(lipgloss.Top, eyePanel, chatPanel)
}

func renderTurn(t conversation.Turn, expert string, width int) []string {
	var style lipgloss.Style
	var who string
	switch t.Role {
	case conversation.RoleUser:
		style, who = userStyle, "You"
	case conversation.RoleAssistant:
		style, who = assistantStyle, expert
	default:
		style = systemStyle
	}
	var lines []string
	if who != "" {
		lines = append(lines, dimStyle.Render(who+"  "+t.Timestamp.Format("15:04:05")))
	}
	for _, line := range wrapText(t.Text, width) {
		lines = append(lines, style.Render(line))
	}
	return lines
}

// Ring colours per state, innermost first.
var eyePalettes = map[session.State][]string{
	session.Idle:               {"250", "247", "244", "241", "238", "236"},
	session.Capturing:          {"226", "214", "208", "196", "160", "88"},
	session.AwaitingTranscript: {"159", "117", "75", "33", "27", "19"},
	session.Generating:         {"230", "228", "220", "178", "136", "94"},
	session.Cooldown:           {"195", "153", "111", "69", "61", "60"},
	session.Ended:              {"157", "120", "84", "42", "35", "22"},
}

// renderEye draws concentric rings with half-block characters, two pixel
// rows per text row. The rings breathe faster while listening.
func renderEye(frame int, s session.State) string {
	const charsW = eyeWidth - 4
	const charsH = 13
	const pixH = charsH * 2

	palette, ok := eyePalettes[s]
	if !ok {
		palette = eyePalettes[session.Idle]
	}
	speed := 0.08
	amp := 0.04
	switch s {
	case session.Capturing:
		speed, amp = 0.25, 0.12
	case session.Generating, session.AwaitingTranscript:
		speed, amp = 0.15, 0.06
	}
	breathe := 1 + math.Sin(float64(frame)*speed)*amp

	cx, cy := float64(charsW)/2, float64(pixH)/2
	maxR := float64(pixH) / 2 * 0.9
	pixel := func(x, y int) int {
		dx := float64(x) - cx
		dy := float64(y) - cy
		dist := math.Sqrt(dx*dx+dy*dy) / breathe
		ring := int(dist / (maxR / float64(len(palette))))
		if ring >= len(palette) {
			return -1
		}
		return ring
	}

	var b strings.Builder
	for row := 0; row < charsH; row++ {
		for x := 0; x < charsW; x++ {
			top, bot := pixel(x, row*2), pixel(x, row*2+1)
			switch {
			case top < 0 && bot < 0:
				b.WriteString(" ")
			case top == bot:
				b.WriteString(fg(palette[top]).Render("█"))
			case bot < 0:
				b.WriteString(fg(palette[top]).Render("▀"))
			case top < 0:
				b.WriteString(fg(palette[bot]).Render("▄"))
			default:
				b.WriteString(fg(palette[top]).Background(lipgloss.Color(palette[bot])).Render("▀"))
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func fg(c string) lipgloss.Style { return lipgloss.NewStyle().Foreground(lipgloss.Color(c)) }

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for _, para := range strings.Split(text, "\n") {
		r := []rune(para)
		for len(r) > width {
			// Find last space within width
			splitAt := width
			for i := width; i > 0; i-- {
				if r[i] == ' ' {
					splitAt = i
					break
				}
			}
			lines = append(lines, string(r[:splitAt]))
			r = []rune(strings.TrimLeft(string(r[splitAt:]), " "))
		}
		lines = append(lines, string(r))
	}
	return lines
}
