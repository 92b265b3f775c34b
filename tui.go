package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"voicelink/audio"
	"voicelink/credential"
	"voicelink/log"
	"voicelink/protocol"
	"voicelink/session"
)

// TUI message types
type statusMsg struct{ To session.Status }
type transcriptionMsg struct{ Text string }
type machinesMsg struct{}
type noticeMsg struct {
	Text     string
	Blocking bool
}
type recordingTickMsg struct{ Seconds int }
type recordingStartedMsg struct{ Err error }
type streamDoneMsg struct {
	Stats session.StreamStats
	Err   error
}
type actionMsg struct {
	What string
	Err  error
}
type frameMsg time.Time

// tuiSink forwards events into the running program.
type tuiSink struct{ p *tea.Program }

func (s tuiSink) StatusChanged(_, to session.Status, _ string) { s.p.Send(statusMsg{To: to}) }
func (s tuiSink) Transcription(text string)                    { s.p.Send(transcriptionMsg{Text: text}) }
func (s tuiSink) Machines([]protocol.Machine)                  { s.p.Send(machinesMsg{}) }
func (s tuiSink) MachineUpdated(protocol.Machine)              { s.p.Send(machinesMsg{}) }
func (s tuiSink) RecordingTick(seconds int)                    { s.p.Send(recordingTickMsg{Seconds: seconds}) }
func (s tuiSink) RecordingInterrupted(stats session.StreamStats) {
	s.p.Send(streamDoneMsg{Stats: stats})
}

func (s tuiSink) Notice(err *session.Error) {
	s.p.Send(noticeMsg{Text: err.Error(), Blocking: err.Blocking()})
}

func (s tuiSink) MachineNotice(key, message string) {
	s.p.Send(noticeMsg{Text: key + ": " + message})
}

func (s tuiSink) CredentialSaved(c credential.Credential) {
	s.p.Send(noticeMsg{Text: "credential saved (" + c.ID + ")"})
}

type tuiModel struct {
	ctx context.Context
	a   *app
	tgt target

	snap          session.Snapshot
	frame         int
	width, height int
	recording     bool
	seconds       int
	cursor        int
	transcripts   int
	copied        bool
	notice        string
	noticeAlert   bool
	lastStats     []string
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	helpKeyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	textStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	alertStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cursorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true)

	statusStyles = map[session.Status]lipgloss.Style{
		session.Disconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		session.Connecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		session.Connected:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
	machineStyles = map[protocol.MachineState]lipgloss.Style{
		protocol.MachineConnect:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		protocol.MachineDisconnect: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		protocol.MachineBusy:       lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		protocol.MachineOffline:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
)

// Orb palettes, indexed by ring. 0 is empty.
var (
	orbColors = map[string][]string{
		"idle":       {"", "250", "248", "246", "244", "242", "240", "238", "236"},
		"connecting": {"", "230", "228", "226", "220", "214", "178", "136", "94"},
		"connected":  {"", "158", "121", "84", "48", "42", "35", "29", "22"},
		"recording":  {"", "226", "220", "214", "208", "196", "160", "124", "88"},
	}
	orbStyles = map[string][]lipgloss.Style{}
)

func init() {
	for name, colors := range orbColors {
		styles := make([]lipgloss.Style, len(colors))
		for i, c := range colors {
			if c != "" {
				styles[i] = lipgloss.NewStyle().Foreground(lipgloss.Color(c))
			}
		}
		orbStyles[name] = styles
	}
}

func newTUIModel(ctx context.Context, a *app, tgt target) tuiModel {
	return tuiModel{ctx: ctx, a: a, tgt: tgt, snap: a.session.Snapshot()}
}

// runTUI runs the terminal UI until the user quits or ctx ends.
func runTUI(ctx context.Context, a *app, tgt target) error {
	p := tea.NewProgram(newTUIModel(ctx, a, tgt), tea.WithAltScreen(), tea.WithContext(ctx))
	sink := tuiSink{p: p}
	a.setSink(sink)
	defer a.setSink(nil)

	events, unsubscribe := a.session.Subscribe()
	defer unsubscribe()
	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go pumpEvents(pumpCtx, events, sink)

	log.SessionStart(tgt.endpoint, "tui")
	if tgt.valid() {
		if err := a.session.Connect(ctx, tgt.endpoint, tgt.secret); err != nil {
			log.Warnf("connect: %v", err)
		}
	}

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func frameTick() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(t time.Time) tea.Msg {
		return frameMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return frameTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		return m.handleKey(msg)

	case frameMsg:
		m.frame++
		return m, frameTick()

	case statusMsg:
		m.snap = m.a.session.Snapshot()
		if msg.To == session.Connecting {
			m.notice, m.noticeAlert = "", false
		}

	case transcriptionMsg:
		m.snap = m.a.session.Snapshot()
		m.transcripts++
		m.copied = false

	case machinesMsg:
		m.snap = m.a.session.Snapshot()
		m.cursor = min(m.cursor, max(len(m.snap.Machines)-1, 0))

	case noticeMsg:
		m.snap = m.a.session.Snapshot()
		m.notice, m.noticeAlert = msg.Text, msg.Blocking

	case recordingTickMsg:
		m.seconds = msg.Seconds

	case recordingStartedMsg:
		if msg.Err != nil {
			m.recording = false
			m.notice, m.noticeAlert = recordingError(msg.Err), true
		}

	case streamDoneMsg:
		m.recording = false
		m.seconds = 0
		switch {
		case msg.Err != nil:
			m.notice, m.noticeAlert = msg.Err.Error(), false
		case msg.Stats.Interrupted:
			m.notice, m.noticeAlert = "recording stopped: connection lost", true
			m.lastStats = msg.Stats.Lines()
		default:
			m.lastStats = msg.Stats.Lines()
		}

	case actionMsg:
		if msg.Err != nil {
			m.notice, m.noticeAlert = msg.What+": "+msg.Err.Error(), false
		} else if msg.What == "copy" {
			m.copied = true
		}
	}
	return m, nil
}

func recordingError(err error) string {
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return "microphone unavailable: " + err.Error()
	case errors.Is(err, session.ErrNotConnected):
		return "connect before recording"
	}
	return "recording: " + err.Error()
}

func (m tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	ctx, a := m.ctx, m.a
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit

	case " ":
		if m.recording {
			return m, func() tea.Msg {
				stats, err := a.stopRecording()
				return streamDoneMsg{Stats: stats, Err: err}
			}
		}
		m.recording = true
		m.seconds = 0
		return m, func() tea.Msg {
			return recordingStartedMsg{Err: a.startRecording(ctx)}
		}

	case "n":
		tgt := m.connectTarget()
		return m, func() tea.Msg {
			return actionMsg{What: "connect", Err: a.session.Connect(ctx, tgt.endpoint, tgt.secret)}
		}

	case "d":
		return m, func() tea.Msg {
			return actionMsg{What: "disconnect", Err: a.session.Disconnect(ctx)}
		}

	case "r":
		return m, func() tea.Msg {
			return actionMsg{What: "reload", Err: a.session.SendMachineCommand(ctx, session.ReloadMachines, "")}
		}

	case "up", "k", "shift+tab":
		if m.cursor > 0 {
			m.cursor--
		}

	case "down", "j", "tab":
		if m.cursor < len(m.snap.Machines)-1 {
			m.cursor++
		}

	case "enter":
		if m.cursor >= len(m.snap.Machines) {
			return m, nil
		}
		machine := m.snap.Machines[m.cursor]
		var cmd session.MachineCommand
		switch machine.State {
		case protocol.MachineConnect:
			cmd = session.ConnectMachine
		case protocol.MachineDisconnect:
			cmd = session.DisconnectMachine
		default:
			m.notice, m.noticeAlert = fmt.Sprintf("%s is %s", machine.Name, strings.ToLower(string(machine.State))), false
			return m, nil
		}
		return m, func() tea.Msg {
			return actionMsg{What: cmd.String(), Err: a.session.SendMachineCommand(ctx, cmd, machine.Key)}
		}

	case "a":
		text := m.snap.LastTranscription
		if text == "" {
			return m, nil
		}
		return m, func() tea.Msg {
			return actionMsg{What: "analyze", Err: a.analyze(ctx, text)}
		}

	case "c":
		text := m.snap.LastTranscription
		if text == "" {
			return m, nil
		}
		return m, func() tea.Msg {
			return actionMsg{What: "copy", Err: clipboard.WriteAll(text)}
		}
	}
	return m, nil
}

// connectTarget is the startup target, else the most recently saved
// credential.
func (m tuiModel) connectTarget() target {
	if m.tgt.valid() {
		return m.tgt
	}
	if creds := m.a.creds.List(); len(creds) > 0 {
		c := creds[len(creds)-1]
		return target{endpoint: c.Endpoint, secret: c.Secret, source: "saved"}
	}
	return m.tgt
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	const leftWidth = 34
	var left []string
	left = append(left, strings.Split(renderOrb(m.frame, m.orbState()), "\n")...)

	status := statusStyles[m.snap.Status].Render("● " + strings.ToUpper(m.snap.Status.String()))
	left = append(left, status)
	if m.snap.Endpoint != "" {
		left = append(left, dimStyle.Render(truncate(m.snap.Endpoint, leftWidth-2)))
	}
	if m.recording {
		left = append(left, alertStyle.Render("● REC "+audio.FormatDuration(m.seconds)))
	} else {
		left = append(left, dimStyle.Render("○ idle"))
	}
	if !m.a.recorder.PermissionsGranted() {
		left = append(left, warnStyle.Render("⚠ microphone unavailable"))
	} else if name := m.a.recorder.DeviceName(); name != "" {
		line := "mic: " + name
		if audio.IsBluetooth(name) {
			line += " (BT!)"
		}
		left = append(left, dimStyle.Render(truncate(line, leftWidth-2)))
	}

	left = append(left, "")
	for _, h := range [][2]string{
		{"space", "record"}, {"n", "connect"}, {"d", "disconnect"},
		{"r", "reload machines"}, {"enter", "toggle machine"},
		{"a", "analyze"}, {"c", "copy"}, {"q", "quit"},
	} {
		left = append(left, helpKeyStyle.Render(fmt.Sprintf("%-6s", h[0]))+helpStyle.Render(h[1]))
	}
	left = append(left, helpStyle.Render("voicelink "+version))

	rightWidth := max(m.width-leftWidth-1, 20)
	wrapWidth := max(rightWidth-2, 10)
	var right strings.Builder

	if m.notice != "" {
		style := warnStyle
		if m.noticeAlert {
			style = alertStyle
		}
		for _, line := range wrapText(m.notice, wrapWidth) {
			right.WriteString(style.Render(line) + "\n")
		}
		right.WriteString("\n")
	}

	right.WriteString(titleStyle.Render(fmt.Sprintf("Machines (%d)", len(m.snap.Machines))) + "\n")
	if len(m.snap.Machines) == 0 {
		right.WriteString(dimStyle.Render("none") + "\n")
	}
	for i, mc := range m.snap.Machines {
		prefix := "  "
		if i == m.cursor {
			prefix = cursorStyle.Render("▶ ")
		}
		right.WriteString(prefix + mc.Name + " " + machineStyles[mc.State].Render("["+string(mc.State)+"]") + "\n")
	}
	right.WriteString("\n")

	if text := m.snap.LastTranscription; text != "" {
		right.WriteString(titleStyle.Render(fmt.Sprintf("Last transcription (#%d)", m.transcripts)) + "\n\n")
		lines := wrapText(text, wrapWidth)
		for i, line := range lines {
			right.WriteString(textStyle.Render(line))
			if i == len(lines)-1 && m.copied {
				right.WriteString(" " + okStyle.Render("[✓ copied]"))
			}
			right.WriteString("\n")
		}
	} else {
		right.WriteString(dimStyle.Render("No transcriptions yet") + "\n")
	}

	if len(m.lastStats) > 0 {
		right.WriteString("\n")
		for _, l := range m.lastStats {
			right.WriteString(dimStyle.Render(l) + "\n")
		}
	}

	leftPanel := lipgloss.NewStyle().Width(leftWidth).Height(m.height).Render(strings.Join(left, "\n"))
	rightPanel := lipgloss.NewStyle().Width(rightWidth).Height(m.height).PaddingLeft(1).Render(right.String())
	return lipgloss.JoinHorizontal(lipgloss.Top, leftPanel, rightPanel)
}

func (m tuiModel) orbState() string {
	switch {
	case m.recording:
		return "recording"
	case m.snap.Status == session.Connected:
		return "connected"
	case m.snap.Status == session.Connecting:
		return "connecting"
	}
	return "idle"
}

// renderOrb draws concentric rings with half-block characters, two pixel
// rows per line. The rings breathe with frame.
func renderOrb(frame int, state string) string {
	const charsW, charsH = 24, 8
	const pixH = charsH * 2
	styles := orbStyles[state]
	rings := len(styles) - 1

	speed := 0.08
	if state == "recording" {
		speed = 0.2
	}
	breathe := math.Sin(float64(frame)*speed) * 0.6

	pixel := func(x, y int) int {
		dx := float64(x) - charsW/2 + 0.5
		dy := float64(y) - pixH/2 + 0.5
		dist := math.Sqrt(dx*dx + dy*dy)
		for r := 1; r <= rings; r++ {
			if dist < float64(r)+breathe*float64(r)/float64(rings) {
				return r
			}
		}
		return 0
	}

	var b strings.Builder
	for cy := 0; cy < charsH; cy++ {
		for cx := 0; cx < charsW; cx++ {
			top, bot := pixel(cx, cy*2), pixel(cx, cy*2+1)
			switch {
			case top == 0 && bot == 0:
				b.WriteString(" ")
			case top != 0 && (bot == 0 || bot == top):
				ch := "▀"
				if top == bot {
					ch = "█"
				}
				b.WriteString(styles[top].Render(ch))
			default:
				b.WriteString(styles[bot].Render("▄"))
			}
		}
		if cy < charsH-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if n <= 1 || len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
