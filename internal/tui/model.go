package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/olliecrow/quota_monitor/internal/history"
	"github.com/olliecrow/quota_monitor/internal/notify"
	"github.com/olliecrow/quota_monitor/internal/schedule"
	"github.com/olliecrow/quota_monitor/internal/usage"
)

// Monitor is the slice of the monitoring service the TUI drives.
type Monitor interface {
	FetchQuota(ctx context.Context, force bool) (*usage.Snapshot, error)
	CachedQuota() *usage.Snapshot
	LastError() error
	Level() usage.Level
	Schedule() schedule.State
	Thresholds() notify.Thresholds
	Trend(lookback time.Duration) (history.Trend, bool)
	Subscribe(fn func()) (unsubscribe func())
	Pause(d time.Duration)
	Resume()
}

type Options struct {
	Monitor       Monitor
	Timeout       time.Duration
	PauseDuration time.Duration
	NoColor       bool
	AltScreen     bool
}

type Model struct {
	monitor       Monitor
	timeout       time.Duration
	pauseDuration time.Duration
	updates       chan struct{}

	width  int
	height int

	now time.Time

	refreshing bool
	lastError  string

	snapshot   *usage.Snapshot
	level      usage.Level
	schedule   schedule.State
	thresholds notify.Thresholds
	trend      *history.Trend

	styles styles
}

type styles struct {
	title   lipgloss.Style
	dim     lipgloss.Style
	panel   lipgloss.Style
	label   lipgloss.Style
	value   lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	bad     lipgloss.Style
	accent  lipgloss.Style
	error   lipgloss.Style
	loading lipgloss.Style
}

type clockTickMsg struct {
	at time.Time
}

// monitorUpdateMsg signals that the service published new state.
type monitorUpdateMsg struct{}

type refreshResultMsg struct {
	err error
}

const (
	defaultTimeout       = 30 * time.Second
	defaultPauseDuration = 30 * time.Minute
	barWidth             = 20
)

func NewModel(opts Options) Model {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	pause := opts.PauseDuration
	if pause <= 0 {
		pause = defaultPauseDuration
	}
	m := Model{
		monitor:       opts.Monitor,
		timeout:       timeout,
		pauseDuration: pause,
		updates:       make(chan struct{}, 1),
		now:           time.Now().UTC(),
		level:         usage.LevelNormal,
		styles:        defaultStyles(opts.NoColor),
	}
	m.sync()
	return m
}

func defaultStyles(noColor bool) styles {
	basePanel := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	if noColor {
		return styles{
			title:   lipgloss.NewStyle().Bold(true),
			dim:     lipgloss.NewStyle(),
			panel:   basePanel,
			label:   lipgloss.NewStyle().Bold(true),
			value:   lipgloss.NewStyle(),
			ok:      lipgloss.NewStyle().Bold(true),
			warn:    lipgloss.NewStyle().Bold(true),
			bad:     lipgloss.NewStyle().Bold(true),
			accent:  lipgloss.NewStyle().Bold(true),
			error:   lipgloss.NewStyle().Bold(true),
			loading: lipgloss.NewStyle(),
		}
	}
	return styles{
		title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("24")).Padding(0, 1),
		dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		panel:   basePanel.BorderForeground(lipgloss.Color("61")),
		label:   lipgloss.NewStyle().Foreground(lipgloss.Color("109")),
		value:   lipgloss.NewStyle().Foreground(lipgloss.Color("255")),
		ok:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		warn:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		bad:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		accent:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81")),
		error:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		loading: lipgloss.NewStyle().Foreground(lipgloss.Color("117")),
	}
}

// sync copies the service state into the model. The service guards its own
// state, so this is safe from the update loop.
func (m *Model) sync() {
	if m.monitor == nil {
		return
	}
	m.snapshot = m.monitor.CachedQuota()
	m.level = m.monitor.Level()
	m.schedule = m.monitor.Schedule()
	m.thresholds = m.monitor.Thresholds()
	if err := m.monitor.LastError(); err != nil {
		m.lastError = err.Error()
	} else {
		m.lastError = ""
	}
	if tr, ok := m.monitor.Trend(history.DefaultLookback); ok {
		m.trend = &tr
	} else {
		m.trend = nil
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForUpdate(m.updates), clockCmd())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch v := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(v)
	case tea.WindowSizeMsg:
		m.width = v.Width
		m.height = v.Height
	case clockTickMsg:
		m.now = v.at.UTC()
		return m, clockCmd()
	case monitorUpdateMsg:
		m.sync()
		return m, waitForUpdate(m.updates)
	case refreshResultMsg:
		m.refreshing = false
		m.sync()
		if v.err != nil {
			m.lastError = v.err.Error()
		}
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.monitor == nil {
		if k.String() == "ctrl+c" || k.String() == "q" {
			return m, tea.Quit
		}
		return m, nil
	}
	switch k.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "r":
		if m.refreshing {
			return m, nil
		}
		m.refreshing = true
		return m, refreshCmd(m.monitor, m.timeout)
	case "p":
		m.monitor.Pause(m.pauseDuration)
		m.sync()
	case "P":
		m.monitor.Pause(0)
		m.sync()
	case "u":
		m.monitor.Resume()
		m.sync()
	}
	return m, nil
}

func (m Model) View() string {
	if m.width <= 0 || m.height <= 0 {
		return "initializing..."
	}

	header := m.renderHeader()
	body := m.renderBody()
	keyHint := m.styles.dim.Render("r refresh  p pause " + humanDuration(m.pauseDuration) + "  P pause  u resume  q quit")

	top := lipgloss.JoinVertical(lipgloss.Left, header, body, "")
	combined := pinFooterToBottom(top, keyHint, m.height)
	return clipToViewport(combined, m.width, m.height)
}

func (m Model) renderHeader() string {
	title := m.styles.title.Render(" quota monitor ")

	stateText := "idle"
	stateStyle := m.styles.dim
	switch {
	case m.refreshing || m.schedule.Fetching:
		stateText = "refreshing"
		stateStyle = m.styles.loading
	case m.schedule.Paused:
		stateText = "paused"
		stateStyle = m.styles.warn
	case m.lastError != "":
		stateText = "error"
		stateStyle = m.styles.bad
	case m.snapshot != nil:
		stateText = "healthy"
		stateStyle = m.styles.ok
	}

	left := title + "  " + m.styles.label.Render("state: ") + stateStyle.Render(stateText)
	if bracket := m.scheduleBracket(); bracket != "" {
		left += " " + m.styles.dim.Render(bracket)
	}
	right := m.styles.dim.Render("utc " + m.now.Format("2006-01-02 15:04:05"))
	return joinWithPaddingKeepRight(left, right, m.width)
}

func (m Model) scheduleBracket() string {
	switch {
	case m.schedule.Paused && m.schedule.ResumeAt != nil:
		return "[resumes in " + humanDuration(m.schedule.ResumeAt.Sub(m.now)) + "]"
	case m.schedule.Paused:
		return "[paused until resumed]"
	case m.schedule.NextFetchAt != nil:
		return "[next refresh in " + humanDuration(m.schedule.NextFetchAt.Sub(m.now)) + "]"
	}
	return ""
}

func (m Model) renderBody() string {
	contentWidth := max(20, m.width-4)
	if m.snapshot == nil {
		if m.lastError != "" {
			msg := m.styles.error.Render("last error: " + m.lastError)
			return m.styles.panel.Width(contentWidth).Render(msg)
		}
		return m.styles.panel.Width(contentWidth).Render(m.styles.loading.Render("loading quota data..."))
	}

	sessionTitle := "session window (5h)"
	weeklyTitle := "weekly window (7d)"

	var windowsBlock string
	if contentWidth >= 94 {
		panelOverhead := horizontalOverhead(m.styles.panel)
		panelWidth, spacerWidth := splitEqualPanelContentWidths(contentWidth, panelOverhead)
		spacer := strings.Repeat(" ", spacerWidth)
		leftPanel := m.renderWindowPanel(sessionTitle, m.snapshot.FiveHour, panelWidth)
		rightPanel := m.renderWindowPanel(weeklyTitle, m.snapshot.SevenDay, panelWidth)
		windowsBlock = lipgloss.JoinHorizontal(lipgloss.Top, leftPanel, spacer, rightPanel)
	} else {
		leftPanel := m.renderWindowPanel(sessionTitle, m.snapshot.FiveHour, contentWidth)
		rightPanel := m.renderWindowPanel(weeklyTitle, m.snapshot.SevenDay, contentWidth)
		windowsBlock = lipgloss.JoinVertical(lipgloss.Left, leftPanel, "", rightPanel)
	}

	maxMetaWidth := max(8, contentWidth-4)
	metaLines := []string{
		m.renderLevelLine(),
		m.renderIntervalLine(),
		m.renderTrendLine(),
		m.renderFetchedLine(),
		m.renderStatusLine(),
	}
	for i := range metaLines {
		metaLines[i] = ansi.Truncate(metaLines[i], maxMetaWidth, "...")
	}

	metaPanel := m.styles.panel.Width(contentWidth).Render(strings.Join(metaLines, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, windowsBlock, metaPanel)
}

func (m Model) renderWindowPanel(title string, win usage.WindowSummary, maxWidth int) string {
	style := m.utilizationStyle(win.Utilization)

	reset := "unknown"
	if win.ResetsAt != nil {
		reset = win.ResetsAt.UTC().Format("2006-01-02 15:04:05 UTC")
	}
	remaining := "unknown"
	if win.SecondsUntilReset != nil {
		if *win.SecondsUntilReset <= 0 {
			remaining = "resetting"
		} else {
			remaining = humanDuration(time.Duration(*win.SecondsUntilReset) * time.Second)
		}
	}

	lines := []string{
		m.styles.accent.Render(title),
		m.styles.label.Render("used: ") + style.Render(fmt.Sprintf("%.1f%%", win.Utilization)) + " " + style.Render(progressBar(win.Utilization, barWidth)),
		m.styles.label.Render("resets at: ") + m.styles.value.Render(reset),
		m.styles.label.Render("resets in: ") + m.styles.value.Render(remaining),
		m.styles.label.Render("window elapsed: ") + m.styles.value.Render(fmt.Sprintf("%.0f%%", win.ResetProgress)),
	}
	for i := range lines {
		lines[i] = ansi.Truncate(lines[i], max(4, maxWidth), "...")
	}
	return m.styles.panel.Width(max(20, maxWidth)).Render(strings.Join(lines, "\n"))
}

func (m Model) renderLevelLine() string {
	style := m.styles.ok
	switch m.level {
	case usage.LevelCritical:
		style = m.styles.bad
	case usage.LevelWarning:
		style = m.styles.warn
	}
	thresholds := fmt.Sprintf(" (warning %.0f%%, critical %.0f%%)", m.thresholds.Warning, m.thresholds.Critical)
	return m.styles.label.Render("level: ") + style.Render(string(m.level)) + m.styles.dim.Render(thresholds)
}

func (m Model) renderIntervalLine() string {
	mode := "fixed"
	if m.schedule.Adaptive {
		mode = "adaptive"
	}
	interval := m.schedule.Interval
	if interval <= 0 {
		interval = m.schedule.BaseInterval
	}
	value := fmt.Sprintf("every %s (%s, base %s)", humanDuration(interval), mode, humanDuration(m.schedule.BaseInterval))
	return m.styles.label.Render("polling: ") + m.styles.value.Render(value)
}

func (m Model) renderTrendLine() string {
	label := m.styles.label.Render("trend (" + humanDuration(history.DefaultLookback) + "): ")
	if m.trend == nil {
		return label + m.styles.dim.Render("collecting samples")
	}
	return label + m.styles.value.Render(fmt.Sprintf(
		"session %s, weekly %s",
		trendText(m.trend.FiveHour),
		trendText(m.trend.SevenDay),
	))
}

func (m Model) renderFetchedLine() string {
	value := "never"
	if m.snapshot != nil && !m.snapshot.FetchedAt.IsZero() {
		value = m.snapshot.FetchedAt.UTC().Format("15:04:05") + " UTC (" + humanDuration(m.now.Sub(m.snapshot.FetchedAt)) + " ago)"
	}
	return m.styles.label.Render("last fetch: ") + m.styles.value.Render(value)
}

func (m Model) renderStatusLine() string {
	if m.lastError != "" {
		return m.styles.error.Render("error [fetch]: " + m.lastError)
	}
	if m.refreshing || m.schedule.Fetching {
		return m.styles.loading.Render("status [fetch]: refreshing")
	}
	return m.styles.ok.Render("status [fetch]: ok")
}

func (m Model) utilizationStyle(percent float64) lipgloss.Style {
	switch {
	case m.thresholds.Critical > 0 && percent >= m.thresholds.Critical:
		return m.styles.bad
	case m.thresholds.Warning > 0 && percent >= m.thresholds.Warning:
		return m.styles.warn
	default:
		return m.styles.ok
	}
}

func trendText(t history.WindowTrend) string {
	return fmt.Sprintf("%s %+.1f%%/h", t.Direction, t.Delta)
}

func progressBar(percent float64, width int) string {
	if width <= 0 {
		return ""
	}
	filled := int(percent/100*float64(width) + 0.5)
	filled = min(max(filled, 0), width)
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

func clockCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg {
		return clockTickMsg{at: t}
	})
}

func waitForUpdate(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return monitorUpdateMsg{}
	}
}

func refreshCmd(mon Monitor, timeout time.Duration) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_, err := mon.FetchQuota(ctx, true)
		return refreshResultMsg{err: err}
	}
}

// Run blocks until the user quits. The caller starts the service's
// scheduler; the TUI only observes it and issues commands.
func Run(opts Options) error {
	model := NewModel(opts)
	if opts.Monitor != nil {
		unsubscribe := opts.Monitor.Subscribe(func() {
			select {
			case model.updates <- struct{}{}:
			default:
			}
		})
		defer unsubscribe()
	}
	progOpts := []tea.ProgramOption{}
	if opts.AltScreen {
		progOpts = append(progOpts, tea.WithAltScreen())
	}
	prog := tea.NewProgram(model, progOpts...)
	_, err := prog.Run()
	return err
}

func joinWithPaddingKeepRight(left, right string, width int) string {
	if width <= 0 {
		return ""
	}
	rightWidth := lipgloss.Width(right)
	if rightWidth >= width {
		return truncateRunes(right, width)
	}
	maxLeftWidth := max(0, width-rightWidth-1)
	left = truncateRunes(left, maxLeftWidth)
	leftWidth := lipgloss.Width(left)
	padding := max(1, width-leftWidth-rightWidth)
	return left + strings.Repeat(" ", padding) + right
}

func truncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	return ansi.Truncate(s, maxRunes, "")
}

func clipToViewport(s string, width, height int) string {
	if width <= 0 || height <= 0 {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > height {
		lines = lines[:height]
	}
	for i := range lines {
		lines[i] = truncateRunes(lines[i], width)
		pad := width - lipgloss.Width(lines[i])
		if pad > 0 {
			lines[i] += strings.Repeat(" ", pad)
		}
	}
	for len(lines) < height {
		lines = append(lines, strings.Repeat(" ", width))
	}
	return strings.Join(lines, "\n")
}

func pinFooterToBottom(top, footer string, height int) string {
	if height <= 0 {
		return ""
	}
	var footerLines, topLines []string
	if footer != "" {
		footerLines = strings.Split(footer, "\n")
	}
	if top != "" {
		topLines = strings.Split(top, "\n")
	}

	maxTopLines := max(0, height-len(footerLines))
	if len(topLines) > maxTopLines {
		topLines = topLines[:maxTopLines]
	}
	for len(topLines) < maxTopLines {
		topLines = append(topLines, "")
	}

	all := append(topLines, footerLines...)
	return strings.Join(all, "\n")
}

func humanDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return d.String()
	}
	if d < time.Hour {
		if s := int(d.Seconds()) % 60; s != 0 {
			return fmt.Sprintf("%dm%ds", int(d.Minutes()), s)
		}
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
}

// splitEqualPanelContentWidths keeps both top panels the same width so that
// 2*(panel content + overhead) + spacer matches the bottom panel.
func splitEqualPanelContentWidths(contentWidth, panelOverhead int) (panelWidth int, spacerWidth int) {
	if contentWidth <= 0 {
		return 0, 0
	}
	usable := contentWidth - panelOverhead
	if usable < 3 {
		return 1, 1
	}
	if usable%2 == 0 {
		spacerWidth = 2
	} else {
		spacerWidth = 1
	}
	panelWidth = max(1, (usable-spacerWidth)/2)
	return panelWidth, spacerWidth
}

func horizontalOverhead(style lipgloss.Style) int {
	// Probe with a stable non-trivial width to avoid edge-case minimum sizing.
	const probeWidth = 40
	overhead := lipgloss.Width(style.Width(probeWidth).Render("")) - probeWidth
	if overhead < 0 {
		return 0
	}
	return overhead
}
