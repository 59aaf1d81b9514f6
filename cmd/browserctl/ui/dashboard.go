package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"browserctl/internal/browser"
	"browserctl/internal/store"
	"browserctl/internal/tasks"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
)

const (
	maxEventLines = 8
	maxTaskLines  = 10
)

// Session is the part of a browser.Controller the dashboard drives.
type Session interface {
	State() browser.State
	Subscribe() (<-chan browser.State, func())
	Create(ctx context.Context) (*browser.Session, error)
	Stop(ctx context.Context) error
}

// TaskQueue is the part of a tasks.Client the dashboard drives.
type TaskQueue interface {
	Tasks() []store.Task
	Selected() (store.Task, bool)
	Select(id string) error
	Submit(ctx context.Context, in tasks.NewTask) (*store.Task, error)
	Delete(ctx context.Context, id string) error
	Updates() <-chan struct{}
}

type (
	stateMsg      browser.State
	tasksMsg      struct{}
	actionDoneMsg struct {
		op  string
		err error
	}
	submitDoneMsg struct {
		task *store.Task
		err  error
	}
	deleteDoneMsg struct {
		id  string
		err error
	}
)

// Model is the bubbletea model of the watch dashboard.
type Model struct {
	session Session
	queue   TaskQueue
	states  <-chan browser.State
	unsub   func()
	timeout time.Duration

	state      browser.State
	tasks      []store.Task
	current    store.Task
	hasCurrent bool

	busy     string // operation in flight
	flash    string
	flashErr bool

	input    textinput.Model
	detail   viewport.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer
	styles   Styles

	width, height int
	quitting      bool
}

// New builds the dashboard for one project. Requests issued from the
// dashboard are bounded by timeout.
func New(session Session, queue TaskQueue, timeout time.Duration) Model {
	styles := DefaultStyles()

	ti := textinput.New()
	ti.Placeholder = "Describe a task for the browser agent (enter to submit, esc to cancel)"
	ti.CharLimit = 2000
	ti.Width = 74

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Spinner

	states, unsub := session.Subscribe()
	m := Model{
		session: session,
		queue:   queue,
		states:  states,
		unsub:   unsub,
		timeout: timeout,
		state:   session.State(),
		input:   ti,
		detail:  viewport.New(76, 8),
		spinner: sp,
		styles:  styles,
		width:   80,
		height:  24,
	}
	m.refreshTasks()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitForState(m.states),
		waitForTasks(m.queue.Updates()),
		m.spinner.Tick,
	)
}

func waitForState(ch <-chan browser.State) tea.Cmd {
	return func() tea.Msg {
		st, ok := <-ch
		if !ok {
			return nil
		}
		return stateMsg(st)
	}
}

func waitForTasks(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return tasksMsg{}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.Width = max(msg.Width-6, 10)
		m.detail.Width = max(msg.Width-4, 10)
		m.detail.Height = max(msg.Height/3, 4)
		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(m.detail.Width-2),
		)
		m.refreshDetail()
		return m, nil

	case stateMsg:
		m.state = browser.State(msg)
		return m, waitForState(m.states)

	case tasksMsg:
		m.refreshTasks()
		return m, waitForTasks(m.queue.Updates())

	case actionDoneMsg:
		m.busy = ""
		if msg.err != nil {
			m.setFlash(fmt.Sprintf("%s failed: %v", msg.op, msg.err), true)
		} else {
			m.setFlash(msg.op+" done", false)
		}
		m.state = m.session.State()
		return m, nil

	case submitDoneMsg:
		m.busy = ""
		var de *tasks.DispatchError
		switch {
		case errors.As(msg.err, &de):
			m.setFlash(fmt.Sprintf("task %s stored, dispatch failed: %v", shortID(de.TaskID), de.Err), true)
		case msg.err != nil:
			m.setFlash("submit failed: "+msg.err.Error(), true)
		default:
			m.setFlash("submitted task "+shortID(msg.task.ID), false)
		}
		m.refreshTasks()
		return m, nil

	case deleteDoneMsg:
		if msg.err != nil {
			m.setFlash("delete failed: "+msg.err.Error(), true)
		} else {
			m.setFlash("deleted task "+shortID(msg.id), false)
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		return m.quit()
	}

	if m.input.Focused() {
		switch msg.Type {
		case tea.KeyEsc, tea.KeyTab:
			m.input.Blur()
			return m, nil
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.input.Reset()
			m.input.Blur()
			m.busy = "submit"
			return m, tea.Batch(m.spinner.Tick, m.submit(text))
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q":
		return m.quit()
	case "s":
		if m.busy != "" {
			return m, nil
		}
		m.busy = "start"
		return m, tea.Batch(m.spinner.Tick, m.action("start", func(ctx context.Context) error {
			_, err := m.session.Create(ctx)
			return err
		}))
	case "x":
		if m.busy != "" {
			return m, nil
		}
		m.busy = "stop"
		return m, tea.Batch(m.spinner.Tick, m.action("stop", m.session.Stop))
	case "up", "k":
		m.moveSelection(-1)
	case "down", "j":
		m.moveSelection(1)
	case "d":
		if m.hasCurrent {
			return m, m.remove(m.current.ID)
		}
	case "enter", "tab", "i":
		cmd := m.input.Focus()
		return m, cmd
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.detail, cmd = m.detail.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	if m.unsub != nil {
		m.unsub()
	}
	m.quitting = true
	return m, tea.Quit
}

func (m Model) action(op string, fn func(context.Context) error) tea.Cmd {
	timeout := m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return actionDoneMsg{op: op, err: fn(ctx)}
	}
}

func (m Model) submit(text string) tea.Cmd {
	queue, timeout := m.queue, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		t, err := queue.Submit(ctx, tasks.NewTask{Task: text})
		return submitDoneMsg{task: t, err: err}
	}
}

func (m Model) remove(id string) tea.Cmd {
	queue, timeout := m.queue, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return deleteDoneMsg{id: id, err: queue.Delete(ctx, id)}
	}
}

func (m *Model) moveSelection(delta int) {
	if len(m.tasks) == 0 {
		return
	}
	idx := m.selectedIndex()
	switch {
	case idx < 0:
		idx = 0
	default:
		idx += delta
	}
	idx = max(0, min(idx, len(m.tasks)-1))
	if err := m.queue.Select(m.tasks[idx].ID); err != nil {
		m.setFlash(err.Error(), true)
		return
	}
	m.refreshTasks()
}

func (m Model) selectedIndex() int {
	if !m.hasCurrent {
		return -1
	}
	for i := range m.tasks {
		if m.tasks[i].ID == m.current.ID {
			return i
		}
	}
	return -1
}

func (m *Model) refreshTasks() {
	m.tasks = m.queue.Tasks()
	m.current, m.hasCurrent = m.queue.Selected()
	m.refreshDetail()
}

func (m *Model) setFlash(text string, isErr bool) {
	m.flash, m.flashErr = text, isErr
}

// =============================================================================
// RENDERING
// =============================================================================

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	s := m.styles
	width := max(m.width, 20)

	var b strings.Builder
	b.WriteString(s.Header.Render("browserctl · project " + m.state.ProjectID))
	b.WriteString(" ")
	b.WriteString(s.StatusBadge(m.state.Status))
	if m.busy != "" {
		b.WriteString(" " + m.spinner.View() + " " + m.busy + "...")
	}
	b.WriteString("\n")

	if m.state.LastError != nil {
		b.WriteString(s.Error.Render("last error: "+m.state.LastError.Error()) + "\n")
	}
	b.WriteString(m.renderSession())
	b.WriteString(s.RenderDivider(width) + "\n")

	b.WriteString(s.Section.Render("Events") + "\n")
	b.WriteString(m.renderEvents(width))
	b.WriteString(s.RenderDivider(width) + "\n")

	b.WriteString(s.Section.Render(fmt.Sprintf("Tasks (%d)", len(m.tasks))) + "\n")
	b.WriteString(m.renderTasks(width))
	b.WriteString(s.RenderDivider(width) + "\n")

	if m.hasCurrent {
		b.WriteString(m.detail.View() + "\n")
	}
	b.WriteString(m.input.View() + "\n")

	if m.flash != "" {
		if m.flashErr {
			b.WriteString(s.Error.Render(m.flash) + "\n")
		} else {
			b.WriteString(s.Success.Render(m.flash) + "\n")
		}
	}
	b.WriteString(s.Footer.Render("s start · x stop · ↑/↓ select · d delete · enter new task · q quit"))
	return b.String()
}

func (m Model) renderSession() string {
	s := m.styles
	var b strings.Builder

	if sess := m.state.Session; sess != nil {
		line := fmt.Sprintf("Session: port %d", sess.Port)
		if sess.VNCPort > 0 {
			line += fmt.Sprintf(" · vnc %d", sess.VNCPort)
		}
		line += " · " + string(sess.Status)
		b.WriteString(s.Body.Render(line) + "\n")
	} else {
		b.WriteString(s.Muted.Render("Session: none") + "\n")
	}

	if m.state.CurrentURL != "" {
		b.WriteString(s.Body.Render("URL: "+m.state.CurrentURL) + "\n")
	} else {
		b.WriteString(s.Muted.Render("URL: -") + "\n")
	}

	if shot := m.state.Screenshot; shot != nil {
		b.WriteString(s.Body.Render(fmt.Sprintf("Screenshot #%d · %s · %s",
			shot.Seq, shot.CapturedAt.Local().Format("15:04:05"), formatBytes(len(shot.Data)))) + "\n")
	} else {
		b.WriteString(s.Muted.Render("Screenshot: -") + "\n")
	}
	return b.String()
}

func (m Model) renderEvents(width int) string {
	events := m.state.Events
	if len(events) == 0 {
		return m.styles.Muted.Render("  no events") + "\n"
	}
	if len(events) > maxEventLines {
		events = events[len(events)-maxEventLines:]
	}
	var b strings.Builder
	for _, ev := range events {
		line := fmt.Sprintf("  %s %-10s %s", ev.ReceivedAt.Local().Format("15:04:05"), ev.Type, string(ev.Data))
		style := m.styles.Body
		if ev.Type == browser.EventError {
			style = m.styles.Error
		}
		b.WriteString(style.Render(truncate(line, width)) + "\n")
	}
	return b.String()
}

func (m Model) renderTasks(width int) string {
	if len(m.tasks) == 0 {
		return m.styles.Muted.Render("  no tasks") + "\n"
	}

	// keep the selection inside the visible window
	start := 0
	if idx := m.selectedIndex(); idx >= maxTaskLines {
		start = idx - maxTaskLines + 1
	}
	end := min(start+maxTaskLines, len(m.tasks))

	var b strings.Builder
	for i := start; i < end; i++ {
		t := m.tasks[i]
		marker := "  "
		if m.hasCurrent && t.ID == m.current.ID {
			marker = m.styles.Selected.Render("> ")
		}
		text := truncate(t.Task, max(width-32, 10))
		b.WriteString(fmt.Sprintf("%s%-9s %s %-7s %s\n", marker, shortID(t.ID), m.styles.TaskStatus(t.Status), t.TaskType, text))
	}
	if end < len(m.tasks) {
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf("  … %d more", len(m.tasks)-end)) + "\n")
	}
	return b.String()
}

func (m *Model) refreshDetail() {
	if !m.hasCurrent {
		m.detail.SetContent("")
		return
	}
	m.detail.SetContent(m.renderDetail(m.current))
	m.detail.GotoTop()
}

func (m Model) renderDetail(t store.Task) string {
	s := m.styles
	var b strings.Builder
	b.WriteString(s.Title.Render(t.Task) + "\n")
	b.WriteString(fmt.Sprintf("%s · %s · priority %d · created %s\n",
		s.TaskStatus(t.Status), t.TaskType, t.Priority, t.CreatedAt.Local().Format("15:04:05")))
	if t.StartedAt != nil {
		b.WriteString(s.Muted.Render("started "+t.StartedAt.Local().Format("15:04:05")) + "\n")
	}
	if t.CompletedAt != nil {
		b.WriteString(s.Muted.Render("completed "+t.CompletedAt.Local().Format("15:04:05")) + "\n")
	}
	if t.IterationsUsed != nil {
		b.WriteString(s.Muted.Render(fmt.Sprintf("iterations %d", *t.IterationsUsed)) + "\n")
	}
	if t.ErrorMessage != "" {
		b.WriteString(s.Error.Render("error: "+t.ErrorMessage) + "\n")
	}
	if text := t.ResponseText(); text != "" {
		b.WriteString("\n" + m.renderMarkdown(text))
	}
	return b.String()
}

func (m Model) renderMarkdown(text string) string {
	if m.renderer == nil {
		return text
	}
	out, err := m.renderer.Render(text)
	if err != nil {
		return text
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

func formatBytes(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
