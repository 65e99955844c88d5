// Package tui renders live progress of an apply run.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/dbc-toolkit/dbcpatch/internal/pipeline"
	"github.com/dbc-toolkit/dbcpatch/pkg/patch"
)

const (
	defaultWidth  = 80
	defaultHeight = 24
	// rows used by the header, progress bar and summary
	chromeRows = 4
)

type eventMsg struct{ evt pipeline.Event }
type finishedMsg struct{}

// Options configure the progress view.
type Options struct {
	Input  io.Reader
	Output io.Writer
	// Color enables ANSI styling.
	Color bool
}

type styles struct {
	header, ok, fuzz, fail, dim lipgloss.Style
	renderer                    *lipgloss.Renderer
}

func newStyles(w io.Writer, color bool) styles {
	profile := termenv.Ascii
	if color {
		profile = termenv.TrueColor
	}
	// An explicit profile and background keep termenv from querying the
	// terminal, which would leak OSC replies into stdin.
	r := lipgloss.NewRenderer(w, termenv.WithProfile(profile))
	r.SetHasDarkBackground(true)
	return styles{
		header:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("129")),
		ok:       r.NewStyle().Foreground(lipgloss.Color("34")).Bold(true),
		fuzz:     r.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		fail:     r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		dim:      r.NewStyle().Foreground(lipgloss.Color("244")),
		renderer: r,
	}
}

type model struct {
	events <-chan pipeline.Event
	cancel context.CancelFunc

	width  int
	height int
	color  bool
	styles styles
	spin   spinner.Model

	state    pipeline.State
	total    int
	done     int
	counts   map[patch.Status]int
	lines    []string
	errText  string
	finished bool
	aborted  bool
}

func newModel(events <-chan pipeline.Event, cancel context.CancelFunc, opts Options) *model {
	st := newStyles(opts.Output, opts.Color)
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = st.renderer.NewStyle().Foreground(lipgloss.Color("63"))
	return &model{
		events: events,
		cancel: cancel,
		width:  defaultWidth,
		height: defaultHeight,
		color:  opts.Color,
		styles: st,
		spin:   sp,
		state:  pipeline.StateIdle,
		counts: make(map[patch.Status]int),
	}
}

func waitForEvent(ch <-chan pipeline.Event) tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-ch
		if !ok {
			return finishedMsg{}
		}
		return eventMsg{evt: evt}
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), m.spin.Tick)
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		if m.finished {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.aborted = true
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}
		return m, nil

	case eventMsg:
		m.apply(msg.evt)
		return m, waitForEvent(m.events)

	case finishedMsg:
		m.finished = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *model) apply(evt pipeline.Event) {
	switch evt.Type {
	case pipeline.EventTypeState:
		m.state = evt.State
	case pipeline.EventTypeFile:
		if evt.Result == nil {
			return
		}
		m.total = evt.Total
		m.done++
		m.counts[evt.Result.Status]++
		m.lines = append(m.lines, m.resultLine(*evt.Result))
	case pipeline.EventTypeError:
		m.errText = evt.Message
	case pipeline.EventTypeStatus:
		m.lines = append(m.lines, m.styles.dim.Render(evt.Message))
	}
}

func (m *model) resultLine(r patch.ApplyResult) string {
	switch {
	case r.Failed():
		return fmt.Sprintf("%s %s %s", m.styles.fail.Render("FAIL"), r.Path, m.styles.dim.Render(r.Reason))
	case r.Status == patch.StatusAppliedWithFuzz:
		detail := fmt.Sprintf("offset %+d, fuzz %d", r.Offset, r.Fuzz)
		return fmt.Sprintf("%s %s %s", m.styles.fuzz.Render("FUZZ"), r.Path, m.styles.dim.Render(detail))
	default:
		return fmt.Sprintf("%s %s", m.styles.ok.Render("OK  "), r.Path)
	}
}

func (m *model) View() string {
	var b strings.Builder

	status := m.spin.View()
	switch {
	case m.aborted:
		status = m.styles.fail.Render("✗")
	case m.finished && m.errText != "":
		status = m.styles.fail.Render("✗")
	case m.finished:
		status = m.styles.ok.Render("✓")
	}
	fmt.Fprintf(&b, "%s %s\n", status, m.styles.header.Render(stateLabel(m.state)))

	counter := fmt.Sprintf(" %d/%d", m.done, m.total)
	barWidth := m.width - len(counter)
	if barWidth < 1 {
		barWidth = 1
	}
	b.WriteString(m.renderProgressBar(barWidth))
	b.WriteString(counter)
	b.WriteByte('\n')

	visible := m.height - chromeRows
	if visible < 1 {
		visible = 1
	}
	lines := m.lines
	if len(lines) > visible {
		lines = lines[len(lines)-visible:]
	}
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	if m.errText != "" {
		b.WriteString(m.styles.fail.Render("error: ") + m.errText + "\n")
	}
	fmt.Fprintf(&b, "%s\n", m.styles.dim.Render(fmt.Sprintf("%d applied, %d with fuzz, %d failed",
		m.counts[patch.StatusApplied], m.counts[patch.StatusAppliedWithFuzz], m.counts[patch.StatusFailed])))
	return b.String()
}

func stateLabel(s pipeline.State) string {
	switch s {
	case pipeline.StateIdle:
		return "Starting"
	case pipeline.StateDecompiling:
		return "Decompiling artifact"
	case pipeline.StatePatching:
		return "Applying patches"
	case pipeline.StatePatched:
		return "Writing output"
	case pipeline.StatePatchesFailed:
		return "Writing output (with failures)"
	case pipeline.StateDone:
		return "Done"
	case pipeline.StateFailed:
		return "Failed"
	}
	return string(s)
}

// renderProgressBar fills the completed share of the bar with a hue sweep. In
// plain mode it falls back to '#' and '-'.
func (m *model) renderProgressBar(width int) string {
	filled := 0
	if m.total > 0 {
		filled = int(math.Round(float64(width) * float64(m.done) / float64(m.total)))
	}
	if filled > width {
		filled = width
	}
	if !m.color {
		return strings.Repeat("#", filled) + strings.Repeat("-", width-filled)
	}

	var b strings.Builder
	b.Grow(width * 10)
	for i := 0; i < filled; i++ {
		hue := 260 - 140*float64(i)/float64(width)
		seg := m.styles.renderer.NewStyle().Foreground(lipgloss.Color(hslToHex(hue, 0.85, 0.55))).Render("█")
		b.WriteString(seg)
	}
	b.WriteString(m.styles.dim.Render(strings.Repeat("░", width-filled)))
	return b.String()
}

// hslToHex converts H,S,L (H in [0,360), S/L in [0,1]) to a #RRGGBB string.
func hslToHex(h, s, l float64) string {
	r, g, b := hslToRGB(h, s, l)
	return fmt.Sprintf("#%02X%02X%02X", r, g, b)
}

func hslToRGB(h, s, l float64) (uint8, uint8, uint8) {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	c := (1 - math.Abs(2*l-1)) * s
	hp := h / 60.0
	x := c * (1 - math.Abs(math.Mod(hp, 2)-1))
	var r1, g1, b1 float64
	switch {
	case hp < 1:
		r1, g1, b1 = c, x, 0
	case hp < 2:
		r1, g1, b1 = x, c, 0
	case hp < 3:
		r1, g1, b1 = 0, c, x
	case hp < 4:
		r1, g1, b1 = 0, x, c
	case hp < 5:
		r1, g1, b1 = x, 0, c
	default:
		r1, g1, b1 = c, 0, x
	}
	m := l - c/2
	return channel(r1 + m), channel(g1 + m), channel(b1 + m)
}

func channel(v float64) uint8 {
	return uint8(math.Round(math.Min(1, math.Max(0, v)) * 255))
}

// ErrAborted is returned by Run when the user quits before the run finishes.
var ErrAborted = errors.New("aborted by user")

// Run executes run while rendering its events. The events channel handed to run
// is closed once run returns. Run returns run's error, or ErrAborted joined
// with it when the user interrupted the view.
func Run(ctx context.Context, run func(context.Context, chan<- pipeline.Event) error, opts Options) error {
	if opts.Input == nil {
		opts.Input = os.Stdin
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	events := make(chan pipeline.Event, 16)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(events)
		runErr = run(runCtx, events)
	}()

	m := newModel(events, cancel, opts)
	prog := tea.NewProgram(m, tea.WithInput(opts.Input), tea.WithOutput(opts.Output))
	_, tuiErr := prog.Run()
	if tuiErr != nil || m.aborted {
		// Unblock the pipeline if it is still emitting.
		cancel()
	}
	<-done

	if tuiErr != nil {
		return errors.Join(runErr, fmt.Errorf("tui: %w", tuiErr))
	}
	if m.aborted {
		return errors.Join(ErrAborted, runErr)
	}
	return runErr
}
