package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/dbc-toolkit/dbcpatch/pkg/patch"
)

// RenderOptions control human-readable output.
type RenderOptions struct {
	// Color enables ANSI styling. When false the output is plain text.
	Color bool
	// Width wraps markdown output; zero uses 100 columns.
	Width int
}

type textStyles struct {
	ok, fuzz, fail, path, dim lipgloss.Style
}

func newTextStyles(w io.Writer, color bool) textStyles {
	profile := termenv.Ascii
	if color {
		profile = termenv.ANSI256
	}
	r := lipgloss.NewRenderer(w, termenv.WithProfile(profile))
	return textStyles{
		ok:   r.NewStyle().Foreground(lipgloss.Color("34")).Bold(true),
		fuzz: r.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		fail: r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		path: r.NewStyle().Foreground(lipgloss.Color("252")),
		dim:  r.NewStyle().Foreground(lipgloss.Color("244")),
	}
}

// RenderText writes one line per entry followed by a summary line. Failed
// entries are followed by their indented message.
func RenderText(w io.Writer, r *Report, opts RenderOptions) error {
	styles := newTextStyles(w, opts.Color)
	var b strings.Builder
	for _, e := range r.Entries {
		var tag string
		switch patch.Status(e.Status) {
		case patch.StatusApplied:
			tag = styles.ok.Render("OK  ")
		case patch.StatusAppliedWithFuzz:
			tag = styles.fuzz.Render("FUZZ")
		default:
			tag = styles.fail.Render("FAIL")
		}
		fmt.Fprintf(&b, "%s %s", tag, styles.path.Render(e.Path))
		if detail := entryDetail(e); detail != "" {
			fmt.Fprintf(&b, " %s", styles.dim.Render("("+detail+")"))
		}
		b.WriteByte('\n')
		if e.Failed() && e.Message != "" {
			for _, line := range strings.Split(e.Message, "\n") {
				fmt.Fprintf(&b, "     %s\n", line)
			}
		}
	}
	b.WriteString(summaryLine(r.Summary))
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

func entryDetail(e Entry) string {
	var parts []string
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	if e.Offset != 0 {
		parts = append(parts, fmt.Sprintf("offset %+d", e.Offset))
	}
	if e.Fuzz != 0 {
		parts = append(parts, fmt.Sprintf("fuzz %d", e.Fuzz))
	}
	if e.Op != "" && e.Op != string(patch.OpModify) {
		parts = append(parts, e.Op)
	}
	return strings.Join(parts, ", ")
}

func summaryLine(s Summary) string {
	return fmt.Sprintf("%d patches: %d applied, %d applied with fuzz, %d failed",
		s.Total, s.Applied, s.AppliedWithFuzz, s.Failed)
}

// Markdown renders the report as a markdown document.
func Markdown(r *Report) string {
	var b strings.Builder
	b.WriteString("# Patch report\n\n")
	if r.Fingerprint != "" {
		fmt.Fprintf(&b, "Artifact fingerprint: `%s`\n\n", r.Fingerprint)
	}
	fmt.Fprintf(&b, "**%s**\n\n", summaryLine(r.Summary))
	if len(r.Entries) == 0 {
		b.WriteString("No patches.\n")
		return b.String()
	}

	b.WriteString("| Path | Status | Offset | Fuzz | Reason |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, e := range r.Entries {
		fmt.Fprintf(&b, "| `%s` | %s | %d | %d | %s |\n", e.Path, e.Status, e.Offset, e.Fuzz, e.Reason)
	}

	failures := r.Failures()
	if len(failures) == 0 {
		return b.String()
	}
	b.WriteString("\n## Failures\n")
	for _, e := range failures {
		fmt.Fprintf(&b, "\n### `%s`\n\n", e.Path)
		msg := e.Message
		if e.FailedHunk != nil {
			// The offending hunk goes into a diff block below.
			msg, _, _ = strings.Cut(msg, "\n\nOffending hunk in ")
		}
		for _, line := range strings.Split(strings.TrimSpace(msg), "\n") {
			if line == "" {
				b.WriteString(">\n")
				continue
			}
			fmt.Fprintf(&b, "> %s\n", line)
		}
		if e.FailedHunk != nil && len(e.FailedHunk.RawPatchLines) > 0 {
			fmt.Fprintf(&b, "\nHunk %d:\n\n```diff\n%s\n```\n", e.FailedHunk.Number, strings.Join(e.FailedHunk.RawPatchLines, "\n"))
		}
	}
	return b.String()
}

// RenderMarkdown renders Markdown(r) for a terminal with glamour.
func RenderMarkdown(r *Report, opts RenderOptions) (string, error) {
	width := opts.Width
	if width <= 0 {
		width = 100
	}
	style := "notty"
	if opts.Color {
		// A fixed style avoids terminal background queries.
		style = "dark"
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStylePath(style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("create markdown renderer: %w", err)
	}
	out, err := renderer.Render(Markdown(r))
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return out, nil
}
