package patch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// LineKind tags a hunk line with its role.
type LineKind byte

const (
	// Context lines exist on both sides.
	Context LineKind = ' '
	// Add lines exist only in the replacement.
	Add LineKind = '+'
	// Remove lines exist only in the original.
	Remove LineKind = '-'
)

// Line is a single hunk line.
type Line struct {
	Kind LineKind
	Text string
}

// Hunk captures a unified-diff hunk. When a count is zero the matching start
// names the line after which the change happens, as in unified diff.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Section  string
	Lines    []Line
}

// Before returns the context and remove lines, i.e. the text the hunk expects.
func (h Hunk) Before() []string {
	out := make([]string, 0, h.OldCount)
	for _, l := range h.Lines {
		if l.Kind != Add {
			out = append(out, l.Text)
		}
	}
	return out
}

// After returns the context and add lines, i.e. the text the hunk produces.
func (h Hunk) After() []string {
	out := make([]string, 0, h.NewCount)
	for _, l := range h.Lines {
		if l.Kind != Remove {
			out = append(out, l.Text)
		}
	}
	return out
}

// oldIndex is the zero-based index of the first original line the hunk covers.
func (h Hunk) oldIndex() int {
	if h.OldCount == 0 {
		return h.OldStart
	}
	return h.OldStart - 1
}

// Header renders the "@@ -a,b +c,d @@" line.
func (h Hunk) Header() string {
	header := fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
	if h.Section != "" {
		header += " " + h.Section
	}
	return header
}

// RawLines renders the hunk header and body as patch text lines.
func (h Hunk) RawLines() []string {
	lines := make([]string, 0, len(h.Lines)+1)
	lines = append(lines, h.Header())
	for _, l := range h.Lines {
		lines = append(lines, string(l.Kind)+l.Text)
	}
	return lines
}

// Op classifies what a PatchFile does to its target.
type Op string

const (
	OpModify Op = "modify"
	OpCreate Op = "create"
	OpDelete Op = "delete"
)

// PatchFile is the parsed form of a single patch file targeting one path.
type PatchFile struct {
	Path  string
	Op    Op
	Hunks []Hunk
}

const devNull = "/dev/null"

// MaxLineNumber is the largest start line or count a hunk header may carry.
const MaxLineNumber = 1<<31 - 1

var hunkHeaderPattern = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@ ?(.*)$`)

// Parse converts unified-diff text into a PatchFile. Counts declared in hunk
// headers must match the body exactly and hunks must ascend without overlap;
// violations produce an *Error with code FORMAT_ERROR.
func Parse(input string) (PatchFile, error) {
	lines := splitLines(input)

	i := 0
	for i < len(lines) && !strings.HasPrefix(lines[i], "--- ") {
		i++
	}
	if i >= len(lines) {
		return PatchFile{}, formatErrorf("", 0, "missing --- file header")
	}
	oldName := headerPath(lines[i][4:])
	i++
	if i >= len(lines) || !strings.HasPrefix(lines[i], "+++ ") {
		return PatchFile{}, formatErrorf("", i+1, "missing +++ file header")
	}
	newName := headerPath(lines[i][4:])
	i++

	var pf PatchFile
	switch {
	case oldName == devNull && newName == devNull:
		return PatchFile{}, formatErrorf("", i, "both sides of the patch are /dev/null")
	case oldName == devNull:
		pf.Op, pf.Path = OpCreate, newName
	case newName == devNull:
		pf.Op, pf.Path = OpDelete, oldName
	default:
		pf.Op, pf.Path = OpModify, newName
	}
	normalized, err := NormalizePath(pf.Path)
	if err != nil {
		return PatchFile{}, formatErrorf("", i, "%v", err)
	}
	pf.Path = normalized

	for i < len(lines) {
		line := lines[i]
		if line == "" || strings.HasPrefix(line, `\`) {
			i++
			continue
		}
		if !strings.HasPrefix(line, "@@") {
			return PatchFile{}, formatErrorf(pf.Path, i+1, "unexpected line outside hunk: %q", line)
		}
		hunk, next, err := parseHunk(lines, i, pf.Path)
		if err != nil {
			return PatchFile{}, err
		}
		pf.Hunks = append(pf.Hunks, hunk)
		i = next
	}

	if err := pf.Validate(); err != nil {
		return PatchFile{}, err
	}
	return pf, nil
}

func parseHunk(lines []string, start int, filePath string) (Hunk, int, error) {
	m := hunkHeaderPattern.FindStringSubmatch(lines[start])
	if m == nil {
		return Hunk{}, 0, formatErrorf(filePath, start+1, "invalid hunk header %q", lines[start])
	}
	var nums [4]int
	for n, field := range m[1:5] {
		v, err := headerNumber(field)
		if err != nil {
			return Hunk{}, 0, formatErrorf(filePath, start+1, "invalid hunk header %q: %v", lines[start], err)
		}
		nums[n] = v
	}
	hunk := Hunk{
		OldStart: nums[0],
		OldCount: nums[1],
		NewStart: nums[2],
		NewCount: nums[3],
		Section:  m[5],
	}

	var oldSeen, newSeen int
	i := start + 1
	for ; i < len(lines) && (oldSeen < hunk.OldCount || newSeen < hunk.NewCount); i++ {
		raw := lines[i]
		if strings.HasPrefix(raw, `\`) {
			continue
		}
		if strings.HasPrefix(raw, "@@") || (strings.HasPrefix(raw, "--- ") && oldSeen >= hunk.OldCount) {
			break
		}
		var line Line
		switch {
		case raw == "":
			line = Line{Kind: Context}
		case raw[0] == byte(Context), raw[0] == byte(Add), raw[0] == byte(Remove):
			line = Line{Kind: LineKind(raw[0]), Text: raw[1:]}
		default:
			return Hunk{}, 0, formatErrorf(filePath, i+1, "unsupported hunk line %q", raw)
		}
		if line.Kind != Add {
			oldSeen++
		}
		if line.Kind != Remove {
			newSeen++
		}
		if oldSeen > hunk.OldCount || newSeen > hunk.NewCount {
			return Hunk{}, 0, countMismatch(filePath, start, hunk, oldSeen, newSeen)
		}
		hunk.Lines = append(hunk.Lines, line)
	}
	if oldSeen != hunk.OldCount || newSeen != hunk.NewCount {
		return Hunk{}, 0, countMismatch(filePath, start, hunk, oldSeen, newSeen)
	}

	// Anything body-shaped right after a satisfied hunk means the header
	// under-declared its counts.
	for j := i; j < len(lines); j++ {
		raw := lines[j]
		if strings.HasPrefix(raw, `\`) {
			continue
		}
		if raw == "" {
			if trailingBlank(lines[j:]) {
				return hunk, len(lines), nil
			}
			return Hunk{}, 0, countMismatch(filePath, start, hunk, oldSeen+1, newSeen+1)
		}
		if raw[0] == byte(Context) || raw[0] == byte(Add) || raw[0] == byte(Remove) {
			if !strings.HasPrefix(raw, "--- ") {
				return Hunk{}, 0, countMismatch(filePath, start, hunk, oldSeen+1, newSeen+1)
			}
		}
		break
	}
	return hunk, i, nil
}

func countMismatch(filePath string, start int, h Hunk, oldSeen, newSeen int) *Error {
	return formatErrorf(filePath, start+1,
		"hunk %q declares %d original and %d replacement lines but body has %d and %d",
		fmt.Sprintf("-%d,%d +%d,%d", h.OldStart, h.OldCount, h.NewStart, h.NewCount),
		h.OldCount, h.NewCount, oldSeen, newSeen)
}

func trailingBlank(lines []string) bool {
	for _, l := range lines {
		if l != "" {
			return false
		}
	}
	return true
}

// Validate checks the structural invariants of a PatchFile: hunk line counts
// agree with the declared ranges and hunks ascend without overlapping.
func (p PatchFile) Validate() error {
	if _, err := NormalizePath(p.Path); err != nil {
		return formatErrorf("", 0, "%v", err)
	}
	switch p.Op {
	case OpModify:
		if len(p.Hunks) == 0 {
			return formatErrorf(p.Path, 0, "no hunks provided")
		}
	case OpCreate, OpDelete:
		if len(p.Hunks) > 1 {
			return formatErrorf(p.Path, 0, "%s patch must have at most one hunk", p.Op)
		}
	default:
		return formatErrorf(p.Path, 0, "unknown patch operation %q", p.Op)
	}

	prevEnd := -1
	for n, h := range p.Hunks {
		var ctx, add, rem int
		for _, l := range h.Lines {
			switch l.Kind {
			case Context:
				ctx++
			case Add:
				add++
			case Remove:
				rem++
			default:
				return formatErrorf(p.Path, 0, "hunk %d has a line with unknown kind %q", n+1, l.Kind)
			}
		}
		if ctx+rem != h.OldCount || ctx+add != h.NewCount {
			return formatErrorf(p.Path, 0, "hunk %d counts -%d +%d do not match its %d context, %d removed and %d added lines",
				n+1, h.OldCount, h.NewCount, ctx, rem, add)
		}
		if h.OldStart > MaxLineNumber || h.NewStart > MaxLineNumber || h.OldCount > MaxLineNumber || h.NewCount > MaxLineNumber {
			return formatErrorf(p.Path, 0, "hunk %d exceeds %d lines", n+1, MaxLineNumber)
		}
		if h.OldStart < 0 || h.NewStart < 0 || (h.OldCount > 0 && h.OldStart == 0) || (h.NewCount > 0 && h.NewStart == 0) {
			return formatErrorf(p.Path, 0, "hunk %d has an invalid start line", n+1)
		}
		if h.oldIndex() < prevEnd {
			return formatErrorf(p.Path, 0, "hunk %d overlaps or precedes the previous hunk", n+1)
		}
		prevEnd = h.oldIndex() + h.OldCount
		if p.Op == OpCreate && (h.OldCount != 0 || rem+ctx != 0) {
			return formatErrorf(p.Path, 0, "create patch must not expect original lines")
		}
		if p.Op == OpDelete && h.NewCount != 0 {
			return formatErrorf(p.Path, 0, "delete patch must not produce replacement lines")
		}
	}
	return nil
}

// Serialize renders a PatchFile as unified-diff text. For any PatchFile
// returned by Parse, Parse(Serialize(p)) reproduces p.
func Serialize(p PatchFile) string {
	var b strings.Builder
	oldName, newName := "a/"+p.Path, "b/"+p.Path
	switch p.Op {
	case OpCreate:
		oldName = devNull
	case OpDelete:
		newName = devNull
	}
	b.WriteString("--- " + oldName + "\n")
	b.WriteString("+++ " + newName + "\n")
	for _, h := range p.Hunks {
		for _, line := range h.RawLines() {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func headerPath(raw string) string {
	name := raw
	if tab := strings.IndexByte(name, '\t'); tab >= 0 {
		name = name[:tab]
	}
	name = strings.TrimSpace(name)
	if name == devNull {
		return name
	}
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		name = name[2:]
	}
	return name
}

// headerNumber parses a hunk header field; an omitted count means 1.
func headerNumber(s string) (int, error) {
	if s == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n > MaxLineNumber {
		return 0, fmt.Errorf("line number %s exceeds %d", s, MaxLineNumber)
	}
	return n, nil
}

func splitLines(input string) []string {
	normalized := strings.ReplaceAll(input, "\r\n", "\n")
	normalized = strings.TrimSuffix(normalized, "\n")
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, "\n")
}
