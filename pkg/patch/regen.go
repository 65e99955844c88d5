package patch

import (
	"sort"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DefaultContextLines is the unified-diff convention for surrounding context.
const DefaultContextLines = 3

// Regenerator derives patches from an edited tree and its base.
type Regenerator struct {
	// ContextLines is the number of unchanged lines kept around each change.
	ContextLines int
}

// NewRegenerator returns a Regenerator; a negative contextLines selects
// DefaultContextLines.
func NewRegenerator(contextLines int) Regenerator {
	if contextLines < 0 {
		contextLines = DefaultContextLines
	}
	return Regenerator{ContextLines: contextLines}
}

// Regenerate diffs every path present in either tree and returns one
// PatchFile per changed path, ordered by path. Files whose lines are identical
// produce no patch even if their line endings differ.
func (r Regenerator) Regenerate(base, edited *SourceTree) (*PatchSet, error) {
	paths := unionPaths(base, edited)
	files := make([]PatchFile, 0, len(paths))
	for _, p := range paths {
		oldFile, inBase := base.Get(p)
		newFile, inEdited := edited.Get(p)
		switch {
		case inBase && !inEdited:
			files = append(files, deletion(p, oldFile.Lines))
		case !inBase && inEdited:
			files = append(files, creation(p, newFile.Lines))
		default:
			if pf, changed := r.Diff(p, oldFile.Lines, newFile.Lines); changed {
				files = append(files, pf)
			}
		}
	}
	return NewPatchSet(files...)
}

// Diff computes the modify patch turning oldLines into newLines. It reports
// false when the two are identical.
func (r Regenerator) Diff(path string, oldLines, newLines []string) (PatchFile, bool) {
	if linesEqual(oldLines, newLines) {
		return PatchFile{}, false
	}
	edits := lineEdits(oldLines, newLines)
	return PatchFile{Path: path, Op: OpModify, Hunks: groupHunks(edits, r.ContextLines)}, true
}

func deletion(path string, lines []string) PatchFile {
	pf := PatchFile{Path: path, Op: OpDelete}
	if len(lines) == 0 {
		return pf
	}
	h := Hunk{OldStart: 1, OldCount: len(lines)}
	for _, l := range lines {
		h.Lines = append(h.Lines, Line{Kind: Remove, Text: l})
	}
	pf.Hunks = []Hunk{h}
	return pf
}

func creation(path string, lines []string) PatchFile {
	pf := PatchFile{Path: path, Op: OpCreate}
	if len(lines) == 0 {
		return pf
	}
	h := Hunk{NewStart: 1, NewCount: len(lines)}
	for _, l := range lines {
		h.Lines = append(h.Lines, Line{Kind: Add, Text: l})
	}
	pf.Hunks = []Hunk{h}
	return pf
}

// lineEdits produces a minimal line edit script. Each distinct line is encoded
// as one rune so diffmatchpatch runs its Myers diff over whole lines.
func lineEdits(oldLines, newLines []string) []Line {
	var table []string
	index := make(map[string]rune)
	encode := func(lines []string) []rune {
		out := make([]rune, len(lines))
		for i, l := range lines {
			r, ok := index[l]
			if !ok {
				r = lineRune(len(table))
				index[l] = r
				table = append(table, l)
			}
			out[i] = r
		}
		return out
	}
	a, b := encode(oldLines), encode(newLines)
	decode := make(map[rune]string, len(table))
	for l, r := range index {
		decode[r] = l
	}

	dmp := diffmatchpatch.New()
	// No deadline: a timed-out diff is not minimal and not reproducible.
	dmp.DiffTimeout = 0
	diffs := dmp.DiffMainRunes(a, b, false)

	edits := make([]Line, 0, len(oldLines)+len(newLines))
	for _, d := range diffs {
		kind := Context
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			kind = Remove
		case diffmatchpatch.DiffInsert:
			kind = Add
		}
		for _, r := range d.Text {
			edits = append(edits, Line{Kind: kind, Text: decode[r]})
		}
	}
	return edits
}

// lineRune maps a line number to a valid, non-surrogate rune so the encoding
// survives diffmatchpatch's string conversions.
func lineRune(n int) rune {
	r := rune(n + 1)
	if r >= 0xD800 {
		r += 0x800
	}
	return r
}

// groupHunks splits an edit script into hunks, merging changes separated by no
// more than 2*context unchanged lines.
func groupHunks(edits []Line, context int) []Hunk {
	if context < 0 {
		context = 0
	}
	var changes []int
	for i, e := range edits {
		if e.Kind != Context {
			changes = append(changes, i)
		}
	}

	// oldAt[i] and newAt[i] count original and replacement lines before edits[i].
	oldAt := make([]int, len(edits)+1)
	newAt := make([]int, len(edits)+1)
	for i, e := range edits {
		oldAt[i+1], newAt[i+1] = oldAt[i], newAt[i]
		if e.Kind != Add {
			oldAt[i+1]++
		}
		if e.Kind != Remove {
			newAt[i+1]++
		}
	}

	var hunks []Hunk
	for i := 0; i < len(changes); {
		j := i
		for j+1 < len(changes) && changes[j+1]-changes[j]-1 <= 2*context {
			j++
		}
		lo := max(0, changes[i]-context)
		hi := min(len(edits), changes[j]+1+context)

		h := Hunk{
			OldCount: oldAt[hi] - oldAt[lo],
			NewCount: newAt[hi] - newAt[lo],
			Lines:    append([]Line(nil), edits[lo:hi]...),
		}
		h.OldStart = oldAt[lo]
		if h.OldCount > 0 {
			h.OldStart++
		}
		h.NewStart = newAt[lo]
		if h.NewCount > 0 {
			h.NewStart++
		}
		hunks = append(hunks, h)
		i = j + 1
	}
	return hunks
}

func unionPaths(a, b *SourceTree) []string {
	seen := make(map[string]struct{})
	var paths []string
	for _, t := range []*SourceTree{a, b} {
		for _, p := range t.Paths() {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}
