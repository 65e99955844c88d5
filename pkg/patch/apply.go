package patch

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Status is the per-file outcome of applying a PatchFile.
type Status string

const (
	StatusApplied         Status = "applied"
	StatusAppliedWithFuzz Status = "applied_with_fuzz"
	StatusFailed          Status = "failed"
)

// ApplyResult describes the outcome for a single PatchFile.
type ApplyResult struct {
	Path   string
	Op     Op
	Status Status
	// Offset is the line offset of the hunk that drifted furthest.
	Offset int
	// Fuzz is the highest fuzz level any hunk needed.
	Fuzz   int
	Reason string
	Err    *Error
	Hunks  []HunkStatus
}

// Failed reports whether the patch could not be applied.
func (r ApplyResult) Failed() bool {
	return r.Status == StatusFailed
}

// Message returns the failure message, or an empty string on success.
func (r ApplyResult) Message() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Options configure hunk matching and parallelism.
type Options struct {
	SearchRadius int
	MaxFuzz      int
	// Workers bounds concurrent per-file application. Zero uses GOMAXPROCS.
	Workers int
	// OnResult, when set, is called as each file completes. It may be called
	// from several goroutines at once.
	OnResult func(ApplyResult)
}

// DefaultOptions returns the matching defaults.
func DefaultOptions() Options {
	return Options{SearchRadius: DefaultSearchRadius, MaxFuzz: DefaultMaxFuzz}
}

// PatchSet is an ordered, immutable collection of PatchFiles with unique
// target paths.
type PatchSet struct {
	files  []PatchFile
	byPath map[string]int
}

// NewPatchSet validates files and builds a set. Duplicate target paths are
// rejected.
func NewPatchSet(files ...PatchFile) (*PatchSet, error) {
	set := &PatchSet{
		files:  make([]PatchFile, 0, len(files)),
		byPath: make(map[string]int, len(files)),
	}
	for _, pf := range files {
		if err := pf.Validate(); err != nil {
			return nil, err
		}
		if _, dup := set.byPath[pf.Path]; dup {
			return nil, formatErrorf(pf.Path, 0, "duplicate patch for target")
		}
		set.byPath[pf.Path] = len(set.files)
		set.files = append(set.files, pf)
	}
	return set, nil
}

// Len returns the number of patch files.
func (s *PatchSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.files)
}

// Files returns the patch files in set order.
func (s *PatchSet) Files() []PatchFile {
	if s == nil {
		return nil
	}
	return append([]PatchFile(nil), s.files...)
}

// Get returns the patch targeting path.
func (s *PatchSet) Get(path string) (PatchFile, bool) {
	if s == nil {
		return PatchFile{}, false
	}
	idx, ok := s.byPath[path]
	if !ok {
		return PatchFile{}, false
	}
	return s.files[idx], true
}

// Applier applies PatchSets to SourceTrees.
type Applier struct {
	matcher  Matcher
	workers  int
	onResult func(ApplyResult)
}

// NewApplier builds an Applier from opts.
func NewApplier(opts Options) *Applier {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Applier{
		matcher:  Matcher{SearchRadius: opts.SearchRadius, MaxFuzz: opts.MaxFuzz},
		workers:  workers,
		onResult: opts.OnResult,
	}
}

type fileOutcome struct {
	done   bool
	file   File
	remove bool
	result ApplyResult
}

// Apply applies every PatchFile in set to base and returns a new tree together
// with one result per PatchFile sorted by path. base is never modified. Files
// without a patch, or whose patch failed, keep their base content.
//
// Files are processed concurrently. If ctx is cancelled, Apply stops
// scheduling files and returns the tree and results for the files that
// completed together with the context error.
func (a *Applier) Apply(ctx context.Context, base *SourceTree, set *PatchSet) (*SourceTree, []ApplyResult, error) {
	if base == nil {
		return nil, nil, fmt.Errorf("apply: nil base tree")
	}
	files := set.Files()
	outcomes := make([]fileOutcome, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, pf := range files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcome := a.applyFile(base, pf)
			outcome.done = true
			outcomes[i] = outcome
			if a.onResult != nil {
				a.onResult(outcome.result)
			}
			return nil
		})
	}
	runErr := g.Wait()
	if runErr == nil {
		runErr = ctx.Err()
	}

	patched := base.Clone()
	results := make([]ApplyResult, 0, len(files))
	for _, outcome := range outcomes {
		if !outcome.done {
			continue
		}
		results = append(results, outcome.result)
		if outcome.result.Failed() {
			continue
		}
		if outcome.remove {
			patched.Remove(outcome.result.Path)
			continue
		}
		if err := patched.Put(outcome.result.Path, outcome.file); err != nil {
			return nil, nil, err
		}
	}
	SortResults(results)
	return patched, results, runErr
}

// SortResults orders results by path, the order used in reports.
func SortResults(results []ApplyResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Path < results[j].Path
	})
}

func (a *Applier) applyFile(base *SourceTree, pf PatchFile) fileOutcome {
	result := ApplyResult{Path: pf.Path, Op: pf.Op}
	file, exists := base.Get(pf.Path)

	switch {
	case pf.Op == OpCreate && exists:
		return failed(result, &Error{
			Message:      fmt.Sprintf("%s: file to create already exists", pf.Path),
			Code:         CodeTargetExists,
			RelativePath: pf.Path,
		})
	case pf.Op == OpCreate:
		file = File{Lines: []string{}, EOL: "\n", TrailingNewline: true}
	case !exists:
		return failed(result, &Error{
			Message:      fmt.Sprintf("%s: target file is missing from the base tree", pf.Path),
			Code:         CodeMissingTarget,
			RelativePath: pf.Path,
		})
	}

	working := file.Lines
	delta, drift, lowerBound := 0, 0, 0
	for n, h := range pf.Hunks {
		number := n + 1
		declared := h.oldIndex() + delta
		m, ok := a.matcher.Find(working, h, declared+drift, lowerBound)
		if !ok {
			result.Hunks = append(result.Hunks, HunkStatus{Number: number, Status: HunkNoMatch})
			for rest := number + 1; rest <= len(pf.Hunks); rest++ {
				result.Hunks = append(result.Hunks, HunkStatus{Number: rest, Status: HunkSkipped})
			}
			return failed(result, &Error{
				Message:      fmt.Sprintf("%s: hunk %d (%s) not found", pf.Path, number, h.Header()),
				Code:         CodeNoMatchingContext,
				RelativePath: pf.Path,
				HunkStatuses: append([]HunkStatus(nil), result.Hunks...),
				FailedHunk:   &FailedHunk{Number: number, RawPatchLines: h.RawLines()},
			})
		}
		offset := m.Index - declared
		working = spliceHunk(working, m.Index, h)
		lowerBound = m.Index + h.NewCount
		delta += h.NewCount - h.OldCount
		drift = offset

		result.Hunks = append(result.Hunks, HunkStatus{Number: number, Status: HunkApplied, Offset: offset, Fuzz: m.Fuzz})
		if abs(offset) > abs(result.Offset) {
			result.Offset = offset
		}
		if m.Fuzz > result.Fuzz {
			result.Fuzz = m.Fuzz
		}
	}

	outcome := fileOutcome{file: file.withLines(working)}
	if pf.Op == OpDelete {
		if len(working) != 0 {
			return failed(result, &Error{
				Message:      fmt.Sprintf("%s: file to delete has %d lines not covered by the patch", pf.Path, len(working)),
				Code:         CodeNoMatchingContext,
				RelativePath: pf.Path,
				HunkStatuses: append([]HunkStatus(nil), result.Hunks...),
			})
		}
		outcome.remove = true
	}

	result.Status = StatusApplied
	if result.Offset != 0 || result.Fuzz != 0 {
		result.Status = StatusAppliedWithFuzz
	}
	outcome.result = result
	return outcome
}

func failed(result ApplyResult, err *Error) fileOutcome {
	result.Status = StatusFailed
	result.Reason = err.Code
	result.Err = err
	result.Offset, result.Fuzz = 0, 0
	return fileOutcome{result: result}
}

// spliceHunk returns a new slice with h applied at index. Context lines keep
// the target's text so fuzzy matches preserve drifted context.
func spliceHunk(target []string, index int, h Hunk) []string {
	out := make([]string, 0, len(target)-h.OldCount+h.NewCount)
	out = append(out, target[:index]...)
	cursor := index
	for _, l := range h.Lines {
		switch l.Kind {
		case Context:
			out = append(out, target[cursor])
			cursor++
		case Remove:
			cursor++
		case Add:
			out = append(out, l.Text)
		}
	}
	return append(out, target[cursor:]...)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
