package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/dbc-toolkit/dbcpatch/internal/logging"
	"github.com/dbc-toolkit/dbcpatch/internal/report"
	"github.com/dbc-toolkit/dbcpatch/pkg/patch"
)

// ErrUnresolvedFailures is returned by Regenerate when the last apply run left
// failed patches whose edits are missing from the output tree.
var ErrUnresolvedFailures = errors.New("last apply run has failed patches")

// RegenOptions tune Regenerate.
type RegenOptions struct {
	// Force regenerates even when the last report lists failed patches. Their
	// patches are rewritten from the output tree, which lacks their edits.
	Force bool
}

// RegenResult describes a rewritten patch directory.
type RegenResult struct {
	Patches *patch.PatchSet
	Written patch.WriteStats
}

// Regenerate diffs the output tree against the base tree and rewrites the patch
// directory with one patch per changed file.
func (p *Pipeline) Regenerate(ctx context.Context, opts RegenOptions) (*RegenResult, error) {
	if !opts.Force {
		prev, err := report.Load(p.cfg.ReportPath)
		switch {
		case errors.Is(err, report.ErrNoReport):
		case err != nil:
			return nil, err
		case prev.HasFailures():
			paths := make([]string, 0, prev.Summary.Failed)
			for _, e := range prev.Failures() {
				paths = append(paths, e.Path)
			}
			return nil, fmt.Errorf("%w: %s", ErrUnresolvedFailures, strings.Join(paths, ", "))
		}
	}

	base, _, _, err := p.Base(ctx)
	if err != nil {
		return nil, err
	}
	edited, err := patch.LoadTree(p.cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	set, err := patch.NewRegenerator(p.cfg.ContextLines).Regenerate(base, edited)
	if err != nil {
		return nil, fmt.Errorf("regenerate patches: %w", err)
	}
	written, err := patch.WritePatchDir(p.cfg.PatchDir, set)
	if err != nil {
		return nil, fmt.Errorf("write patches: %w", err)
	}
	p.logger.Info(ctx, "patches regenerated",
		logging.F("patches", set.Len()),
		logging.F("written", len(written.Written)),
		logging.F("removed", len(written.Removed)))
	return &RegenResult{Patches: set, Written: written}, nil
}

// DriftKind classifies a drifted file.
type DriftKind string

const (
	DriftModified DriftKind = "modified"
	DriftAdded    DriftKind = "added"
	DriftRemoved  DriftKind = "removed"
)

// FileDrift is an output file that differs from what applying the patches
// produces.
type FileDrift struct {
	Path string
	Kind DriftKind
	// Diff is a unified diff from the expected to the actual content.
	Diff string
}

// Drift reports output files edited since the last apply whose patches were
// not regenerated. Files whose patch fails to apply are compared against their
// base content.
func (p *Pipeline) Drift(ctx context.Context) ([]FileDrift, error) {
	base, _, _, err := p.Base(ctx)
	if err != nil {
		return nil, err
	}
	set, _, err := patch.LoadPatchDir(p.cfg.PatchDir)
	if err != nil {
		return nil, err
	}
	opts := p.cfg.PatchOptions()
	expected, _, err := patch.NewApplier(opts).Apply(ctx, base, set)
	if err != nil {
		return nil, fmt.Errorf("apply patches: %w", err)
	}
	actual, err := patch.LoadTree(p.cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	drift, err := compareTrees(expected, actual, p.cfg.ContextLines)
	if err != nil {
		return nil, err
	}
	if len(drift) > 0 {
		p.logger.Warn(ctx, "output tree drifted from patches", logging.F("files", len(drift)))
	}
	return drift, nil
}

func compareTrees(expected, actual *patch.SourceTree, contextLines int) ([]FileDrift, error) {
	seen := make(map[string]bool)
	var paths []string
	for _, t := range []*patch.SourceTree{expected, actual} {
		for _, path := range t.Paths() {
			if !seen[path] {
				seen[path] = true
				paths = append(paths, path)
			}
		}
	}

	var out []FileDrift
	sort.Strings(paths)
	for _, path := range paths {
		want, inExpected := expected.Get(path)
		got, inActual := actual.Get(path)
		// Line-ending changes alone are not drift.
		if inExpected && inActual && slices.Equal(want.Lines, got.Lines) {
			continue
		}
		d := FileDrift{Path: path, Kind: DriftModified}
		switch {
		case !inExpected:
			d.Kind = DriftAdded
		case !inActual:
			d.Kind = DriftRemoved
		}
		diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(want.Text()),
			B:        difflib.SplitLines(got.Text()),
			FromFile: "expected/" + path,
			ToFile:   "actual/" + path,
			Context:  contextLines,
		})
		if err != nil {
			return nil, fmt.Errorf("diff %s: %w", path, err)
		}
		d.Diff = diff
		out = append(out, d)
	}
	return out, nil
}
