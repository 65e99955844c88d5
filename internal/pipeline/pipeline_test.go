package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbc-toolkit/dbcpatch/internal/config"
	"github.com/dbc-toolkit/dbcpatch/internal/decompiler"
	"github.com/dbc-toolkit/dbcpatch/internal/report"
	"github.com/dbc-toolkit/dbcpatch/pkg/patch"
)

const removeB = "--- a/A.java\n+++ b/A.java\n@@ -1,3 +1,2 @@\n a\n-b\n c\n"

type workspace struct {
	cfg   config.Config
	calls atomic.Int32
	fail  error
	base  map[string]string
}

func newWorkspace(t *testing.T, base, patches map[string]string) *workspace {
	t.Helper()
	root := t.TempDir()
	artifact := filepath.Join(root, "app.jar")
	require.NoError(t, os.WriteFile(artifact, []byte("binary"), 0o644))

	cfg := config.Default()
	cfg.Artifact = artifact
	cfg.PatchDir = filepath.Join(root, "patches")
	cfg.OutputDir = filepath.Join(root, "src")
	cfg.CacheDir = filepath.Join(root, "cache")
	cfg.ReportPath = filepath.Join(root, "report.json")
	cfg.Workers = 2

	for rel, body := range patches {
		path := filepath.Join(cfg.PatchDir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	return &workspace{cfg: cfg, base: base}
}

func (w *workspace) decompiler() decompiler.Decompiler {
	return decompiler.Func(func(context.Context, decompiler.Artifact) (*patch.SourceTree, error) {
		w.calls.Add(1)
		if w.fail != nil {
			return nil, w.fail
		}
		return patch.TreeFromMap(w.base)
	})
}

func (w *workspace) pipeline(t *testing.T, mutate func(*Options)) *Pipeline {
	t.Helper()
	opts := Options{Config: w.cfg, Decompiler: w.decompiler()}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p
}

func readOutput(t *testing.T, w *workspace, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(w.cfg.OutputDir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func TestRunAppliesPatchesAndWritesReport(t *testing.T) {
	t.Parallel()

	w := newWorkspace(t,
		map[string]string{"A.java": "a\nb\nc\n", "pkg/B.java": "class B {}\n"},
		map[string]string{"A.java.patch": removeB})
	p := w.pipeline(t, nil)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	require.False(t, res.CacheHit)
	require.Equal(t, report.StatePatched, res.Report.State)
	require.Equal(t, "a\nc\n", readOutput(t, w, "A.java"))
	require.Equal(t, "class B {}\n", readOutput(t, w, "pkg/B.java"))

	require.Equal(t, StateDone, p.State())
	require.Equal(t, []State{StateDecompiling, StatePatching, StatePatched, StateDone}, p.History())

	saved, err := report.Load(w.cfg.ReportPath)
	require.NoError(t, err)
	require.Equal(t, res.Report, saved)
	require.Equal(t, "applied", saved.Entries[0].Status)
}

func TestRunIsIdempotentAndReusesCache(t *testing.T) {
	t.Parallel()

	w := newWorkspace(t,
		map[string]string{"A.java": "a\nb\nc\n"},
		map[string]string{"A.java.patch": removeB})
	metrics := NewInMemoryMetrics()
	p := w.pipeline(t, func(o *Options) { o.Metrics = metrics })

	first, err := p.Run(context.Background())
	require.NoError(t, err)
	require.True(t, first.Written.Changed())
	reportBytes, err := os.ReadFile(w.cfg.ReportPath)
	require.NoError(t, err)

	second, err := p.Run(context.Background())
	require.NoError(t, err)
	require.True(t, second.CacheHit)
	require.False(t, second.Written.Changed(), "re-run must not touch the output tree")
	require.True(t, first.Tree.Equal(second.Tree))
	again, err := os.ReadFile(w.cfg.ReportPath)
	require.NoError(t, err)
	require.Equal(t, reportBytes, again)

	require.EqualValues(t, 1, w.calls.Load(), "decompiler must run once per fingerprint")
	snap := metrics.Snapshot()
	require.EqualValues(t, 2, snap.Decompiles.Total)
	require.EqualValues(t, 1, snap.Decompiles.Cached)
	require.EqualValues(t, 2, snap.Files[patch.StatusApplied])
	require.EqualValues(t, 2, snap.Runs)
	require.Zero(t, snap.FailedRuns)
}

func TestRunRecordsFailedPatches(t *testing.T) {
	t.Parallel()

	w := newWorkspace(t,
		map[string]string{"A.java": "a\nb\nc\n", "Keep.java": "keep\n"},
		map[string]string{
			"A.java.patch":       removeB,
			"Missing.java.patch": "--- a/Missing.java\n+++ b/Missing.java\n@@ -1 +1 @@\n-x\n+y\n",
			"Bad.java.patch":     "--- a/Bad.java\n+++ b/Bad.java\n@@ -1,3 +1,3 @@\n a\n b\n",
		})
	p := w.pipeline(t, nil)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	rep := res.Report
	require.Equal(t, report.StatePatchesFailed, rep.State)
	require.Equal(t, 1, rep.ExitCode())
	require.Equal(t, report.Summary{Total: 3, Applied: 1, Failed: 2}, rep.Summary)

	byPath := map[string]report.Entry{}
	for _, e := range rep.Entries {
		byPath[e.Path] = e
	}
	require.Equal(t, patch.CodeFormat, byPath["Bad.java"].Reason)
	require.Equal(t, patch.CodeMissingTarget, byPath["Missing.java"].Reason)

	require.Equal(t, "a\nc\n", readOutput(t, w, "A.java"), "good patches still apply")
	require.Equal(t, "keep\n", readOutput(t, w, "Keep.java"))
	_, err = os.Stat(filepath.Join(w.cfg.OutputDir, "Missing.java"))
	require.True(t, errors.Is(err, os.ErrNotExist))

	require.Equal(t, []State{StateDecompiling, StatePatching, StatePatchesFailed, StateDone}, p.History())
}

func TestRunDecompileErrorIsFatal(t *testing.T) {
	t.Parallel()

	w := newWorkspace(t, nil, map[string]string{"A.java.patch": removeB})
	w.fail = errors.New("tool crashed")
	metrics := NewInMemoryMetrics()
	p := w.pipeline(t, func(o *Options) { o.Metrics = metrics })

	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, patch.ErrDecompile)
	require.Equal(t, StateFailed, p.State())
	_, statErr := os.Stat(w.cfg.OutputDir)
	require.True(t, errors.Is(statErr, os.ErrNotExist), "output must not be written")
	_, statErr = os.Stat(w.cfg.ReportPath)
	require.True(t, errors.Is(statErr, os.ErrNotExist))

	snap := metrics.Snapshot()
	require.EqualValues(t, 1, snap.Decompiles.Failed)
	require.EqualValues(t, 1, snap.FailedRuns)

	// A failed pipeline can run again once the cause is fixed.
	w.fail = nil
	w.base = map[string]string{"A.java": "a\nb\nc\n"}
	_, err = p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateDone, p.State())
}

func TestRunHonoursCancellation(t *testing.T) {
	t.Parallel()

	w := newWorkspace(t,
		map[string]string{"A.java": "a\nb\nc\n"},
		map[string]string{"A.java.patch": removeB})
	ctx, cancel := context.WithCancel(context.Background())
	p := w.pipeline(t, func(o *Options) {
		o.Decompiler = decompiler.Func(func(context.Context, decompiler.Artifact) (*patch.SourceTree, error) {
			cancel()
			return patch.TreeFromMap(w.base)
		})
	})

	_, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StateFailed, p.State())
	_, statErr := os.Stat(w.cfg.OutputDir)
	require.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestRunEmitsEvents(t *testing.T) {
	t.Parallel()

	w := newWorkspace(t,
		map[string]string{"A.java": "a\nb\nc\n"},
		map[string]string{"A.java.patch": removeB, "Bad.java.patch": "garbage\n"})
	events := make(chan Event, 64)
	p := w.pipeline(t, func(o *Options) { o.Events = events })

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	close(events)

	var states []State
	var files []string
	for evt := range events {
		switch evt.Type {
		case EventTypeState:
			states = append(states, evt.State)
		case EventTypeFile:
			require.Equal(t, 2, evt.Total)
			files = append(files, evt.Result.Path)
		}
	}
	require.Equal(t, []State{StateDecompiling, StatePatching, StatePatchesFailed, StateDone}, states)
	require.ElementsMatch(t, []string{"A.java", "Bad.java"}, files)
}

func TestRegenerateAndDrift(t *testing.T) {
	t.Parallel()

	w := newWorkspace(t,
		map[string]string{"A.java": "a\nb\nc\n", "B.java": "one\ntwo\n"},
		map[string]string{"A.java.patch": removeB})
	p := w.pipeline(t, nil)
	ctx := context.Background()

	_, err := p.Run(ctx)
	require.NoError(t, err)

	drift, err := p.Drift(ctx)
	require.NoError(t, err)
	require.Empty(t, drift)

	require.NoError(t, os.WriteFile(filepath.Join(w.cfg.OutputDir, "A.java"), []byte("a\nc\nd\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(w.cfg.OutputDir, "New.java"), []byte("fresh\n"), 0o644))

	drift, err = p.Drift(ctx)
	require.NoError(t, err)
	require.Len(t, drift, 2)
	require.Equal(t, "A.java", drift[0].Path)
	require.Equal(t, DriftModified, drift[0].Kind)
	require.Contains(t, drift[0].Diff, "+d\n")
	require.Equal(t, DriftAdded, drift[1].Kind)

	regen, err := p.Regenerate(ctx, RegenOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, regen.Patches.Len())
	require.ElementsMatch(t, []string{"A.java.patch", "New.java.patch"}, regen.Written.Written)

	drift, err = p.Drift(ctx)
	require.NoError(t, err)
	require.Empty(t, drift)

	res, err := p.Run(ctx)
	require.NoError(t, err)
	require.False(t, res.Written.Changed(), "regenerated patches reproduce the edited tree")
	require.Equal(t, report.StatePatched, res.Report.State)
}

func TestRegenerateRefusesAfterFailedRun(t *testing.T) {
	t.Parallel()

	w := newWorkspace(t,
		map[string]string{"A.java": "a\nb\nc\n"},
		map[string]string{
			"A.java.patch":       removeB,
			"Missing.java.patch": "--- a/Missing.java\n+++ b/Missing.java\n@@ -1 +1 @@\n-x\n+y\n",
		})
	p := w.pipeline(t, nil)
	ctx := context.Background()

	_, err := p.Run(ctx)
	require.NoError(t, err)

	_, err = p.Regenerate(ctx, RegenOptions{})
	require.ErrorIs(t, err, ErrUnresolvedFailures)
	require.ErrorContains(t, err, "Missing.java")

	regen, err := p.Regenerate(ctx, RegenOptions{Force: true})
	require.NoError(t, err)
	require.Equal(t, []string{"Missing.java.patch"}, regen.Written.Removed)
	require.Equal(t, 1, regen.Patches.Len())
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.MaxFuzz = 9
	_, err := New(Options{Config: cfg, Decompiler: decompiler.Func(nil)})
	require.ErrorContains(t, err, "max_fuzz")

	_, err = New(Options{Config: config.Default()})
	require.ErrorContains(t, err, "decompiler is required")
}

func TestNewRejectsOutputOverWorkspace(t *testing.T) {
	t.Parallel()

	w := newWorkspace(t, map[string]string{"A.java": "a\nb\nc\n"}, map[string]string{"A.java.patch": removeB})
	w.cfg.OutputDir = filepath.Dir(w.cfg.PatchDir)

	_, err := New(Options{Config: w.cfg, Decompiler: w.decompiler()})
	require.ErrorContains(t, err, "must not contain patch_dir")
	require.FileExists(t, filepath.Join(w.cfg.PatchDir, "A.java.patch"))
	require.FileExists(t, w.cfg.Artifact)
	require.EqualValues(t, 0, w.calls.Load())
}

func TestCacheEntries(t *testing.T) {
	t.Parallel()

	cache := Cache{Dir: t.TempDir()}
	tree, err := patch.TreeFromMap(map[string]string{"x/Y.java": "y\r\n"})
	require.NoError(t, err)

	_, ok, err := cache.Load("abc")
	require.NoError(t, err)
	require.False(t, ok)

	for _, fp := range []string{"abc", "../escape/v1"} {
		require.NoError(t, cache.Store(fp, tree))
		got, ok, err := cache.Load(fp)
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, tree.Equal(got))
	}
	_, err = os.Stat(filepath.Join(filepath.Dir(cache.Dir), "escape"))
	require.True(t, errors.Is(err, os.ErrNotExist), "fingerprints must not escape the cache dir")

	cached := filepath.Join(cache.Dir, "abc", cacheTreeDir, "x", "Y.java")
	require.NoError(t, os.WriteFile(cached, []byte("edited\n"), 0o644))
	require.True(t, cache.Has("abc"))
	_, ok, err = cache.Load("abc")
	require.NoError(t, err)
	require.False(t, ok, "entries edited after storing are misses")

	require.NoError(t, cache.Store("abc", tree))
	require.NoError(t, os.Remove(filepath.Join(cache.Dir, "abc", cacheStampFile)))
	_, ok, err = cache.Load("abc")
	require.NoError(t, err)
	require.False(t, ok, "entries without a stamp are incomplete")
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	require.True(t, canTransition(StateIdle, StateDecompiling))
	require.True(t, canTransition(StatePatching, StatePatchesFailed))
	require.False(t, canTransition(StateIdle, StatePatched))
	require.False(t, canTransition(StateDone, StatePatching))
	require.True(t, StateFailed.Terminal())
	require.False(t, StatePatched.Terminal())
}
