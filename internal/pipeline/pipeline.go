// Package pipeline drives a decompile-and-patch run: obtain the base tree,
// apply the patch directory, write the patched tree and the report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dbc-toolkit/dbcpatch/internal/config"
	"github.com/dbc-toolkit/dbcpatch/internal/decompiler"
	"github.com/dbc-toolkit/dbcpatch/internal/logging"
	"github.com/dbc-toolkit/dbcpatch/internal/report"
	"github.com/dbc-toolkit/dbcpatch/pkg/patch"
)

// Options wires a Pipeline.
type Options struct {
	Config     config.Config
	Decompiler decompiler.Decompiler
	Logger     logging.Logger
	Metrics    Metrics
	// Events, when set, receives state and per-file events. The pipeline never
	// closes it.
	Events chan<- Event
	// EmitTimeout drops an event when the consumer does not receive it in
	// time. Zero waits until the context ends.
	EmitTimeout time.Duration
}

// Pipeline orchestrates apply, regenerate and drift runs for one workspace.
type Pipeline struct {
	cfg         config.Config
	decompiler  decompiler.Decompiler
	cache       Cache
	logger      logging.Logger
	metrics     Metrics
	events      chan<- Event
	emitTimeout time.Duration

	mu      sync.Mutex
	state   State
	history []State
}

// Result is the outcome of a successful Run. A run whose patches failed still
// produces a Result; check Report.ExitCode.
type Result struct {
	Report   *report.Report
	Tree     *patch.SourceTree
	Written  patch.WriteStats
	CacheHit bool
}

// New validates opts and builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Decompiler == nil {
		return nil, errors.New("pipeline: decompiler is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = NoOpMetrics{}
	}
	return &Pipeline{
		cfg:         opts.Config,
		decompiler:  opts.Decompiler,
		cache:       Cache{Dir: opts.Config.CacheDir},
		logger:      opts.Logger.WithFields(logging.F("component", "pipeline")),
		metrics:     opts.Metrics,
		events:      opts.Events,
		emitTimeout: opts.EmitTimeout,
		state:       StateIdle,
	}, nil
}

// State returns the current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// History returns every state entered since the pipeline was created.
func (p *Pipeline) History() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]State(nil), p.history...)
}

// Run performs one apply run. Failed patches are recorded in the report and do
// not make Run return an error; decompile, I/O and cancellation errors do, and
// leave the output directory untouched.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if err := p.reset(); err != nil {
		return nil, err
	}
	if logging.RunID(ctx) == "" {
		ctx = logging.WithRunID(ctx, logging.NewRunID())
	}
	start := time.Now()
	res, err := p.run(ctx)
	p.metrics.RecordRun(time.Since(start), err == nil && !res.Report.HasFailures())
	if err != nil {
		p.logger.Error(ctx, "apply run failed", err)
		p.emit(ctx, Event{Type: EventTypeError, Message: err.Error(), Level: StatusLevelError})
		if terr := p.transition(ctx, StateFailed, err.Error()); terr != nil {
			return nil, errors.Join(err, terr)
		}
		return nil, err
	}
	return res, p.transition(ctx, StateDone, res.Report.State)
}

func (p *Pipeline) reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.state == StateIdle:
	case p.state.Terminal():
		p.state = StateIdle
		p.history = append(p.history, StateIdle)
	default:
		return fmt.Errorf("pipeline: run already in progress (%s)", p.state)
	}
	return nil
}

func (p *Pipeline) run(ctx context.Context) (*Result, error) {
	if err := p.transition(ctx, StateDecompiling, p.cfg.Artifact); err != nil {
		return nil, err
	}
	base, artifact, cacheHit, err := p.Base(ctx)
	if err != nil {
		return nil, err
	}

	if err := p.transition(ctx, StatePatching, p.cfg.PatchDir); err != nil {
		return nil, err
	}
	set, failures, err := patch.LoadPatchDir(p.cfg.PatchDir)
	if err != nil {
		return nil, err
	}
	total := set.Len() + len(failures)
	p.logger.Info(ctx, "applying patches",
		logging.F("patches", set.Len()),
		logging.F("unparseable", len(failures)),
		logging.F("files", base.Len()))
	for i := range failures {
		p.recordResult(ctx, failures[i], total)
	}

	opts := p.cfg.PatchOptions()
	opts.OnResult = func(r patch.ApplyResult) { p.recordResult(ctx, r, total) }
	patched, results, err := patch.NewApplier(opts).Apply(ctx, base, set)
	if err != nil {
		return nil, fmt.Errorf("apply patches: %w", err)
	}

	rep := report.FromResults(artifact.Fingerprint, append(failures, results...))
	written, err := patch.WriteTree(p.cfg.OutputDir, patched)
	if err != nil {
		return nil, fmt.Errorf("write output tree: %w", err)
	}
	if err := report.Write(p.cfg.ReportPath, rep); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}
	p.logger.Info(ctx, "patched tree written",
		logging.F("output", p.cfg.OutputDir),
		logging.F("written", len(written.Written)),
		logging.F("removed", len(written.Removed)),
		logging.F("unchanged", written.Unchanged))

	next := StatePatched
	if rep.HasFailures() {
		next = StatePatchesFailed
	}
	if err := p.transition(ctx, next, rep.State); err != nil {
		return nil, err
	}
	return &Result{Report: rep, Tree: patched, Written: written, CacheHit: cacheHit}, nil
}

func (p *Pipeline) recordResult(ctx context.Context, r patch.ApplyResult, total int) {
	p.metrics.RecordApply(r)
	fields := []logging.Field{logging.F("path", r.Path), logging.F("status", r.Status)}
	switch {
	case r.Failed():
		p.logger.Warn(ctx, "patch failed", append(fields, logging.F("reason", r.Reason))...)
	case r.Status == patch.StatusAppliedWithFuzz:
		p.logger.Info(ctx, "patch applied with fuzz", append(fields, logging.F("offset", r.Offset), logging.F("fuzz", r.Fuzz))...)
	default:
		p.logger.Debug(ctx, "patch applied", fields...)
	}
	result := r
	p.emit(ctx, Event{Type: EventTypeFile, Result: &result, Total: total, Message: r.Path})
}

// Base returns the decompiled tree for the configured artifact, from the cache
// when its fingerprint matches.
func (p *Pipeline) Base(ctx context.Context) (*patch.SourceTree, decompiler.Artifact, bool, error) {
	start := time.Now()
	artifact, err := decompiler.NewArtifact(p.cfg.Artifact, p.cfg.ArtifactFingerprint)
	if err != nil {
		return nil, decompiler.Artifact{}, false, decompiler.Wrap(decompiler.Artifact{Path: p.cfg.Artifact}, err)
	}
	logger := p.logger.WithFields(logging.F("fingerprint", short(artifact.Fingerprint)))

	tree, ok, err := p.cache.Load(artifact.Fingerprint)
	if err != nil {
		logger.Warn(ctx, "ignoring unreadable cache entry", logging.F("error", err))
	}
	if ok {
		p.metrics.RecordDecompile(time.Since(start), true, true)
		logger.Info(ctx, "using cached decompilation", logging.F("files", tree.Len()))
		return tree, artifact, true, nil
	}

	logger.Info(ctx, "decompiling artifact", logging.F("artifact", artifact.Path))
	tree, err = p.decompiler.Decompile(ctx, artifact)
	p.metrics.RecordDecompile(time.Since(start), false, err == nil)
	if err != nil {
		return nil, artifact, false, decompiler.Wrap(artifact, err)
	}
	if err := p.cache.Store(artifact.Fingerprint, tree); err != nil {
		return nil, artifact, false, fmt.Errorf("cache decompiled tree: %w", err)
	}
	return tree, artifact, false, nil
}

func short(fingerprint string) string {
	if len(fingerprint) > 12 {
		return fingerprint[:12]
	}
	return fingerprint
}
