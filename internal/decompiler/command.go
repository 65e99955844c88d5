package decompiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/dbc-toolkit/dbcpatch/internal/logging"
	"github.com/dbc-toolkit/dbcpatch/pkg/patch"
)

const (
	// PlaceholderArtifact is replaced with the artifact path in Command.Args.
	PlaceholderArtifact = "{artifact}"
	// PlaceholderOutput is replaced with the output directory in Command.Args.
	PlaceholderOutput = "{output}"

	maxStderrBytes = 4 * 1024
	waitDelay      = 2 * time.Second
)

// Command runs an external decompiler that writes sources into a directory.
type Command struct {
	// Path is the executable to run.
	Path string
	// Args may reference PlaceholderArtifact and PlaceholderOutput. Empty Args
	// run "Path {artifact} {output}".
	Args []string
	// Timeout bounds each attempt. Zero means no limit beyond ctx.
	Timeout time.Duration
	Retry   *RetryConfig
	Logger  logging.Logger
	// TempDir is where per-run output directories are created; empty uses
	// os.TempDir.
	TempDir string
}

// Decompile runs the command and loads the tree it produced. Timed-out attempts
// are retried according to c.Retry.
func (c *Command) Decompile(ctx context.Context, artifact Artifact) (*patch.SourceTree, error) {
	if strings.TrimSpace(c.Path) == "" {
		return nil, Wrap(artifact, errors.New("no decompiler command configured"))
	}
	logger := c.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	logger = logger.WithFields(logging.F("artifact", artifact.Path), logging.F("command", c.Path))

	outDir, err := os.MkdirTemp(c.TempDir, "dbcpatch-decompile-")
	if err != nil {
		return nil, Wrap(artifact, fmt.Errorf("create output directory: %w", err))
	}
	defer os.RemoveAll(outDir)

	err = executeWithRetry(ctx, c.Retry, func(attempt int) error {
		if attempt > 1 {
			logger.Warn(ctx, "retrying decompiler", logging.F("attempt", attempt))
			if err := resetDir(outDir); err != nil {
				return err
			}
		}
		start := time.Now()
		err := c.run(ctx, artifact, outDir)
		logger.Debug(ctx, "decompiler attempt finished",
			logging.F("attempt", attempt),
			logging.F("duration", time.Since(start).Round(time.Millisecond)),
			logging.F("ok", err == nil))
		return err
	})
	if err != nil {
		return nil, Wrap(artifact, err)
	}

	tree, err := patch.LoadTree(outDir)
	if err != nil {
		return nil, Wrap(artifact, err)
	}
	if tree.Len() == 0 {
		return nil, Wrap(artifact, errors.New("decompiler produced no files"))
	}
	logger.Info(ctx, "decompiled artifact", logging.F("files", tree.Len()))
	return tree, nil
}

func (c *Command) run(ctx context.Context, artifact Artifact, outDir string) error {
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Path, expandArgs(c.Args, artifact.Path, outDir)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// Children that outlive a killed process must not keep Run blocked on the
	// stderr pipe.
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return retryable(fmt.Errorf("decompiler timed out after %s", c.Timeout))
	}
	if tail := tailBytes(stderr.Bytes(), maxStderrBytes); len(tail) > 0 {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(tail)))
	}
	return err
}

func expandArgs(args []string, artifactPath, outDir string) []string {
	if len(args) == 0 {
		return []string{artifactPath, outDir}
	}
	out := make([]string, len(args))
	for i, arg := range args {
		arg = strings.ReplaceAll(arg, PlaceholderArtifact, artifactPath)
		out[i] = strings.ReplaceAll(arg, PlaceholderOutput, outDir)
	}
	return out
}

func tailBytes(b []byte, limit int) []byte {
	if len(b) > limit {
		return b[len(b)-limit:]
	}
	return b
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}
