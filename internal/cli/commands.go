package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dbc-toolkit/dbcpatch/internal/bootprobe"
	"github.com/dbc-toolkit/dbcpatch/internal/config"
	"github.com/dbc-toolkit/dbcpatch/internal/logging"
	"github.com/dbc-toolkit/dbcpatch/internal/pipeline"
	"github.com/dbc-toolkit/dbcpatch/internal/report"
	"github.com/dbc-toolkit/dbcpatch/internal/tui"
)

func (a *app) newPipeline(cfg config.Config, logger logging.Logger, metrics pipeline.Metrics, events chan<- pipeline.Event) (*pipeline.Pipeline, error) {
	return pipeline.New(pipeline.Options{
		Config:     cfg,
		Decompiler: a.newDecompiler(cfg, logger),
		Logger:     logger,
		Metrics:    metrics,
		Events:     events,
	})
}

func (a *app) applyCommand() *cobra.Command {
	var useTUI, stats bool
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Decompile the artifact and apply the patch directory",
		Long: `Decompile the configured artifact (or reuse the cached decompilation for the
same fingerprint), apply every patch and write the patched tree and report.
Exits 1 when any patch failed.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := a.logger(cfg)
			metrics := pipeline.NewInMemoryMetrics()
			color := a.color()

			var res *pipeline.Result
			if useTUI {
				// Log lines would tear the progress view.
				quiet := logging.NoOpLogger{}
				err = tui.Run(ctx, func(ctx context.Context, events chan<- pipeline.Event) error {
					p, err := a.newPipeline(cfg, quiet, metrics, events)
					if err != nil {
						return err
					}
					res, err = p.Run(ctx)
					return err
				}, tui.Options{Input: cmd.InOrStdin(), Output: a.stdout, Color: color})
			} else {
				var p *pipeline.Pipeline
				p, err = a.newPipeline(cfg, logger, metrics, nil)
				if err == nil {
					res, err = p.Run(ctx)
				}
			}
			if err != nil {
				return err
			}

			if err := report.RenderText(a.stdout, res.Report, report.RenderOptions{Color: color}); err != nil {
				return err
			}
			snap := metrics.Snapshot()
			logMetrics(ctx, logger, snap)
			if stats {
				writeStats(a.stdout, snap)
			}
			if code := res.Report.ExitCode(); code != exitOK {
				return exitCodeError{code: code}
			}
			return nil
		},
	}
	addWorkspaceFlags(cmd)
	addMatchFlags(cmd)
	cmd.Flags().BoolVar(&useTUI, "tui", false, "show an interactive progress view")
	cmd.Flags().BoolVar(&stats, "stats", false, "print run statistics")
	return cmd
}

func logMetrics(ctx context.Context, logger logging.Logger, snap pipeline.MetricsSnapshot) {
	logger.Info(ctx, "run metrics",
		logging.F("decompiles", snap.Decompiles.Total),
		logging.F("cached", snap.Decompiles.Cached),
		logging.F("max_offset", snap.MaxOffset),
		logging.F("duration", snap.LastRunTime.Round(time.Millisecond)))
}

func writeStats(w io.Writer, snap pipeline.MetricsSnapshot) {
	source := "decompiled"
	if snap.Decompiles.Cached > 0 {
		source = "cache"
	}
	fmt.Fprintf(w, "base tree:  %s (%s)\n", source, snap.Decompiles.TotalTime.Round(time.Millisecond))

	levels := make([]int, 0, len(snap.Fuzz))
	for level := range snap.Fuzz {
		levels = append(levels, level)
	}
	sort.Ints(levels)
	parts := make([]string, 0, len(levels))
	for _, level := range levels {
		parts = append(parts, fmt.Sprintf("%d=%d", level, snap.Fuzz[level]))
	}
	fmt.Fprintf(w, "fuzz:       %s\n", strings.Join(parts, " "))
	fmt.Fprintf(w, "max offset: %d\n", snap.MaxOffset)
	fmt.Fprintf(w, "run time:   %s\n", snap.LastRunTime.Round(time.Millisecond))
}

func (a *app) regenCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "regen",
		Short: "Rewrite the patch directory from the edited output tree",
		Long: `Diff the output tree against the decompiled base and rewrite the patch
directory with one patch per changed file. Refuses to run while the last apply
report lists failed patches unless --force is given.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			p, err := a.newPipeline(cfg, a.logger(cfg), nil, nil)
			if err != nil {
				return err
			}
			res, err := p.Regenerate(cmd.Context(), pipeline.RegenOptions{Force: force})
			if errors.Is(err, pipeline.ErrUnresolvedFailures) {
				return fmt.Errorf("%w\nfix them and re-run 'dbcpatch apply', or pass --force", err)
			}
			if err != nil {
				return err
			}
			for _, name := range res.Written.Written {
				fmt.Fprintf(a.stdout, "wrote   %s\n", name)
			}
			for _, name := range res.Written.Removed {
				fmt.Fprintf(a.stdout, "removed %s\n", name)
			}
			fmt.Fprintf(a.stdout, "%d patches (%d written, %d removed, %d unchanged)\n",
				res.Patches.Len(), len(res.Written.Written), len(res.Written.Removed), res.Written.Unchanged)
			return nil
		},
	}
	addWorkspaceFlags(cmd)
	cmd.Flags().Int("context", 0, "context lines around each change")
	cmd.Flags().BoolVar(&force, "force", false, "regenerate even when the last apply had failed patches")
	return cmd
}

func (a *app) driftCommand() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "List output files edited since their patches were written",
		Long:  `Compare the output tree with the result of applying the patch directory. Exits 1 when they differ.`,
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			p, err := a.newPipeline(cfg, a.logger(cfg), nil, nil)
			if err != nil {
				return err
			}
			drift, err := p.Drift(cmd.Context())
			if err != nil {
				return err
			}
			if len(drift) == 0 {
				fmt.Fprintln(a.stdout, "no drift")
				return nil
			}
			for _, d := range drift {
				fmt.Fprintf(a.stdout, "%-8s %s\n", d.Kind, d.Path)
				if !quiet {
					fmt.Fprint(a.stdout, d.Diff)
				}
			}
			fmt.Fprintf(a.stdout, "%d files drifted; run 'dbcpatch regen' to update the patches\n", len(drift))
			return exitCodeError{code: exitFail}
		},
	}
	addWorkspaceFlags(cmd)
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "list drifted files without diffs")
	return cmd
}

func (a *app) reportCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show the last apply report",
		Long:  `Render the report written by the last 'dbcpatch apply'. Exits 1 when it lists failed patches.`,
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != "text" && format != "markdown" && format != "json" {
				return usageError{fmt.Errorf("unknown report format %q (want text, markdown or json)", format)}
			}
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			rep, err := report.Load(cfg.ReportPath)
			if errors.Is(err, report.ErrNoReport) {
				return fmt.Errorf("no report at %s; run 'dbcpatch apply' first", cfg.ReportPath)
			}
			if err != nil {
				return err
			}

			opts := report.RenderOptions{Color: a.color()}
			switch format {
			case "json":
				data, err := rep.Marshal()
				if err != nil {
					return err
				}
				if _, err := a.stdout.Write(data); err != nil {
					return err
				}
			case "markdown":
				out, err := report.RenderMarkdown(rep, opts)
				if err != nil {
					return err
				}
				fmt.Fprint(a.stdout, out)
			default:
				if err := report.RenderText(a.stdout, rep, opts); err != nil {
					return err
				}
			}
			if code := rep.ExitCode(); code != exitOK {
				return exitCodeError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().String("report", "", "apply report path")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format: text, markdown or json")
	return cmd
}

func (a *app) doctorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that the workspace is ready for an apply run",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to determine working directory: %w", err)
			}
			result := bootprobe.Run(bootprobe.NewContext(wd), cfg)
			fmt.Fprintln(a.stdout, bootprobe.FormatSummary(result))
			if !result.Ready() {
				return exitCodeError{code: exitFail}
			}
			return nil
		},
	}
	addWorkspaceFlags(cmd)
	return cmd
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the dbcpatch version",
		Args:  noArgs,
		RunE: func(*cobra.Command, []string) error {
			lookup, err := a.env()
			if err != nil {
				return err
			}
			version := Version
			if v, ok := lookup("VERSION"); ok && strings.TrimSpace(v) != "" {
				version = strings.TrimSpace(v)
			}
			fmt.Fprintln(a.stdout, version)
			return nil
		},
	}
}

func (a *app) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = a.stdout.Write(data)
			return err
		},
	}
	addWorkspaceFlags(cmd)
	addMatchFlags(cmd)
	return cmd
}
