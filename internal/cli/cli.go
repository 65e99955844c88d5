// Package cli implements the dbcpatch command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/dbc-toolkit/dbcpatch/internal/config"
	"github.com/dbc-toolkit/dbcpatch/internal/decompiler"
	"github.com/dbc-toolkit/dbcpatch/internal/logging"
)

// Version is the build version, set with
// -ldflags "-X github.com/dbc-toolkit/dbcpatch/internal/cli.Version=...".
// The VERSION environment variable overrides it.
var Version = "dev"

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

// usageError marks bad invocations; they exit with code 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// exitCodeError ends a command that already reported its outcome.
type exitCodeError struct{ code int }

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

type app struct {
	stdout io.Writer
	stderr io.Writer

	environment   func(files ...string) (config.LookupFunc, error)
	newDecompiler func(config.Config, logging.Logger) decompiler.Decompiler

	configPath string
	envFile    string
	logLevel   string
	noColor    bool

	lookup config.LookupFunc
}

// Run executes dbcpatch with the provided CLI arguments and returns a
// POSIX-style exit code: 0 on success, 1 when patches failed or a fatal error
// occurred, 2 on usage errors.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{
		stdout:        stdout,
		stderr:        stderr,
		environment:   config.Environment,
		newDecompiler: commandDecompiler,
	}
	return a.execute(ctx, args)
}

func (a *app) execute(ctx context.Context, args []string) int {
	if a.stdout == nil {
		a.stdout = io.Discard
	}
	if a.stderr == nil {
		a.stderr = io.Discard
	}

	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	return a.exitCode(root.ExecuteContext(ctx))
}

func (a *app) exitCode(err error) int {
	var code exitCodeError
	var usage usageError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &code):
		return code.code
	case errors.As(err, &usage):
		fmt.Fprintf(a.stderr, "dbcpatch: %v\nRun 'dbcpatch --help' for usage.\n", err)
		return exitUsage
	default:
		fmt.Fprintf(a.stderr, "dbcpatch: %v\n", err)
		return exitFail
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "dbcpatch",
		Short: "Apply and maintain source patches on decompiled artifacts",
		Long: `dbcpatch decompiles a binary artifact, applies a directory of unified-diff
patches to the decompiled sources and keeps those patches in sync with edits
made to the patched tree.

Patch environment: apply, regen, drift.
Mod environment:   report, version.
Workspace checks:  doctor, config.`,
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError{fmt.Errorf("unknown command %q", args[0])}
			}
			return cmd.Help()
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "config file (default "+config.DefaultFile+" when present)")
	pf.StringVar(&a.envFile, "env-file", ".env", "dotenv file with DBCPATCH_* overrides")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.BoolVar(&a.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		a.applyCommand(),
		a.regenCommand(),
		a.driftCommand(),
		a.reportCommand(),
		a.versionCommand(),
		a.configCommand(),
		a.doctorCommand(),
	)
	return root
}

func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return usageError{err}
	}
	return nil
}

func (a *app) env() (config.LookupFunc, error) {
	if a.lookup != nil {
		return a.lookup, nil
	}
	lookup, err := a.environment(a.envFile)
	if err != nil {
		return nil, err
	}
	a.lookup = lookup
	return lookup, nil
}

// loadConfig layers flags set on cmd over the file and environment config.
func (a *app) loadConfig(cmd *cobra.Command) (config.Config, error) {
	lookup, err := a.env()
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(a.configPath, lookup)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}
	str("artifact", &cfg.Artifact)
	str("fingerprint", &cfg.ArtifactFingerprint)
	str("patches", &cfg.PatchDir)
	str("output", &cfg.OutputDir)
	str("cache", &cfg.CacheDir)
	str("report", &cfg.ReportPath)
	num("context", &cfg.ContextLines)
	num("workers", &cfg.Workers)
	num("max-fuzz", &cfg.MaxFuzz)
	num("search-radius", &cfg.FuzzSearchRadius)
	if flags.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (a *app) logger(cfg config.Config) logging.Logger {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.NewStdLogger(level, a.stderr)
}

func (a *app) color() bool {
	if a.noColor {
		return false
	}
	if lookup, err := a.env(); err == nil {
		if _, ok := lookup("NO_COLOR"); ok {
			return false
		}
	}
	return termenv.NewOutput(a.stdout).EnvColorProfile() != termenv.Ascii
}

func addWorkspaceFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("artifact", "", "binary artifact to decompile")
	f.String("fingerprint", "", "cache key overriding the artifact's content hash")
	f.String("patches", "", "patch directory")
	f.String("output", "", "patched source tree directory")
	f.String("cache", "", "decompilation cache directory")
	f.String("report", "", "apply report path")
}

func addMatchFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("workers", 0, "parallel patch workers (0 uses all CPUs)")
	f.Int("max-fuzz", 0, "maximum fuzz level, 0 to 2")
	f.Int("search-radius", 0, "lines searched around each hunk's expected position")
}

func commandDecompiler(cfg config.Config, logger logging.Logger) decompiler.Decompiler {
	retry := decompiler.DefaultRetryConfig()
	retry.MaxRetries = cfg.Decompiler.Retries
	return &decompiler.Command{
		Path:    cfg.Decompiler.Command,
		Args:    cfg.Decompiler.Args,
		Timeout: cfg.Decompiler.Timeout,
		Retry:   retry,
		Logger:  logger,
	}
}
