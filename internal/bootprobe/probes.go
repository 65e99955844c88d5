// Package bootprobe checks that a workspace is ready for an apply run before
// any decompilation starts.
package bootprobe

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/dbc-toolkit/dbcpatch/internal/config"
	"github.com/dbc-toolkit/dbcpatch/internal/decompiler"
	"github.com/dbc-toolkit/dbcpatch/internal/pipeline"
	"github.com/dbc-toolkit/dbcpatch/pkg/patch"
)

// Severity grades a probe outcome.
type Severity string

const (
	SeverityOK   Severity = "ok"
	SeverityWarn Severity = "warn"
	SeverityFail Severity = "fail"
)

// Check is the outcome of one probe.
type Check struct {
	Name       string
	Severity   Severity
	Detail     string
	Indicators []string
}

// CommandStatus records whether a particular command is available on PATH.
type CommandStatus struct {
	Name      string
	Available bool
}

// OSResult summarises the host operating system and architecture.
type OSResult struct {
	GOOS         string
	GOARCH       string
	Distribution string
}

// Result collects every probe outcome.
type Result struct {
	Checks []Check
	OS     OSResult
}

// Run executes all probes against cfg. Relative paths in cfg resolve against
// the context root.
func Run(ctx *Context, cfg config.Config) Result {
	fingerprint, artifactCheck := probeArtifact(ctx, cfg)
	cache := probeCache(ctx, cfg, fingerprint)
	checks := []Check{
		probeConfig(ctx),
		artifactCheck,
		cache,
		probeDecompiler(ctx, cfg, cache.Severity == SeverityOK),
		probeJVM(ctx),
		probePatches(ctx, cfg),
		probeGit(ctx),
	}
	return Result{Checks: checks, OS: detectOS()}
}

func probeConfig(ctx *Context) Check {
	if ctx.HasFile(config.DefaultFile) {
		return Check{Name: "config", Severity: SeverityOK, Detail: config.DefaultFile}
	}
	return Check{Name: "config", Severity: SeverityWarn, Detail: "no " + config.DefaultFile + "; using defaults and environment"}
}

func probeArtifact(ctx *Context, cfg config.Config) (string, Check) {
	check := Check{Name: "artifact"}
	override := strings.TrimSpace(cfg.ArtifactFingerprint)
	switch {
	case cfg.Artifact == "" && override == "":
		check.Severity, check.Detail = SeverityFail, "no artifact configured"
		return "", check
	case !ctx.HasFile(cfg.Artifact):
		if override != "" {
			check.Severity, check.Detail = SeverityWarn, "artifact missing; relying on fingerprint "+override
			return override, check
		}
		check.Severity, check.Detail = SeverityFail, cfg.Artifact+" not found"
		return "", check
	}

	path := ctx.Path(cfg.Artifact)
	info, err := os.Stat(path)
	if err != nil {
		check.Severity, check.Detail = SeverityFail, err.Error()
		return override, check
	}
	check.Severity = SeverityOK
	check.Detail = fmt.Sprintf("%s (%s)", cfg.Artifact, formatSize(info.Size()))
	if override != "" {
		return override, check
	}
	fp, err := decompiler.FingerprintFile(path)
	if err != nil {
		check.Severity, check.Detail = SeverityFail, err.Error()
		return "", check
	}
	return fp, check
}

func probeCache(ctx *Context, cfg config.Config, fingerprint string) Check {
	check := Check{Name: "cache", Indicators: []string{cfg.CacheDir}}
	switch {
	case fingerprint == "":
		check.Severity, check.Detail = SeverityWarn, "unknown fingerprint"
	case pipeline.Cache{Dir: ctx.Path(cfg.CacheDir)}.Has(fingerprint):
		check.Severity, check.Detail = SeverityOK, "decompilation cached for "+shortFingerprint(fingerprint)
	default:
		check.Severity, check.Detail = SeverityWarn, "no cached decompilation; apply will decompile"
	}
	return check
}

func probeDecompiler(ctx *Context, cfg config.Config, cached bool) Check {
	check := Check{Name: "decompiler"}
	name := strings.TrimSpace(cfg.Decompiler.Command)
	if len(cfg.Decompiler.Args) > 0 {
		check.Indicators = append(check.Indicators, "args: "+strings.Join(cfg.Decompiler.Args, " "))
	}
	switch {
	case name == "" && cached:
		check.Severity, check.Detail = SeverityWarn, "no command configured; only the cached tree is usable"
	case name == "":
		check.Severity, check.Detail = SeverityFail, "no command configured and nothing cached"
	case ctx.CommandExists(name):
		check.Severity, check.Detail = SeverityOK, name
	case cached:
		check.Severity, check.Detail = SeverityWarn, name+" not found; the cached tree is still usable"
	default:
		check.Severity, check.Detail = SeverityFail, name+" not found"
	}
	return check
}

func probeJVM(ctx *Context) Check {
	var indicators []string
	if ctx.HasAnyFile("build.gradle", "build.gradle.kts", "settings.gradle", "settings.gradle.kts") {
		indicators = append(indicators, "Gradle project")
	}
	if ctx.HasFile("pom.xml") {
		indicators = append(indicators, "Maven project")
	}
	commands := commandStatuses(ctx, "java", "gradle", "mvn")
	if available := availableCommandNames(commands); len(available) > 0 {
		indicators = append(indicators, "commands: "+strings.Join(available, ", "))
	}

	check := Check{Name: "jvm", Indicators: indicators}
	if commands[0].Available {
		check.Severity, check.Detail = SeverityOK, "java available"
	} else {
		check.Severity, check.Detail = SeverityWarn, "java not found; JVM decompilers will not run"
	}
	return check
}

func probePatches(ctx *Context, cfg config.Config) Check {
	check := Check{Name: "patches", Indicators: []string{cfg.PatchDir}}
	if !ctx.HasDir(cfg.PatchDir) {
		check.Severity, check.Detail = SeverityWarn, "no patch directory; apply writes the unpatched tree"
		return check
	}
	n, err := ctx.CountFiles(cfg.PatchDir, patch.PatchExt)
	if err != nil {
		check.Severity, check.Detail = SeverityFail, err.Error()
		return check
	}
	check.Severity, check.Detail = SeverityOK, fmt.Sprintf("%d patch files", n)
	return check
}

func probeGit(ctx *Context) Check {
	check := Check{Name: "git", Severity: SeverityOK}
	if ctx.HasDir(".git") {
		check.Detail = "repository"
	} else {
		check.Detail = "not a repository"
	}
	if ctx.CommandExists("git") {
		check.Indicators = append(check.Indicators, "commands: git")
	}
	return check
}

func detectOS() OSResult {
	return OSResult{
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		Distribution: readOSRelease(),
	}
}

func commandStatuses(ctx *Context, commands ...string) []CommandStatus {
	statuses := make([]CommandStatus, 0, len(commands))
	for _, cmd := range commands {
		statuses = append(statuses, CommandStatus{
			Name:      cmd,
			Available: ctx.CommandExists(cmd),
		})
	}
	return statuses
}

func availableCommandNames(commands []CommandStatus) []string {
	var available []string
	for _, cmd := range commands {
		if cmd.Available {
			available = append(available, cmd.Name)
		}
	}
	return available
}

func readOSRelease() string {
	for _, path := range []string{"/etc/os-release", "/usr/lib/os-release"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if len(line) > len("PRETTY_NAME=") && strings.EqualFold(line[:len("PRETTY_NAME=")], "PRETTY_NAME=") {
				if value := strings.Trim(line[len("PRETTY_NAME="):], `"`); value != "" {
					return value
				}
			}
		}
	}
	return ""
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// Ready reports whether no probe failed.
func (r Result) Ready() bool {
	for _, c := range r.Checks {
		if c.Severity == SeverityFail {
			return false
		}
	}
	return true
}

// SummaryLines returns one human-readable line per check.
func (r Result) SummaryLines() []string {
	lines := make([]string, 0, len(r.Checks))
	for _, c := range r.Checks {
		line := fmt.Sprintf("[%s] %s: %s", c.Severity, c.Name, c.Detail)
		if len(c.Indicators) > 0 {
			line += " (" + strings.Join(c.Indicators, "; ") + ")"
		}
		lines = append(lines, line)
	}
	return lines
}

// FormatSummary renders the OS line followed by one bullet per check.
func FormatSummary(result Result) string {
	lines := result.SummaryLines()
	for i, line := range lines {
		lines[i] = "- " + line
	}
	return strings.Join(append([]string{FormatOSLine(result.OS)}, lines...), "\n")
}

// FormatOSLine renders a single line describing the host OS.
func FormatOSLine(osResult OSResult) string {
	if osResult.Distribution != "" {
		return fmt.Sprintf("OS: %s/%s (%s)", osResult.GOOS, osResult.GOARCH, osResult.Distribution)
	}
	return fmt.Sprintf("OS: %s/%s", osResult.GOOS, osResult.GOARCH)
}
