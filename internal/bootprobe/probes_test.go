package bootprobe

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbc-toolkit/dbcpatch/internal/config"
	"github.com/dbc-toolkit/dbcpatch/internal/pipeline"
	"github.com/dbc-toolkit/dbcpatch/pkg/patch"
)

func lookPathFor(available ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		for _, a := range available {
			if a == name {
				return filepath.Join("/usr/bin", name), nil
			}
		}
		return "", exec.ErrNotFound
	}
}

func checkNamed(t *testing.T, r Result, name string) Check {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("no %s check", name)
	return Check{}
}

func TestRunReadyWorkspace(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, dir, config.DefaultFile, "artifact: app.jar\n")
	mustWriteFile(t, dir, "app.jar", strings.Repeat("x", 2048))
	mustWriteFile(t, dir, "build.gradle.kts", "plugins {}")
	mustWriteFile(t, dir, "patches/a/A.java.patch", "--- a/a/A.java\n")
	mustWriteFile(t, dir, "patches/B.java.patch", "--- a/B.java\n")
	mustWriteFile(t, dir, "patches/notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))

	cfg := config.Default()
	cfg.Artifact = "app.jar"
	cfg.Decompiler.Command = "vineflower"

	ctx := NewContextWithLookPath(dir, lookPathFor("vineflower", "java", "git"))
	result := Run(ctx, cfg)

	require.True(t, result.Ready())
	require.Equal(t, SeverityOK, checkNamed(t, result, "config").Severity)
	require.Equal(t, "app.jar (2.0 KiB)", checkNamed(t, result, "artifact").Detail)
	require.Equal(t, SeverityWarn, checkNamed(t, result, "cache").Severity)
	require.Equal(t, SeverityOK, checkNamed(t, result, "decompiler").Severity)
	require.Equal(t, "2 patch files", checkNamed(t, result, "patches").Detail)
	require.Equal(t, "repository", checkNamed(t, result, "git").Detail)

	jvm := checkNamed(t, result, "jvm")
	require.Equal(t, SeverityOK, jvm.Severity)
	require.Contains(t, jvm.Indicators, "Gradle project")

	summary := FormatSummary(result)
	require.True(t, strings.HasPrefix(summary, "OS: "))
	require.Contains(t, summary, "- [ok] decompiler: vineflower")
	require.Contains(t, summary, "- [warn] cache: no cached decompilation")
}

func TestRunMissingDecompilerUsesCache(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.ArtifactFingerprint = "release-42"
	cfg.Decompiler.Command = "vineflower"

	ctx := NewContextWithLookPath(dir, lookPathFor())
	result := Run(ctx, cfg)
	require.False(t, result.Ready(), "nothing cached and no decompiler")
	require.Equal(t, SeverityFail, checkNamed(t, result, "decompiler").Severity)
	require.Equal(t, SeverityWarn, checkNamed(t, result, "artifact").Severity)

	tree, err := patch.TreeFromMap(map[string]string{"A.java": "a\n"})
	require.NoError(t, err)
	require.NoError(t, pipeline.Cache{Dir: filepath.Join(dir, cfg.CacheDir)}.Store("release-42", tree))

	result = Run(ctx, cfg)
	require.True(t, result.Ready())
	require.Equal(t, SeverityOK, checkNamed(t, result, "cache").Severity)
	require.Equal(t, SeverityWarn, checkNamed(t, result, "decompiler").Severity)
	require.Equal(t, SeverityWarn, checkNamed(t, result, "jvm").Severity)
}

func TestRunWithoutArtifact(t *testing.T) {
	ctx := NewContextWithLookPath(t.TempDir(), lookPathFor())
	result := Run(ctx, config.Default())
	require.False(t, result.Ready())
	require.Equal(t, "no artifact configured", checkNamed(t, result, "artifact").Detail)
	require.Equal(t, SeverityWarn, checkNamed(t, result, "patches").Severity)
}

func TestCommandExistsResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, dir, "tools/decompile.sh", "#!/bin/sh\n")
	ctx := NewContextWithLookPath(dir, lookPathFor())
	require.True(t, ctx.CommandExists("tools/decompile.sh"))
	require.False(t, ctx.CommandExists("tools/missing.sh"))
	require.False(t, ctx.CommandExists("cfr"))
}

func TestFormatSize(t *testing.T) {
	require.Equal(t, "512 B", formatSize(512))
	require.Equal(t, "1.5 KiB", formatSize(1536))
	require.Equal(t, "3.0 MiB", formatSize(3*1024*1024))
}

func mustWriteFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}
