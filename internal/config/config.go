// Package config loads dbcpatch settings from defaults, dbcpatch.yaml, .env
// files and DBCPATCH_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dbc-toolkit/dbcpatch/internal/logging"
	"github.com/dbc-toolkit/dbcpatch/pkg/patch"
)

// DefaultFile is the config file looked up in the working directory when no
// explicit path is given.
const DefaultFile = "dbcpatch.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DBCPATCH_"

// Decompiler configures the external decompiler command.
type Decompiler struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
	Retries int           `yaml:"retries,omitempty"`
}

// Config holds every setting of a pipeline run.
type Config struct {
	Artifact string `yaml:"artifact"`
	// ArtifactFingerprint overrides the content hash of Artifact as the cache
	// key when set.
	ArtifactFingerprint string `yaml:"artifact_fingerprint,omitempty"`

	PatchDir   string `yaml:"patch_dir"`
	OutputDir  string `yaml:"output_dir"`
	CacheDir   string `yaml:"cache_dir"`
	ReportPath string `yaml:"report_path"`

	ContextLines     int `yaml:"context_lines"`
	FuzzSearchRadius int `yaml:"fuzz_search_radius"`
	MaxFuzz          int `yaml:"max_fuzz"`
	// Workers bounds parallel per-file application; zero uses GOMAXPROCS.
	Workers int `yaml:"workers,omitempty"`

	Decompiler Decompiler `yaml:"decompiler"`
	LogLevel   string     `yaml:"log_level,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		PatchDir:         "patches",
		OutputDir:        "src",
		CacheDir:         ".dbcpatch/cache",
		ReportPath:       ".dbcpatch/report.json",
		ContextLines:     patch.DefaultContextLines,
		FuzzSearchRadius: patch.DefaultSearchRadius,
		MaxFuzz:          patch.DefaultMaxFuzz,
		Decompiler: Decompiler{
			Timeout: 10 * time.Minute,
			Retries: 1,
		},
		LogLevel: string(logging.LevelInfo),
	}
}

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// Environment returns a LookupFunc over the process environment backed by the
// given .env files. Process variables win over .env entries and missing files
// are ignored, matching godotenv.Load.
func Environment(dotenvFiles ...string) (LookupFunc, error) {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	merged := make(map[string]string)
	for _, file := range dotenvFiles {
		values, err := godotenv.Read(file)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
		for k, v := range values {
			if _, seen := merged[k]; !seen {
				merged[k] = v
			}
		}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := merged[key]
		return v, ok
	}, nil
}

// Load builds a Config from defaults, the YAML file at path and environment
// overrides. An empty path reads DefaultFile when it exists. A nil lookup
// skips environment overrides. The result is not validated.
func Load(path string, lookup LookupFunc) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := Parse(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	if lookup != nil {
		if err := cfg.applyEnv(lookup); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// Parse decodes YAML over cfg, leaving fields absent from data untouched.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup LookupFunc) error {
	strs := map[string]*string{
		"ARTIFACT":             &c.Artifact,
		"ARTIFACT_FINGERPRINT": &c.ArtifactFingerprint,
		"PATCH_DIR":            &c.PatchDir,
		"OUTPUT_DIR":           &c.OutputDir,
		"CACHE_DIR":            &c.CacheDir,
		"REPORT_PATH":          &c.ReportPath,
		"DECOMPILER":           &c.Decompiler.Command,
		"LOG_LEVEL":            &c.LogLevel,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"CONTEXT_LINES":      &c.ContextLines,
		"FUZZ_SEARCH_RADIUS": &c.FuzzSearchRadius,
		"MAX_FUZZ":           &c.MaxFuzz,
		"WORKERS":            &c.Workers,
		"DECOMPILER_RETRIES": &c.Decompiler.Retries,
	}
	for name, dst := range ints {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
	}

	if v, ok := lookup(EnvPrefix + "DECOMPILER_ARGS"); ok {
		c.Decompiler.Args = strings.Fields(v)
	}
	if v, ok := lookup(EnvPrefix + "DECOMPILER_TIMEOUT"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sDECOMPILER_TIMEOUT: %w", EnvPrefix, err)
		}
		c.Decompiler.Timeout = d
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.ContextLines < 0 {
		errs = append(errs, errors.New("context_lines must not be negative"))
	}
	if c.FuzzSearchRadius < 0 {
		errs = append(errs, errors.New("fuzz_search_radius must not be negative"))
	}
	if c.MaxFuzz < patch.FuzzExact || c.MaxFuzz > patch.FuzzBoth {
		errs = append(errs, fmt.Errorf("max_fuzz must be between %d and %d", patch.FuzzExact, patch.FuzzBoth))
	}
	if c.Workers < 0 {
		errs = append(errs, errors.New("workers must not be negative"))
	}
	for _, dir := range []struct{ name, value string }{
		{"patch_dir", c.PatchDir},
		{"output_dir", c.OutputDir},
		{"cache_dir", c.CacheDir},
		{"report_path", c.ReportPath},
	} {
		if strings.TrimSpace(dir.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", dir.name))
		}
	}
	if strings.TrimSpace(c.OutputDir) != "" {
		// Apply prunes every file under output_dir that the patched tree lacks.
		for _, p := range []struct{ name, value string }{
			{"patch_dir", c.PatchDir},
			{"cache_dir", c.CacheDir},
			{"report_path", c.ReportPath},
			{"artifact", c.Artifact},
		} {
			if strings.TrimSpace(p.value) == "" {
				continue
			}
			inside, err := within(c.OutputDir, p.value)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
				continue
			}
			if inside {
				errs = append(errs, fmt.Errorf("output_dir %q must not contain %s %q", c.OutputDir, p.name, p.value))
			}
		}
	}
	if c.Decompiler.Timeout < 0 {
		errs = append(errs, errors.New("decompiler.timeout must not be negative"))
	}
	if c.Decompiler.Retries < 0 {
		errs = append(errs, errors.New("decompiler.retries must not be negative"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// within reports whether path equals dir or lies below it.
func within(dir, path string) (bool, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false, err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false, nil
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))), nil
}

// PatchOptions returns the applier options selected by c.
func (c Config) PatchOptions() patch.Options {
	return patch.Options{
		SearchRadius: c.FuzzSearchRadius,
		MaxFuzz:      c.MaxFuzz,
		Workers:      c.Workers,
	}
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
