// Package report builds, validates and renders the machine-readable outcome of
// a patch run.
package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dbc-toolkit/dbcpatch/pkg/patch"
)

// SchemaVersion is the report format version written to every report.
const SchemaVersion = 1

// Final pipeline states recorded in a report.
const (
	StatePatched       = "patched"
	StatePatchesFailed = "patches_failed"
)

// Entry is the outcome for one patch file.
type Entry struct {
	Path       string             `json:"path"`
	Op         string             `json:"op,omitempty"`
	Status     string             `json:"status"`
	Offset     int                `json:"offset"`
	Fuzz       int                `json:"fuzz"`
	Reason     string             `json:"reason,omitempty"`
	Message    string             `json:"message,omitempty"`
	Hunks      []patch.HunkStatus `json:"hunks,omitempty"`
	FailedHunk *patch.FailedHunk  `json:"failedHunk,omitempty"`
}

// Failed reports whether the entry records a failed patch.
func (e Entry) Failed() bool {
	return e.Status == string(patch.StatusFailed)
}

// Summary counts entries per status.
type Summary struct {
	Total           int `json:"total"`
	Applied         int `json:"applied"`
	AppliedWithFuzz int `json:"appliedWithFuzz"`
	Failed          int `json:"failed"`
}

// Report is the full outcome of an apply run. It carries no timestamps so
// identical runs produce identical bytes.
type Report struct {
	Version     int     `json:"version"`
	Fingerprint string  `json:"fingerprint,omitempty"`
	State       string  `json:"state"`
	Summary     Summary `json:"summary"`
	Entries     []Entry `json:"entries"`
}

// FromResults builds a report from apply results. Results are sorted by path.
func FromResults(fingerprint string, results []patch.ApplyResult) *Report {
	sorted := append([]patch.ApplyResult(nil), results...)
	patch.SortResults(sorted)

	r := &Report{
		Version:     SchemaVersion,
		Fingerprint: fingerprint,
		Entries:     make([]Entry, 0, len(sorted)),
	}
	for _, res := range sorted {
		entry := Entry{
			Path:   res.Path,
			Op:     string(res.Op),
			Status: string(res.Status),
			Offset: res.Offset,
			Fuzz:   res.Fuzz,
			Reason: res.Reason,
			Hunks:  res.Hunks,
		}
		if res.Err != nil {
			entry.Message = patch.FormatError(res.Err)
			entry.FailedHunk = res.Err.FailedHunk
		}
		r.Entries = append(r.Entries, entry)
	}
	r.recount()
	return r
}

func (r *Report) recount() {
	s := Summary{Total: len(r.Entries)}
	for _, e := range r.Entries {
		switch patch.Status(e.Status) {
		case patch.StatusApplied:
			s.Applied++
		case patch.StatusAppliedWithFuzz:
			s.AppliedWithFuzz++
		case patch.StatusFailed:
			s.Failed++
		}
	}
	r.Summary = s
	r.State = StatePatched
	if s.Failed > 0 {
		r.State = StatePatchesFailed
	}
}

// HasFailures reports whether any entry failed.
func (r *Report) HasFailures() bool {
	return r.Summary.Failed > 0
}

// ExitCode is 1 when any patch failed and 0 otherwise.
func (r *Report) ExitCode() int {
	if r.HasFailures() {
		return 1
	}
	return 0
}

// Failures returns the failed entries.
func (r *Report) Failures() []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.Failed() {
			out = append(out, e)
		}
	}
	return out
}

// Marshal encodes the report as indented JSON terminated by a newline.
func (r *Report) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return buf.Bytes(), nil
}

// Write validates the report against the schema and stores it at path. An
// existing file with identical bytes is left untouched.
func Write(path string, r *Report) error {
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	if err := Validate(data); err != nil {
		return err
	}
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// ErrNoReport is returned by Load when no report exists at the path.
var ErrNoReport = errors.New("no report found")

// Load reads and validates the report at path.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w at %s", ErrNoReport, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	if err := Validate(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}
