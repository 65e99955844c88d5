package patch

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes reported in ApplyResult.Reason and on Error values.
const (
	CodeFormat            = "FORMAT_ERROR"
	CodeNoMatchingContext = "NO_MATCHING_CONTEXT"
	CodeMissingTarget     = "MISSING_TARGET"
	CodeTargetExists      = "TARGET_EXISTS"
	CodeDecompile         = "DECOMPILE_ERROR"
)

// Sentinels for errors.Is matching against *Error values.
var (
	// ErrFormat indicates malformed patch text.
	ErrFormat = errors.New("malformed patch")

	// ErrNoMatchingContext indicates a hunk could not be located in its target.
	ErrNoMatchingContext = errors.New("no matching context")

	// ErrMissingTarget indicates a patch references a file absent from the base tree.
	ErrMissingTarget = errors.New("missing target")

	// ErrTargetExists indicates a file creation patch targets a file that already exists.
	ErrTargetExists = errors.New("target already exists")

	// ErrDecompile indicates the external decompiler failed.
	ErrDecompile = errors.New("decompile failed")
)

var sentinelByCode = map[string]error{
	CodeFormat:            ErrFormat,
	CodeNoMatchingContext: ErrNoMatchingContext,
	CodeMissingTarget:     ErrMissingTarget,
	CodeTargetExists:      ErrTargetExists,
	CodeDecompile:         ErrDecompile,
}

// HunkStatus tracks how a hunk was applied when processing a patch.
type HunkStatus struct {
	Number int    `json:"number"`
	Status string `json:"status"`
	Offset int    `json:"offset,omitempty"`
	Fuzz   int    `json:"fuzz,omitempty"`
}

// Hunk status values.
const (
	HunkApplied = "applied"
	HunkNoMatch = "no-match"
	HunkSkipped = "skipped"
)

// FailedHunk stores the serialized lines of the hunk that could not be applied.
type FailedHunk struct {
	Number        int      `json:"number"`
	RawPatchLines []string `json:"rawPatchLines"`
}

// Error represents a structured failure while parsing or applying a patch. It
// satisfies the error interface and matches the package sentinels through
// errors.Is.
type Error struct {
	Message      string
	Code         string
	RelativePath string
	Line         int
	HunkStatuses []HunkStatus
	FailedHunk   *FailedHunk
	Err          error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "patch error"
}

// Unwrap exposes the wrapped cause, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is the sentinel for this error's code.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	sentinel, ok := sentinelByCode[e.Code]
	return ok && sentinel == target
}

// ErrorCode extracts the code of a *Error in err's chain. It returns an empty
// string when err carries no code.
func ErrorCode(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

func formatErrorf(path string, line int, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if line > 0 {
		msg = fmt.Sprintf("%s:%d: %s", displayPath(path), line, msg)
	} else if path != "" {
		msg = fmt.Sprintf("%s: %s", displayPath(path), msg)
	}
	return &Error{Message: msg, Code: CodeFormat, RelativePath: path, Line: line}
}

func displayPath(path string) string {
	if path == "" {
		return "<patch>"
	}
	return path
}

func describeHunkStatuses(statuses []HunkStatus) string {
	if len(statuses) == 0 {
		return ""
	}
	var applied []string
	var failed string
	for _, status := range statuses {
		if status.Status == HunkApplied {
			applied = append(applied, fmt.Sprintf("%d", status.Number))
			continue
		}
		if failed == "" && status.Status == HunkNoMatch {
			failed = fmt.Sprintf("No match for hunk %d.", status.Number)
		}
	}

	parts := make([]string, 0, 2)
	if len(applied) > 0 {
		parts = append(parts, fmt.Sprintf("Hunks applied: %s.", strings.Join(applied, ", ")))
	}
	if failed != "" {
		parts = append(parts, failed)
	}
	return strings.Join(parts, "\n")
}

// FormatError renders Error values into a human readable message suitable for
// a maintainer refreshing a failing patch.
func FormatError(err *Error) string {
	if err == nil {
		return "Unknown error occurred."
	}
	message := err.Error()
	if message == "" {
		message = "Unknown error occurred."
	}
	if err.Code != CodeNoMatchingContext {
		return message
	}

	relativePath := err.RelativePath
	if relativePath == "" {
		relativePath = "unknown file"
	}
	var parts []string
	parts = append(parts, message)
	if summary := describeHunkStatuses(err.HunkStatuses); summary != "" {
		parts = append(parts, "", summary)
	}
	if err.FailedHunk != nil && len(err.FailedHunk.RawPatchLines) > 0 {
		parts = append(parts, "", fmt.Sprintf("Offending hunk in %s:", relativePath))
		parts = append(parts, strings.Join(err.FailedHunk.RawPatchLines, "\n"))
	}
	return strings.Join(parts, "\n")
}
