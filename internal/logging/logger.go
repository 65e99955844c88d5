// Package logging provides the structured logger shared by the pipeline,
// decompiler and CLI.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel accepts a case-insensitive level name. An empty name selects
// LevelInfo.
func ParseLevel(name string) (Level, error) {
	if strings.TrimSpace(name) == "" {
		return LevelInfo, nil
	}
	level := Level(strings.ToUpper(strings.TrimSpace(name)))
	if _, ok := levelRank[level]; !ok {
		return "", fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}

// Field is a key-value pair in a structured log entry.
type Field struct {
	Key   string
	Value any
}

// F creates a Field from a key-value pair.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Logger provides structured logging with context support.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, err error, fields ...Field)
	WithFields(fields ...Field) Logger
}

// NoOpLogger discards all log entries.
type NoOpLogger struct{}

func (n NoOpLogger) Debug(_ context.Context, _ string, _ ...Field)          {}
func (n NoOpLogger) Info(_ context.Context, _ string, _ ...Field)           {}
func (n NoOpLogger) Warn(_ context.Context, _ string, _ ...Field)           {}
func (n NoOpLogger) Error(_ context.Context, _ string, _ error, _ ...Field) {}
func (n NoOpLogger) WithFields(_ ...Field) Logger                           { return n }

// StdLogger writes one line per entry to a writer, tagging entries with the
// run ID carried by the context.
type StdLogger struct {
	fields   []Field
	minLevel Level
	logger   *log.Logger
	now      func() time.Time
}

// NewStdLogger creates a logger that drops entries below minLevel. A nil writer
// discards everything.
func NewStdLogger(minLevel Level, writer io.Writer) *StdLogger {
	if writer == nil {
		writer = io.Discard
	}
	if _, ok := levelRank[minLevel]; !ok {
		minLevel = LevelInfo
	}
	return &StdLogger{
		minLevel: minLevel,
		logger:   log.New(writer, "", 0),
		now:      time.Now,
	}
}

func (s *StdLogger) log(ctx context.Context, level Level, msg string, err error, fields ...Field) {
	if levelRank[level] < levelRank[s.minLevel] {
		return
	}

	all := make([]Field, 0, len(s.fields)+len(fields)+1)
	all = append(all, s.fields...)
	all = append(all, fields...)
	if id := RunID(ctx); id != "" {
		all = append(all, F("run_id", id))
	}

	parts := []string{
		fmt.Sprintf("[%s]", s.now().Format(time.RFC3339)),
		fmt.Sprintf("[%s]", level),
	}
	if err != nil {
		parts = append(parts, fmt.Sprintf("[error=%q]", err.Error()))
	}
	parts = append(parts, msg)
	if len(all) > 0 {
		kv := make([]string, 0, len(all))
		for _, f := range all {
			kv = append(kv, fmt.Sprintf("%s=%v", f.Key, f.Value))
		}
		parts = append(parts, fmt.Sprintf("fields=[%s]", strings.Join(kv, " ")))
	}

	s.logger.Println(strings.Join(parts, " "))
}

func (s *StdLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, LevelDebug, msg, nil, fields...)
}

func (s *StdLogger) Info(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, LevelInfo, msg, nil, fields...)
}

func (s *StdLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, LevelWarn, msg, nil, fields...)
}

func (s *StdLogger) Error(ctx context.Context, msg string, err error, fields ...Field) {
	s.log(ctx, LevelError, msg, err, fields...)
}

// WithFields returns a logger that adds fields to every entry.
func (s *StdLogger) WithFields(fields ...Field) Logger {
	merged := make([]Field, 0, len(s.fields)+len(fields))
	merged = append(merged, s.fields...)
	merged = append(merged, fields...)
	return &StdLogger{
		fields:   merged,
		minLevel: s.minLevel,
		logger:   s.logger,
		now:      s.now,
	}
}

type runIDKey struct{}

// WithRunID attaches a run ID to ctx for log correlation.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the run ID stored in ctx, if any.
func RunID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(runIDKey{}).(string); ok {
		return id
	}
	return ""
}

// NewRunID returns a short random identifier.
func NewRunID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
