package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dbc-toolkit/dbcpatch/internal/logging"
	"github.com/dbc-toolkit/dbcpatch/pkg/patch"
)

// State is a stage of an apply run.
type State string

const (
	StateIdle          State = "idle"
	StateDecompiling   State = "decompiling"
	StatePatching      State = "patching"
	StatePatched       State = "patched"
	StatePatchesFailed State = "patches_failed"
	StateDone          State = "done"
	StateFailed        State = "failed"
)

var transitions = map[State][]State{
	StateIdle:          {StateDecompiling},
	StateDecompiling:   {StatePatching, StateFailed},
	StatePatching:      {StatePatched, StatePatchesFailed, StateFailed},
	StatePatched:       {StateDone, StateFailed},
	StatePatchesFailed: {StateDone, StateFailed},
	StateDone:          {StateIdle},
	StateFailed:        {StateIdle},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// EventType enumerates the pipeline events.
type EventType string

const (
	EventTypeState  EventType = "state"
	EventTypeFile   EventType = "file"
	EventTypeStatus EventType = "status"
	EventTypeError  EventType = "error"
)

// StatusLevel is the severity of a status event.
type StatusLevel string

const (
	StatusLevelInfo  StatusLevel = "info"
	StatusLevelWarn  StatusLevel = "warn"
	StatusLevelError StatusLevel = "error"
)

// Event is emitted on the pipeline's event channel as a run progresses.
type Event struct {
	Type    EventType
	State   State
	Message string
	Level   StatusLevel
	// Result is set on EventTypeFile events.
	Result *patch.ApplyResult
	// Total is the number of patch files in the run, set once patching starts.
	Total    int
	Metadata map[string]any
}

func (p *Pipeline) emit(ctx context.Context, evt Event) {
	if p.events == nil {
		return
	}
	if p.emitTimeout <= 0 {
		select {
		case p.events <- evt:
		case <-ctx.Done():
		}
		return
	}

	timer := time.NewTimer(p.emitTimeout)
	defer timer.Stop()
	select {
	case p.events <- evt:
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (p *Pipeline) transition(ctx context.Context, to State, message string) error {
	p.mu.Lock()
	from := p.state
	if !canTransition(from, to) {
		p.mu.Unlock()
		return fmt.Errorf("pipeline: invalid transition %s -> %s", from, to)
	}
	p.state = to
	p.history = append(p.history, to)
	p.mu.Unlock()

	level := StatusLevelInfo
	switch to {
	case StateFailed:
		level = StatusLevelError
	case StatePatchesFailed:
		level = StatusLevelWarn
	}
	p.logger.Debug(ctx, "pipeline state changed", logging.F("from", from), logging.F("to", to))
	p.emit(ctx, Event{Type: EventTypeState, State: to, Message: message, Level: level})
	return nil
}
