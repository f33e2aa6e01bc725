package events

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vietddude/controltower/internal/core/domain"
)

// Emitter defines the interface for publishing state change events
type Emitter interface {
	// Emit sends a single event
	Emit(ctx context.Context, event *domain.Event) error

	// Close releases the emitter
	Close() error
}

// Multi fans an event out to several emitters. Every emitter is tried;
// the returned error joins the individual failures.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, event *domain.Event) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, e := range m {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogEmitter writes events to the structured log.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter at debug level.
func NewLogEmitter() *LogEmitter {
	return &LogEmitter{logger: slog.Default().With("component", "events")}
}

func (l *LogEmitter) Emit(ctx context.Context, event *domain.Event) error {
	l.logger.DebugContext(ctx, "State changed",
		"kind", event.Kind,
		"id", event.EntityID,
		"state", event.State,
		"detail", event.Detail,
	)
	return nil
}

func (l *LogEmitter) Close() error { return nil }

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, *domain.Event) error { return nil }
func (Nop) Close() error                              { return nil }
