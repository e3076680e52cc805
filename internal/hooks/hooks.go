// Package hooks is the narrow capability boundary toward user extension
// code. The pipeline invokes hooks at fixed lifecycle points and depends on
// nothing beyond the boolean "did something run" result.
package hooks

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Event names one lifecycle point.
type Event string

const (
	BeforeAll         Event = "before_all"
	AfterRetrieve     Event = "after_retrieve"
	BeforeObjectWrite Event = "before_object_write"
	AfterObjectWrite  Event = "after_object_write"
	AfterAll          Event = "after_all"
)

// Runner dispatches one lifecycle event. object is empty for run-scoped
// events. The boolean reports whether any handler ran.
type Runner interface {
	RunEvent(ctx context.Context, event Event, object string) (bool, error)
}

// Func is one registered handler.
type Func func(ctx context.Context, object string) error

// Registry is an in-process Runner dispatching to registered handlers.
type Registry struct {
	Logger   *logrus.Logger
	handlers map[Event][]Func
}

// NewRegistry creates an empty hook registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{Logger: logger, handlers: make(map[Event][]Func)}
}

// On registers a handler for an event.
func (r *Registry) On(event Event, fn Func) {
	r.handlers[event] = append(r.handlers[event], fn)
}

// RunEvent invokes every handler registered for the event, in registration
// order, stopping at the first error.
func (r *Registry) RunEvent(ctx context.Context, event Event, object string) (bool, error) {
	fns := r.handlers[event]
	if len(fns) == 0 {
		return false, nil
	}
	r.Logger.Debugf("Running %d hook(s) for %s %s", len(fns), event, object)
	for _, fn := range fns {
		if err := fn(ctx, object); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Noop is a Runner that never handles anything.
type Noop struct{}

// RunEvent reports that nothing ran.
func (Noop) RunEvent(ctx context.Context, event Event, object string) (bool, error) {
	return false, nil
}
