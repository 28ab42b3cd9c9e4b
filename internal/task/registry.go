// Package task defines the units of work executed inside child processes.
//
// Children are started by re-executing the supervisor binary, so a task is
// addressed by name: the same Registry is built in the parent and in every
// child before anything else runs, and Init switches a child process over to
// the requested task.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mattjoyce/forkd/internal/child"
)

// ErrUnknownTask is returned when an invocation names an unregistered task.
var ErrUnknownTask = errors.New("unknown task")

// Func is the body of a task. Its return value becomes the child's exit status.
type Func func(ctx context.Context, payload []byte) int

// Definition describes a registered task.
type Definition struct {
	Name string
	Run  Func
	// Group, when set, overrides the group chosen by the submitter.
	Group string
	// Events are bound to every handle running this task. fork-child
	// bindings run inside the child; the others run in the parent.
	Events []child.Binding
}

// Registry maps task names to definitions.
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds def. Names must be unique.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("task name must not be empty")
	}
	if def.Run == nil {
		return fmt.Errorf("task %q: run function must not be nil", def.Name)
	}
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("task %q already registered", def.Name)
	}
	for i, b := range def.Events {
		if _, err := child.ParseEventType(string(b.Type)); err != nil {
			return fmt.Errorf("task %q: events[%d]: %w", def.Name, i, err)
		}
		if b.Callback == nil {
			return fmt.Errorf("task %q: events[%d]: nil callback", def.Name, i)
		}
	}
	d := def
	r.defs[def.Name] = &d
	return nil
}

// MustRegister is Register that panics on error, for use during program init.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParentEvents returns the bindings that fire in the supervisor's process.
func (d *Definition) ParentEvents() []child.Binding {
	return d.filter(func(et child.EventType) bool { return et != child.EventForkChild })
}

// ChildEvents returns the fork-child bindings.
func (d *Definition) ChildEvents() []child.Binding {
	return d.filter(func(et child.EventType) bool { return et == child.EventForkChild })
}

func (d *Definition) filter(keep func(child.EventType) bool) []child.Binding {
	var out []child.Binding
	for _, b := range d.Events {
		if keep(b.Type) {
			out = append(out, b)
		}
	}
	return out
}

// Invocation is a request to run a registered task with a payload.
type Invocation struct {
	Name    string
	Payload json.RawMessage
}

// Call builds an invocation with a raw JSON payload.
func Call(name string, payload []byte) Invocation {
	return Invocation{Name: name, Payload: payload}
}

// CallJSON builds an invocation whose payload is v encoded as JSON.
func CallJSON(name string, v any) (Invocation, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Invocation{}, fmt.Errorf("encode payload for task %q: %w", name, err)
	}
	return Invocation{Name: name, Payload: b}, nil
}
