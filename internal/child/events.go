package child

import (
	"fmt"
	"sort"
)

// EventType names a point in a child's lifecycle.
type EventType string

const (
	// EventExecute fires in the parent just before the spawn is attempted.
	EventExecute EventType = "execute"
	// EventForkParent fires in the parent once the child has an identity.
	EventForkParent EventType = "fork-parent"
	// EventForkChild fires inside the new child before its task runs.
	EventForkChild EventType = "fork-child"
	// EventTerminate fires in the parent the moment termination is observed.
	EventTerminate EventType = "terminate"
	// EventCleanup fires in the parent after the handle left the live set.
	EventCleanup EventType = "cleanup"
)

// eventOrder is the lifecycle order, used when flattening mappings.
var eventOrder = []EventType{EventExecute, EventForkParent, EventForkChild, EventTerminate, EventCleanup}

// EventTypes returns every event type in lifecycle order.
func EventTypes() []EventType {
	return append([]EventType(nil), eventOrder...)
}

// ParseEventType validates s as an event type name.
func ParseEventType(s string) (EventType, error) {
	for _, et := range eventOrder {
		if string(et) == s {
			return et, nil
		}
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

func (et EventType) valid() bool {
	_, err := ParseEventType(string(et))
	return err == nil
}

func (et EventType) rank() int {
	for i, t := range eventOrder {
		if t == et {
			return i
		}
	}
	return len(eventOrder)
}

// Callback observes a lifecycle transition of h. A returned error propagates
// to whoever fired the event.
type Callback func(h *Handle) error

// Binding attaches a callback to an event type.
type Binding struct {
	Type     EventType
	Callback Callback
}

// On binds cb to the event type et.
func On(et EventType, cb Callback) Binding {
	return Binding{Type: et, Callback: cb}
}

// OnTerminate binds cb to EventTerminate, the catch-all for bare callbacks.
func OnTerminate(cb Callback) Binding {
	return On(EventTerminate, cb)
}

// FromMap flattens a mapping of event types to callbacks. Types come out in
// lifecycle order; callbacks keep their slice order within a type.
func FromMap(m map[EventType][]Callback) []Binding {
	types := make([]EventType, 0, len(m))
	for et := range m {
		types = append(types, et)
	}
	sort.SliceStable(types, func(i, j int) bool {
		ri, rj := types[i].rank(), types[j].rank()
		if ri != rj {
			return ri < rj
		}
		return types[i] < types[j]
	})

	var out []Binding
	for _, et := range types {
		for _, cb := range m[et] {
			out = append(out, On(et, cb))
		}
	}
	return out
}

// CallbackError wraps a failure raised by a subscribed callback.
type CallbackError struct {
	Event EventType
	RunID string
	Err   error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("%s callback for run %s: %v", e.Event, e.RunID, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// dispatcher keeps ordered callback lists per event type.
type dispatcher struct {
	subs map[EventType][]Callback
}

func (d *dispatcher) subscribe(et EventType, cb Callback) {
	if d.subs == nil {
		d.subs = make(map[EventType][]Callback)
	}
	d.subs[et] = append(d.subs[et], cb)
}

func (d *dispatcher) count(et EventType) int {
	return len(d.subs[et])
}

func (d *dispatcher) fire(et EventType, h *Handle) error {
	for _, cb := range d.subs[et] {
		if err := cb(h); err != nil {
			return &CallbackError{Event: et, RunID: h.RunID(), Err: err}
		}
	}
	return nil
}
