// Package child represents spawned worker processes from the parent's side.
//
// A Handle is created when the supervisor admits a spawn, gets an identity
// (pid) once Spawn succeeds, and is polled until the operating system reports
// its termination. Lifecycle callbacks subscribed on the handle fire in
// subscription order as the handle moves through its states.
package child

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSpawn wraps failures of the process-creation primitive.
	ErrSpawn = errors.New("spawn failed")

	// ErrRelease wraps failures to free a reaped child's process resources.
	// The termination itself is already recorded when it is returned.
	ErrRelease = errors.New("release failed")

	// ErrUnsupported is returned by starters on platforms without process
	// wait semantics.
	ErrUnsupported = errors.New("child processes are not supported on this platform")
)

// Spec is everything a Starter needs to launch a child.
type Spec struct {
	RunID   string
	Task    string
	Group   string
	Payload json.RawMessage
}

// Starter launches child processes.
type Starter interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}

// Process is a started child as seen by the parent.
type Process interface {
	// Pid returns the operating system identity of the child.
	Pid() int
	// Wait reports whether the child has terminated. With block=false it
	// returns immediately; done is false while the child is still running.
	Wait(block bool) (status Status, done bool, err error)
	// Release frees resources held for the process after it was reaped.
	Release() error
}

// Handle tracks one spawned worker.
type Handle struct {
	spec    Spec
	starter Starter
	proc    Process

	pid       int
	running   bool
	status    Status
	startedAt time.Time
	endedAt   time.Time

	events dispatcher
}

// New creates a handle for spec. A missing RunID is filled with a fresh UUID.
func New(spec Spec, starter Starter) *Handle {
	if spec.RunID == "" {
		spec.RunID = uuid.NewString()
	}
	return &Handle{spec: spec, starter: starter}
}

// NewInChild creates the handle a child uses for its own fork-child callbacks.
// It already has an identity and is running.
func NewInChild(spec Spec, pid int) *Handle {
	return &Handle{spec: spec, pid: pid, running: true, startedAt: time.Now().UTC()}
}

// RunID returns the unique id of this run.
func (h *Handle) RunID() string { return h.spec.RunID }

// Task returns the name of the task the child runs.
func (h *Handle) Task() string { return h.spec.Task }

// Group returns the group the child was admitted to.
func (h *Handle) Group() string { return h.spec.Group }

// Payload returns the JSON arguments handed to the task.
func (h *Handle) Payload() json.RawMessage { return h.spec.Payload }

// Pid returns the child's process id, or 0 before Spawn.
func (h *Handle) Pid() int { return h.pid }

// Running reports whether the child was spawned and not yet seen to end.
func (h *Handle) Running() bool { return h.running }

// Status returns the termination record. Its Kind is KindUnknown until Poll
// observes termination.
func (h *Handle) Status() Status { return h.status }

// StartedAt returns when Spawn succeeded, in UTC.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// EndedAt returns when termination was observed, or the zero time.
func (h *Handle) EndedAt() time.Time { return h.endedAt }

// Terminated reports whether termination has been observed.
func (h *Handle) Terminated() bool {
	return h.status.Kind != KindUnknown
}

// Subscribe appends cb to the callbacks of et.
func (h *Handle) Subscribe(et EventType, cb Callback) {
	h.events.subscribe(et, cb)
}

// Bind subscribes every binding in order.
func (h *Handle) Bind(bindings ...Binding) error {
	for _, b := range bindings {
		if !b.Type.valid() {
			return fmt.Errorf("bind run %s: unknown event type %q", h.RunID(), b.Type)
		}
		if b.Callback == nil {
			return fmt.Errorf("bind run %s: nil callback for %s", h.RunID(), b.Type)
		}
		h.Subscribe(b.Type, b.Callback)
	}
	return nil
}

// Subscribers returns the number of callbacks bound to et.
func (h *Handle) Subscribers(et EventType) int {
	return h.events.count(et)
}

// Fire invokes the callbacks of et in subscription order. The first failure
// stops the chain and is returned as a *CallbackError.
func (h *Handle) Fire(et EventType) error {
	return h.events.fire(et, h)
}

// Spawn starts the child process and returns its pid.
func (h *Handle) Spawn(ctx context.Context) (int, error) {
	if h.proc != nil {
		return 0, fmt.Errorf("run %s already spawned as pid %d", h.RunID(), h.pid)
	}
	if h.starter == nil {
		return 0, fmt.Errorf("%w: run %s has no starter", ErrSpawn, h.RunID())
	}
	if err := h.Fire(EventExecute); err != nil {
		return 0, err
	}

	proc, err := h.starter.Start(ctx, h.spec)
	if err != nil {
		if errors.Is(err, ErrSpawn) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	pid := proc.Pid()
	if pid <= 0 {
		return 0, errors.Join(
			fmt.Errorf("%w: starter returned pid %d for run %s", ErrSpawn, pid, h.RunID()),
			proc.Release(),
		)
	}

	h.proc = proc
	h.pid = pid
	h.running = true
	h.startedAt = time.Now().UTC()

	if err := h.Fire(EventForkParent); err != nil {
		return h.pid, err
	}
	return h.pid, nil
}

// Poll checks whether the child has terminated, blocking when wait is true.
// Termination is recorded once and fires EventTerminate; later calls return
// the cached state.
func (h *Handle) Poll(wait bool) (bool, error) {
	if !h.running || h.proc == nil {
		return h.running, nil
	}

	status, done, err := h.proc.Wait(wait)
	if err != nil {
		return h.running, fmt.Errorf("wait for pid %d: %w", h.pid, err)
	}
	if !done {
		return h.running, nil
	}

	h.running = false
	h.status = status
	h.endedAt = time.Now().UTC()

	var releaseErr error
	if err := h.proc.Release(); err != nil {
		releaseErr = fmt.Errorf("%w: pid %d: %w", ErrRelease, h.pid, err)
	}
	return h.running, errors.Join(h.Fire(EventTerminate), releaseErr)
}

// Duration returns how long the child ran, or has been running so far.
func (h *Handle) Duration() time.Duration {
	if h.startedAt.IsZero() {
		return 0
	}
	if h.endedAt.IsZero() {
		return time.Since(h.startedAt)
	}
	return h.endedAt.Sub(h.startedAt)
}
