// Package supervisor admits, spawns and reaps child workers.
//
// A Supervisor is driven from a single goroutine: Submit, Reconcile, DrainAll,
// Len and Walk must not be called concurrently. Other goroutines observe it
// through Snapshot, which returns the state published after the last change.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/mattjoyce/forkd/internal/child"
	"github.com/mattjoyce/forkd/internal/events"
	"github.com/mattjoyce/forkd/internal/group"
	"github.com/mattjoyce/forkd/internal/log"
	"github.com/mattjoyce/forkd/internal/metrics"
	"github.com/mattjoyce/forkd/internal/task"
)

//go:generate mockgen -destination=mocks/mock_child.go -package=mocks github.com/mattjoyce/forkd/internal/child Starter,Process

var (
	// ErrNotAdmitted is returned by Submit when the group has no capacity.
	// Nothing was spawned and no counts changed.
	ErrNotAdmitted = errors.New("not admitted")

	// ErrChildOnlyBinding rejects fork-child callbacks passed to Submit. They
	// must be declared on the task definition, which the child also loads.
	ErrChildOnlyBinding = errors.New("fork-child callbacks must be declared on the task")
)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithHub publishes child transitions to hub.
func WithHub(hub *events.Hub) Option {
	return func(s *Supervisor) { s.hub = hub }
}

// WithMetrics mirrors bookkeeping into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// Supervisor owns the live set of children and the group accounting.
type Supervisor struct {
	groups   *group.Registry
	tasks    *task.Registry
	starter  child.Starter
	children map[int]*child.Handle

	logger  *slog.Logger
	hub     *events.Hub
	metrics *metrics.Metrics

	snapshot atomic.Pointer[Snapshot]
}

// New creates a Supervisor admitting against groups and resolving tasks in
// tasks. starter launches the admitted children.
func New(groups *group.Registry, tasks *task.Registry, starter child.Starter, opts ...Option) *Supervisor {
	s := &Supervisor{
		groups:   groups,
		tasks:    tasks,
		starter:  starter,
		children: make(map[int]*child.Handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.WithComponent("supervisor")
	}
	s.publish()
	return s
}

// Submit spawns inv in a child if its group admits one more.
//
// A group declared by the task definition wins over groupName; an empty group
// means group.DefaultGroup. The task's parent-side bindings are subscribed
// before extra. When a fork-parent callback fails the child is still running
// and tracked: both the handle and the callback error are returned.
func (s *Supervisor) Submit(ctx context.Context, inv task.Invocation, groupName string, extra ...child.Binding) (*child.Handle, error) {
	def, ok := s.tasks.Lookup(inv.Name)
	if !ok {
		return nil, fmt.Errorf("submit %q: %w", inv.Name, task.ErrUnknownTask)
	}
	if def.Group != "" {
		groupName = def.Group
	}
	if groupName == "" {
		groupName = group.DefaultGroup
	}
	for _, b := range extra {
		if b.Type == child.EventForkChild {
			return nil, fmt.Errorf("submit %q: %w", inv.Name, ErrChildOnlyBinding)
		}
	}

	if reason, ok := s.groups.Decide(groupName); !ok {
		s.logger.Debug("spawn not admitted",
			"task", inv.Name,
			"group", groupName,
			"reason", reason,
			"live", s.groups.Count(groupName),
			"soft_load", s.groups.SoftLoad(),
		)
		s.hub.Publish(events.ChildDenied, map[string]any{
			"task":   inv.Name,
			"group":  groupName,
			"reason": reason,
		})
		s.metrics.Admission(groupName, metrics.ResultDenied)
		return nil, fmt.Errorf("group %q: %w", groupName, ErrNotAdmitted)
	}

	h := child.New(child.Spec{Task: inv.Name, Group: groupName, Payload: inv.Payload}, s.starter)
	if err := h.Bind(def.ParentEvents()...); err != nil {
		return nil, err
	}
	if err := h.Bind(extra...); err != nil {
		return nil, err
	}

	pid, err := h.Spawn(ctx)
	if err != nil && pid == 0 {
		s.logger.Error("spawn failed", "task", inv.Name, "group", groupName, "run_id", h.RunID(), "error", err)
		s.hub.Publish(events.ChildSpawnError, map[string]any{
			"task":   inv.Name,
			"group":  groupName,
			"run_id": h.RunID(),
			"error":  err.Error(),
		})
		s.metrics.Admission(groupName, metrics.ResultSpawnFailed)
		return nil, err
	}

	s.children[pid] = h
	s.groups.RecordAdmit(groupName)
	s.metrics.Admission(groupName, metrics.ResultAdmitted)
	s.logger.Info("child spawned", "task", inv.Name, "group", groupName, "pid", pid, "run_id", h.RunID())
	s.hub.Publish(events.ChildSpawned, map[string]any{
		"task":   inv.Name,
		"group":  groupName,
		"pid":    pid,
		"run_id": h.RunID(),
	})
	s.publish()

	if err != nil {
		s.logger.Warn("fork-parent callback failed", "pid", pid, "run_id", h.RunID(), "error", err)
		return h, err
	}
	return h, nil
}

// Reconcile polls every live child in ascending pid order, blocking on each
// when wait is true, then removes the terminated ones from the live set,
// returns their slot to the group and fires cleanup.
//
// A callback error aborts the pass. Terminated children that were not reaped
// stay in the live set and are reaped by the next pass without firing
// terminate again.
func (s *Supervisor) Reconcile(wait bool) error {
	defer s.publish()

	var done []*child.Handle
	for _, pid := range s.pids() {
		h := s.children[pid]
		seen := h.Terminated()
		running, err := h.Poll(wait)
		if !seen && h.Terminated() {
			s.terminated(h)
		}
		if err != nil {
			return err
		}
		if !running {
			done = append(done, h)
		}
	}

	for _, h := range done {
		if err := s.reap(h); err != nil {
			return err
		}
	}
	return nil
}

// DrainAll blocks until every live child has been reaped. Callback and release
// errors are collected and returned together once the live set is empty; any
// other error stops the drain.
func (s *Supervisor) DrainAll() error {
	var errs []error
	for len(s.children) > 0 {
		err := s.Reconcile(true)
		if err == nil {
			continue
		}
		var cbErr *child.CallbackError
		if !errors.As(err, &cbErr) && !errors.Is(err, child.ErrRelease) {
			return errors.Join(append(errs, err)...)
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Len returns the number of live children.
func (s *Supervisor) Len() int {
	return len(s.children)
}

// Walk calls fn for each live child in ascending pid order until fn returns
// false.
func (s *Supervisor) Walk(fn func(pid int, h *child.Handle) bool) {
	for _, pid := range s.pids() {
		if !fn(pid, s.children[pid]) {
			return
		}
	}
}

// SoftLoad returns the shared load consumed by soft-limited groups.
func (s *Supervisor) SoftLoad() float64 {
	return s.groups.SoftLoad()
}

// Groups returns the group registry the supervisor admits against.
func (s *Supervisor) Groups() *group.Registry {
	return s.groups
}

func (s *Supervisor) terminated(h *child.Handle) {
	st := h.Status()
	s.logger.Debug("child terminated", "pid", h.Pid(), "run_id", h.RunID(), "status", st.String())
	s.hub.Publish(events.ChildTerminated, map[string]any{
		"pid":         h.Pid(),
		"run_id":      h.RunID(),
		"task":        h.Task(),
		"group":       h.Group(),
		"kind":        st.Kind.String(),
		"exit_code":   st.ExitCode,
		"term_signal": int(st.TermSignal),
		"stop_signal": int(st.StopSignal),
	})
}

// reap is the only place a group count is decremented.
func (s *Supervisor) reap(h *child.Handle) error {
	delete(s.children, h.Pid())
	s.groups.RecordReap(h.Group())
	s.metrics.Exit(h.Group(), h.Status().Kind.String(), h.Duration())
	s.logger.Info("child reaped",
		"pid", h.Pid(),
		"run_id", h.RunID(),
		"task", h.Task(),
		"group", h.Group(),
		"status", h.Status().String(),
		"duration", h.Duration().String(),
	)
	s.hub.Publish(events.ChildReaped, map[string]any{
		"pid":    h.Pid(),
		"run_id": h.RunID(),
		"group":  h.Group(),
	})
	return h.Fire(child.EventCleanup)
}

func (s *Supervisor) pids() []int {
	pids := make([]int, 0, len(s.children))
	for pid := range s.children {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}
