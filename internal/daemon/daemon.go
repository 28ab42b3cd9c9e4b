// Package daemon runs the supervisor main loop: configure groups, call the
// unit of work, wait while reaping children, and drain on the way out.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/forkd/internal/events"
	"github.com/mattjoyce/forkd/internal/group"
	"github.com/mattjoyce/forkd/internal/log"
	"github.com/mattjoyce/forkd/internal/supervisor"
)

const (
	// DefaultLoopInterval is how often the unit of work runs.
	DefaultLoopInterval = 60 * time.Second
	// DefaultTickInterval is how often children are reconciled between loops.
	DefaultTickInterval = time.Second
)

// ErrAlreadyRun is returned by a second call to Run.
var ErrAlreadyRun = errors.New("daemon already run")

// State is a phase of the daemon lifecycle. It only moves forward.
type State int32

const (
	// StateStarting lasts until groups are configured.
	StateStarting State = iota
	// StateLooping runs the unit of work and reconciles children.
	StateLooping
	// StateStopping drains every live child.
	StateStopping
	// StateStopped is final; Run has returned.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateLooping:
		return "looping"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Work is the unit of work invoked once per loop. It may submit any number
// of children.
type Work interface {
	Do(ctx context.Context, sup *supervisor.Supervisor) error
}

// WorkFunc adapts a function to Work.
type WorkFunc func(ctx context.Context, sup *supervisor.Supervisor) error

func (f WorkFunc) Do(ctx context.Context, sup *supervisor.Supervisor) error {
	return f(ctx, sup)
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLoopInterval sets the minimum time between two calls to Work.
func WithLoopInterval(d time.Duration) Option {
	return func(dm *Daemon) {
		if d > 0 {
			dm.loopInterval = d
		}
	}
}

// WithTickInterval sets the pause between two non-blocking reconcile passes.
func WithTickInterval(d time.Duration) Option {
	return func(dm *Daemon) {
		if d > 0 {
			dm.tickInterval = d
		}
	}
}

// WithContinue sets a predicate checked before every loop; the daemon stops
// once it returns false.
func WithContinue(fn func() bool) Option {
	return func(dm *Daemon) { dm.cont = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(dm *Daemon) { dm.logger = l }
}

// WithHub publishes state changes to hub.
func WithHub(hub *events.Hub) Option {
	return func(dm *Daemon) { dm.hub = hub }
}

// Daemon drives a Supervisor.
type Daemon struct {
	sup        *supervisor.Supervisor
	groups     *group.Registry
	capacities map[string]any
	work       Work

	loopInterval time.Duration
	tickInterval time.Duration
	cont         func() bool
	logger       *slog.Logger
	hub          *events.Hub

	state    atomic.Int32
	started  atomic.Bool
	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	nextTock time.Time
}

// New creates a daemon. capacities maps group names to raw capacity specs
// and is applied to groups when Run starts.
func New(sup *supervisor.Supervisor, groups *group.Registry, capacities map[string]any, work Work, opts ...Option) *Daemon {
	d := &Daemon{
		sup:          sup,
		groups:       groups,
		capacities:   capacities,
		work:         work,
		loopInterval: DefaultLoopInterval,
		tickInterval: DefaultTickInterval,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = log.WithComponent("daemon")
	}
	return d
}

// Run blocks until the daemon is stopped, the context is cancelled or the
// continue predicate fails, then waits for every child to be reaped.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}

	d.logger.Debug("startup")
	if err := d.startup(); err != nil {
		d.setState(StateStopped)
		return err
	}

	d.setState(StateLooping)
	d.loop(ctx)

	d.setState(StateStopping)
	d.logger.Debug("shutdown", "live", d.sup.Len())
	err := d.sup.DrainAll()
	if err != nil {
		d.logger.Error("drain failed", "error", err)
	}

	d.setState(StateStopped)
	d.logger.Debug("bye")
	return err
}

// Stop asks the loop to end. It returns immediately; Run drains and returns.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		d.logger.Debug("stop requested")
		d.stopped.Store(true)
		close(d.stopCh)
	})
}

// IsRunning reports whether the daemon has neither been asked to stop nor
// finished.
func (d *Daemon) IsRunning() bool {
	return !d.stopped.Load() && d.State() != StateStopped
}

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	return State(d.state.Load())
}

func (d *Daemon) setState(s State) {
	d.state.Store(int32(s))
	d.hub.Publish(events.DaemonState, map[string]any{"state": s.String()})
}

func (d *Daemon) startup() error {
	names := make([]string, 0, len(d.capacities))
	for name := range d.capacities {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := d.groups.Configure(name, d.capacities[name]); err != nil {
			return fmt.Errorf("startup: %w", err)
		}
	}
	for _, st := range d.groups.Snapshot() {
		d.logger.Debug("group configured", "group", st.Name, "hard", st.Capacity.Hard, "soft", st.Capacity.Soft)
	}
	return nil
}

func (d *Daemon) loop(ctx context.Context) {
	for d.shouldContinue(ctx) {
		d.logger.Debug("running", "load_pct", int(d.sup.SoftLoad()*100), "live", d.sup.Len())
		if err := d.work.Do(ctx, d.sup); err != nil {
			d.logger.Error("work failed", "error", err)
		}
		if !d.shouldContinue(ctx) {
			return
		}
		d.tock(ctx)
	}
}

func (d *Daemon) shouldContinue(ctx context.Context) bool {
	if d.stopped.Load() || ctx.Err() != nil {
		return false
	}
	return d.cont == nil || d.cont()
}

// tock reaps children until the loop interval has elapsed since the previous
// tock. The deadline advances by exactly one interval per call, anchored on
// the first call, so a slow unit of work does not shift the schedule.
func (d *Daemon) tock(ctx context.Context) {
	if d.nextTock.IsZero() {
		d.nextTock = time.Now()
	}
	d.nextTock = d.nextTock.Add(d.loopInterval)

	for {
		if !d.tick(ctx) {
			return
		}
		if !time.Now().Before(d.nextTock) {
			return
		}
	}
}

// tick runs one non-blocking reconcile pass and sleeps for the tick interval
// or until the remaining wait is shorter. It returns false when the daemon
// should stop waiting.
func (d *Daemon) tick(ctx context.Context) bool {
	if err := d.sup.Reconcile(false); err != nil {
		d.logger.Error("reconcile failed", "error", err)
	}

	wait := d.tickInterval
	if remaining := time.Until(d.nextTock); remaining < wait {
		wait = remaining
	}
	if wait <= 0 {
		return true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-d.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}
