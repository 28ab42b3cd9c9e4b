package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/forkd/internal/child"
	"github.com/mattjoyce/forkd/internal/config"
	"github.com/mattjoyce/forkd/internal/log"
	"github.com/mattjoyce/forkd/internal/supervisor"
	"github.com/mattjoyce/forkd/internal/task"
)

type job struct {
	cfg      config.JobConfig
	inv      task.Invocation
	admitted bool
	runs     int
}

// jobRunner is the daemon's unit of work: it submits configured jobs until
// their group admits them, and repeating jobs on every loop.
type jobRunner struct {
	jobs   []*job
	extra  []child.Binding
	logger *slog.Logger
}

func newJobRunner(reg *task.Registry, jobs []config.JobConfig, extra ...child.Binding) (*jobRunner, error) {
	r := &jobRunner{extra: extra, logger: log.WithComponent("jobs")}
	for _, jc := range jobs {
		inv, err := invocation(reg, jc)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", jc.Name, err)
		}
		r.jobs = append(r.jobs, &job{cfg: jc, inv: inv})
	}
	return r, nil
}

func invocation(reg *task.Registry, jc config.JobConfig) (task.Invocation, error) {
	name := jc.TaskName()
	if _, ok := reg.Lookup(name); !ok {
		return task.Invocation{}, fmt.Errorf("%w %q", task.ErrUnknownTask, name)
	}

	payload := make(map[string]any, len(jc.Payload)+1)
	for k, v := range jc.Payload {
		payload[k] = v
	}
	if len(jc.Command) > 0 {
		payload["argv"] = jc.Command
	}
	return task.CallJSON(name, payload)
}

// Do submits every pending job. A denied job stays pending for the next loop.
func (r *jobRunner) Do(ctx context.Context, sup *supervisor.Supervisor) error {
	var errs []error
	for _, j := range r.jobs {
		if j.admitted && !j.cfg.Repeat {
			continue
		}
		h, err := sup.Submit(ctx, j.inv, j.cfg.Group, r.extra...)
		if h != nil {
			j.admitted = true
			j.runs++
		}
		switch {
		case err == nil:
		case errors.Is(err, supervisor.ErrNotAdmitted):
			r.logger.Debug("job deferred", "job", j.cfg.Name, "error", err)
		default:
			errs = append(errs, fmt.Errorf("job %q: %w", j.cfg.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Settled reports whether every job has been admitted at least once.
func (r *jobRunner) Settled() bool {
	for _, j := range r.jobs {
		if !j.admitted {
			return false
		}
	}
	return true
}
