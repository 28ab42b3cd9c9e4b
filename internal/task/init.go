package task

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/mattjoyce/forkd/internal/child"
	"github.com/mattjoyce/forkd/internal/log"
	"github.com/mattjoyce/forkd/internal/protocol"
)

const (
	// ExitPanic is returned when a task panics.
	ExitPanic = 70
	// ExitForkChild is returned when a fork-child callback fails.
	ExitForkChild = 126
	// ExitBadRequest is returned when the spawn request cannot be used.
	ExitBadRequest = 127
)

// Init runs the requested task and exits when this process was spawned as a
// child. It returns false in the supervisor itself. Call it first in main, and
// in TestMain of packages that spawn real children.
func Init(reg *Registry) bool {
	if os.Getenv(child.EnvMarker) == "" {
		return false
	}
	os.Exit(RunChild(context.Background(), reg, os.Stdin))
	return true
}

// RunChild reads a spawn request from r, fires fork-child and runs the task.
// It returns the exit status the child process should terminate with.
func RunChild(ctx context.Context, reg *Registry, r io.Reader) int {
	// Grandchildren started by a task must not mistake themselves for workers.
	_ = os.Unsetenv(child.EnvMarker)

	req, err := protocol.DecodeRequest(r)
	if err != nil {
		log.MarkChild()
		log.Error("invalid spawn request", "error", err)
		return ExitBadRequest
	}

	def, ok := reg.Lookup(req.Task)
	if !ok {
		log.MarkChild()
		log.Error("invalid spawn request", "task", req.Task, "error", ErrUnknownTask)
		return ExitBadRequest
	}

	h := child.NewInChild(child.Spec{
		RunID:   req.RunID,
		Task:    req.Task,
		Group:   req.Group,
		Payload: req.Payload,
	}, os.Getpid())
	h.Subscribe(child.EventForkChild, func(*child.Handle) error {
		log.MarkChild()
		return nil
	})
	if err := h.Bind(def.ChildEvents()...); err != nil {
		log.Error("bind fork-child events", "task", req.Task, "error", err)
		return ExitForkChild
	}
	if err := h.Fire(child.EventForkChild); err != nil {
		log.Error("fork-child callback failed", "task", req.Task, "error", err)
		return ExitForkChild
	}

	logger := log.WithRun(req.RunID).With("task", req.Task, "group", req.Group)
	logger.Debug("task starting")
	code := run(ctx, def, req.Payload)
	logger.Debug("task finished", "exit_code", code)
	return code
}

func run(ctx context.Context, def *Definition, payload []byte) (code int) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "task", def.Name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			code = ExitPanic
		}
	}()
	return def.Run(ctx, payload)
}
