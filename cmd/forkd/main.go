package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/forkd/internal/task"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// tasks is shared by the supervisor and every re-executed child.
var tasks = newTaskRegistry()

func newTaskRegistry() *task.Registry {
	reg := task.NewRegistry()
	if err := task.RegisterBuiltins(reg); err != nil {
		panic(err)
	}
	return reg
}

func main() {
	// Children re-execute this binary; Init runs their task and exits.
	task.Init(tasks)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
