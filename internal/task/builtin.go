package task

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/forkd/internal/log"
)

// CommandPayload is the payload of the built-in "command" task.
type CommandPayload struct {
	Argv []string          `json:"argv"`
	Env  map[string]string `json:"env,omitempty"`
	Dir  string            `json:"dir,omitempty"`
}

// SleepPayload is the payload of the built-in "sleep" task.
type SleepPayload struct {
	Seconds float64 `json:"seconds"`
	Code    int     `json:"code"`
}

// RegisterBuiltins adds the "command" and "sleep" tasks to reg.
func RegisterBuiltins(reg *Registry) error {
	if err := reg.Register(Definition{Name: "command", Run: runCommand}); err != nil {
		return err
	}
	return reg.Register(Definition{Name: "sleep", Run: runSleep})
}

// runCommand executes argv and mirrors its exit status.
func runCommand(ctx context.Context, payload []byte) int {
	var p CommandPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Error("decode command payload", "error", err)
		return ExitBadRequest
	}
	if len(p.Argv) == 0 {
		log.Error("command payload has no argv")
		return ExitBadRequest
	}

	cmd := exec.CommandContext(ctx, p.Argv[0], p.Argv[1:]...)
	cmd.Dir = p.Dir
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	for k, v := range p.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	err := cmd.Run()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	log.Error("run command", "argv", p.Argv, "error", err)
	return ExitBadRequest
}

func runSleep(ctx context.Context, payload []byte) int {
	var p SleepPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Error("decode sleep payload", "error", err)
			return ExitBadRequest
		}
	}
	log.Info("sleeping", "seconds", p.Seconds)

	timer := time.NewTimer(time.Duration(p.Seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return p.Code
}
