//go:build unix

package child

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mattjoyce/forkd/internal/protocol"
)

// EnvMarker is set in the environment of every re-executed child.
const EnvMarker = "FORKD_CHILD"

// ExecStarter spawns children by re-executing a binary that calls task.Init
// before anything else. The spawn request travels on the child's stdin.
type ExecStarter struct {
	// Path of the binary to run. Defaults to os.Executable().
	Path string
	// Args are extra arguments after argv[0].
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	// Stdout and Stderr default to the parent's.
	Stdout *os.File
	Stderr *os.File
}

// Start launches spec in a new process group.
func (s *ExecStarter) Start(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("%w: resolve executable: %w", ErrSpawn, err)
		}
		path = exe
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create stdin pipe: %w", ErrSpawn, err)
	}

	cmd := exec.Command(path, s.Args...)
	cmd.Env = append(append(os.Environ(), s.Env...), EnvMarker+"=1")
	cmd.Stdin = stdinR
	cmd.Stdout = s.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	// Own process group: terminal signals aimed at the supervisor must not
	// reach workers.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		return nil, fmt.Errorf("%w: start %s: %w", ErrSpawn, path, err)
	}
	_ = stdinR.Close()

	req := &protocol.Request{
		Protocol:  protocol.Version,
		RunID:     spec.RunID,
		Task:      spec.Task,
		Group:     spec.Group,
		Payload:   spec.Payload,
		SpawnedAt: time.Now().UTC(),
	}
	// A failed write leaves the child with a truncated request; it exits
	// with status 127 and is reaped like any other child.
	_ = protocol.EncodeRequest(stdinW, req)
	_ = stdinW.Close()

	return &execProcess{cmd: cmd, pid: cmd.Process.Pid}, nil
}

type execProcess struct {
	cmd *exec.Cmd
	pid int
}

func (p *execProcess) Pid() int { return p.pid }

func (p *execProcess) Wait(block bool) (Status, bool, error) {
	opts := unix.WUNTRACED
	if !block {
		opts |= unix.WNOHANG
	}

	var ws unix.WaitStatus
	for {
		pid, err := unix.Wait4(p.pid, &ws, opts, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return Status{}, false, err
		}
		if pid == 0 {
			return Status{}, false, nil
		}
		break
	}

	switch {
	case ws.Exited():
		return Exited(ws.ExitStatus()), true, nil
	case ws.Signaled():
		return Signaled(ws.Signal()), true, nil
	case ws.Stopped():
		return Stopped(ws.StopSignal()), true, nil
	}
	return Status{}, false, nil
}

func (p *execProcess) Release() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Release()
}
