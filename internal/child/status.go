package child

import (
	"fmt"
	"syscall"
)

// Kind tells how a child ended.
type Kind int

const (
	// KindUnknown means the child has not been reaped.
	KindUnknown Kind = iota
	// KindExited means the child returned an exit code.
	KindExited
	// KindSignaled means a signal terminated the child.
	KindSignaled
	// KindStopped means the child was stopped by a signal.
	KindStopped
)

func (k Kind) String() string {
	switch k {
	case KindExited:
		return "exited"
	case KindSignaled:
		return "signaled"
	case KindStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is the termination record of a child. Only the field matching Kind is
// meaningful.
type Status struct {
	Kind       Kind
	ExitCode   int
	TermSignal syscall.Signal
	StopSignal syscall.Signal
}

// Exited builds the status of a child that returned code.
func Exited(code int) Status {
	return Status{Kind: KindExited, ExitCode: code}
}

// Signaled builds the status of a child terminated by sig.
func Signaled(sig syscall.Signal) Status {
	return Status{Kind: KindSignaled, TermSignal: sig}
}

// Stopped builds the status of a child stopped by sig.
func Stopped(sig syscall.Signal) Status {
	return Status{Kind: KindStopped, StopSignal: sig}
}

func (s Status) String() string {
	switch s.Kind {
	case KindExited:
		return fmt.Sprintf("exited (%d)", s.ExitCode)
	case KindSignaled:
		return fmt.Sprintf("terminated (%d)", int(s.TermSignal))
	case KindStopped:
		return fmt.Sprintf("stopped (%d)", int(s.StopSignal))
	default:
		return "unknown"
	}
}
