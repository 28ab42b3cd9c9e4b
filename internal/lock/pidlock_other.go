//go:build !unix

package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var ErrLocked = errors.New("already locked")

// PIDLock is unavailable without flock(2).
type PIDLock struct {
	path string
}

// AcquirePIDLock always fails on this platform.
func AcquirePIDLock(lockPath string) (*PIDLock, error) {
	return nil, fmt.Errorf("pid lock %s: not supported on this platform", lockPath)
}

func (l *PIDLock) Path() string { return l.path }

func (l *PIDLock) Release() error { return nil }

// HolderPID reads the PID recorded in lockPath.
func HolderPID(lockPath string) (int, error) {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}
