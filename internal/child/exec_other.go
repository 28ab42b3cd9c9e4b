//go:build !unix

package child

import (
	"context"
	"os"
)

// EnvMarker is set in the environment of every re-executed child.
const EnvMarker = "FORKD_CHILD"

// ExecStarter is unavailable on this platform.
type ExecStarter struct {
	Path   string
	Args   []string
	Env    []string
	Stdout *os.File
	Stderr *os.File
}

// Start always fails with ErrUnsupported.
func (s *ExecStarter) Start(ctx context.Context, spec Spec) (Process, error) {
	return nil, ErrUnsupported
}
