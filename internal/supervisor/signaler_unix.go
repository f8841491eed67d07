//go:build !windows

package supervisor

import (
	"errors"
	"syscall"

	"github.com/loykin/dbwarden/internal/enumerator"
)

// osSignaler is the production Signaler backed by Unix signals.
type osSignaler struct{}

func (osSignaler) Terminate(pid int) error { return syscall.Kill(pid, syscall.SIGTERM) }

func (osSignaler) Kill(pid int) error { return syscall.Kill(pid, syscall.SIGKILL) }

func (osSignaler) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (osSignaler) StartTime(pid int) int64 { return enumerator.StartTimeUnix(pid) }
