//go:build windows

package supervisor

import (
	"os"

	"github.com/loykin/dbwarden/internal/enumerator"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// osSignaler is the production Signaler. Windows has no SIGTERM; both steps
// terminate the process outright.
type osSignaler struct{}

func (osSignaler) Terminate(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func (osSignaler) Kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func (osSignaler) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}

func (osSignaler) StartTime(pid int) int64 { return enumerator.StartTimeUnix(pid) }
