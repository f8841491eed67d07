// Package enumerator discovers live database server processes on the local
// machine and resolves which process holds a given TCP port.
package enumerator

import (
	"fmt"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Observed is a live OS process discovered during one enumeration pass.
// It is ephemeral and never persisted.
type Observed struct {
	PID         int
	Type        string
	CommandLine string
	Port        *int
}

// defaultExecutables maps known database executable names to the declared
// instance type they belong to.
var defaultExecutables = map[string]string{
	"postgres":     "postgresql",
	"mysqld":       "mysql",
	"mariadbd":     "mariadb",
	"mongod":       "mongodb",
	"redis-server": "redis",
}

type Enumerator struct {
	executables map[string]string
}

func New() *Enumerator {
	return &Enumerator{executables: defaultExecutables}
}

// NewWithExecutables builds an Enumerator for a custom executable-to-type map.
func NewWithExecutables(executables map[string]string) *Enumerator {
	if len(executables) == 0 {
		return New()
	}
	return &Enumerator{executables: executables}
}

// TypeForExecutable reports the instance type for a known executable name.
func (e *Enumerator) TypeForExecutable(name string) (string, bool) {
	typ, ok := e.executables[name]
	return typ, ok
}

// List returns every live process whose executable name matches a known
// database engine. Each matching pid is re-queried individually for its full
// command line; a process exiting between the two queries is silently dropped
// rather than failing the pass.
func (e *Enumerator) List() ([]Observed, error) {
	procs, err := gopsproc.Processes()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var out []Observed
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue // pid vanished between enumeration and the name query
		}
		typ, ok := e.TypeForExecutable(name)
		if !ok {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil {
			continue
		}
		out = append(out, Observed{
			PID:         int(p.Pid),
			Type:        typ,
			CommandLine: cmdline,
			Port:        ExtractPort(cmdline),
		})
	}
	return out, nil
}

// OwnerOfPort resolves the process listening on a local TCP port, the
// lsof-equivalent used by the port oracle. ok is false when no listener was
// found or its pid could not be resolved.
func (e *Enumerator) OwnerOfPort(port int) (name string, pid int, ok bool) {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		return "", 0, false
	}
	for _, conn := range conns {
		if conn.Status != "LISTEN" || int(conn.Laddr.Port) != port || conn.Pid <= 0 {
			continue
		}
		p, err := gopsproc.NewProcess(conn.Pid)
		if err != nil {
			return "", int(conn.Pid), true
		}
		n, err := p.Name()
		if err != nil {
			return "", int(conn.Pid), true
		}
		return n, int(conn.Pid), true
	}
	return "", 0, false
}
