package main

import (
	"errors"
	"fmt"

	"github.com/loykin/dbwarden"
	"github.com/loykin/dbwarden/internal/config"
	"github.com/loykin/dbwarden/internal/ipc"
	"github.com/loykin/dbwarden/internal/portcheck"
)

// portOracle is the probe surface the conflict resolver needs, served either
// by the daemon socket or by a direct local checker.
type portOracle interface {
	Check(port int) portcheck.Result
	FindFree(start, maxAttempts int) (int, error)
}

// probeBackend prefers the daemon's port oracle (one shared prober per host)
// and degrades to a direct local probe when no daemon is running.
func probeBackend(c command, st config.Settings) portOracle {
	cl := c.client(st, 0)
	if cl.Reachable() {
		return ipcOracle{cl: cl}
	}
	return newChecker(st)
}

func newChecker(st config.Settings) *dbwarden.Checker {
	var opts []portcheck.Option
	if len(st.DenyPorts) > 0 {
		opts = append(opts, portcheck.WithDenyPorts(st.DenyPorts))
	}
	return dbwarden.NewChecker(dbwarden.NewEnumerator(), opts...)
}

type ipcOracle struct {
	cl *ipc.Client
}

func (o ipcOracle) Check(port int) portcheck.Result {
	data, err := o.cl.CheckPort(port)
	if err != nil {
		// A failed exchange is treated like a probe timeout: busy until a
		// later probe proves otherwise.
		return portcheck.Result{Available: false, Reason: portcheck.ReasonTimeout}
	}
	res := portcheck.Result{Available: data.Available, Reason: data.Reason}
	if data.ProcessInfo != nil {
		res.Owner = &portcheck.Owner{Name: data.ProcessInfo.ProcessName, PID: data.ProcessInfo.PID}
	}
	return res
}

func (o ipcOracle) FindFree(start, maxAttempts int) (int, error) {
	data, err := o.cl.FindPort(start, maxAttempts)
	if err != nil {
		return 0, err
	}
	if !data.Success {
		if data.Error != "" {
			return 0, errors.New(data.Error)
		}
		return 0, fmt.Errorf("no free port found from %d", start)
	}
	return data.SuggestedPort, nil
}
