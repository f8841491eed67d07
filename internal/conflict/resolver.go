// Package conflict implements the foreground's pre-start port conflict
// policy: block on external occupation, warn and suggest an alternative on an
// internal collision, and partition bulk starts into groups needing user
// arbitration.
package conflict

import (
	"fmt"
	"log/slog"

	"github.com/loykin/dbwarden/internal/instance"
	"github.com/loykin/dbwarden/internal/portcheck"
)

// Prober is the Check half of the port oracle, satisfied directly by
// portcheck.Checker or by an IPC-backed adapter.
type Prober interface {
	Check(port int) portcheck.Result
}

// Finder is the FindFree half of the port oracle.
type Finder interface {
	FindFree(start, maxAttempts int) (int, error)
}

// suggestAttempts bounds the replacement-port scan offered with a warning.
const suggestAttempts = 50

// PortOccupiedError blocks a start: the port is held by an external process
// unrelated to any declared instance.
type PortOccupiedError struct {
	Port        int
	ProcessName string
	PID         int
}

func (e *PortOccupiedError) Error() string {
	return fmt.Sprintf("port %d is in use by %s (pid %d)", e.Port, e.ProcessName, e.PID)
}

// Decision is the outcome of a pre-start check. A warning does not block the
// start; the supervisor's conflict detection is the last line of defense.
type Decision struct {
	Proceed       bool
	Warning       string
	SuggestedPort int
}

type Resolver struct {
	prober Prober
	finder Finder
	log    *slog.Logger
}

func NewResolver(prober Prober, finder Finder, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{prober: prober, finder: finder, log: log}
}

// CheckStart decides whether instance rec may start on its port.
//   - Busy by an external process: block with the occupying process named,
//     even when a declared sibling also claims the port.
//   - Busy by the instance's own recorded pid: no conflict.
//   - Another declared instance running/starting on the port (holding it, or
//     the port still free): warn, offer a computed replacement, and still
//     allow the start (documented permissive policy; the supervisor corrects
//     eventual contention).
func (r *Resolver) CheckStart(rec instance.Record, roster *instance.Roster) (Decision, error) {
	res := r.prober.Check(rec.Port)

	if !res.Available {
		if res.Owner != nil && rec.PID != 0 && res.Owner.PID == rec.PID {
			return Decision{Proceed: true}, nil
		}
		if claimant, ok := roster.ClaimantOnPort(rec.Port, rec.ID); ok &&
			res.Owner != nil && claimant.PID != 0 && res.Owner.PID == claimant.PID {
			return r.internalCollision(rec, claimant), nil
		}
		return Decision{}, occupiedError(rec.Port, res)
	}

	if claimant, ok := roster.ClaimantOnPort(rec.Port, rec.ID); ok {
		return r.internalCollision(rec, claimant), nil
	}
	return Decision{Proceed: true}, nil
}

func (r *Resolver) internalCollision(rec, claimant instance.Record) Decision {
	warning := fmt.Sprintf("instance %q already uses port %d", claimant.Name, rec.Port)
	suggested := 0
	if r.finder != nil {
		if port, err := r.finder.FindFree(rec.Port+1, suggestAttempts); err == nil {
			suggested = port
		}
	}
	r.log.Warn("internal port collision, start allowed", "instance", rec.ID, "port", rec.Port, "claimant", claimant.ID, "suggested", suggested)
	return Decision{Proceed: true, Warning: warning, SuggestedPort: suggested}
}

// PreStartGuard re-probes the port immediately before the start command is
// issued and aborts only when it is now externally occupied.
func (r *Resolver) PreStartGuard(rec instance.Record, roster *instance.Roster) error {
	res := r.prober.Check(rec.Port)
	if res.Available {
		return nil
	}
	if res.Owner != nil {
		if rec.PID != 0 && res.Owner.PID == rec.PID {
			return nil
		}
		// A declared sibling grabbing the port between check and start stays
		// within the permissive internal-collision policy.
		for _, sibling := range roster.ByPort(rec.Port) {
			if sibling.ID != rec.ID && sibling.PID != 0 && sibling.PID == res.Owner.PID {
				return nil
			}
		}
	}
	return occupiedError(rec.Port, res)
}

func occupiedError(port int, res portcheck.Result) *PortOccupiedError {
	e := &PortOccupiedError{Port: port, ProcessName: portcheck.UnknownOwnerName}
	if res.Owner != nil {
		e.ProcessName = res.Owner.Name
		e.PID = res.Owner.PID
	}
	return e
}
