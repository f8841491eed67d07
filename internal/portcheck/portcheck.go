package portcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Probe reasons reported in Result.Reason.
const (
	ReasonInvalidRange   = "invalid_range"
	ReasonPrivilegedPort = "privileged_port"
	ReasonInUse          = "in_use"
	ReasonTimeout        = "timeout"
	ReasonDenied         = "denylisted"
)

// UnknownOwnerName is reported when a port is busy but the owning process
// cannot be resolved.
const UnknownOwnerName = "Unknown"

// DefaultBindTimeout bounds a single bind probe. A probe that exceeds it is
// reported busy, never free.
const DefaultBindTimeout = 3 * time.Second

// Owner identifies the process holding a busy port.
type Owner struct {
	Name string
	PID  int
}

// Result is the outcome of a single probe. It is never cached.
type Result struct {
	Available bool
	Reason    string
	Owner     *Owner
}

// LookupFunc resolves the owner of a busy port (an lsof-style query).
// ok is false when nothing could be resolved.
type LookupFunc func(port int) (Owner, bool)

// ErrNoFreePort is returned by FindFree when the attempt budget is exhausted.
var ErrNoFreePort = errors.New("no free port found")

// defaultDenyPorts are well-known ports of unrelated services that FindFree
// must never suggest even when they happen to be free.
var defaultDenyPorts = []int{
	22, 25, 53, 80, 110, 143, 443, 465, 587, 993, 995,
	3000, 5000, 8080, 8443,
}

// Checker probes local TCP ports. Zero value is not usable; use New.
type Checker struct {
	timeout time.Duration
	lookup  LookupFunc
	deny    map[int]struct{}
}

// Option customizes a Checker.
type Option func(*Checker)

// WithBindTimeout overrides the bind probe timeout.
func WithBindTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithDenyPorts replaces the default FindFree denylist.
func WithDenyPorts(ports []int) Option {
	return func(c *Checker) {
		c.deny = make(map[int]struct{}, len(ports))
		for _, p := range ports {
			c.deny[p] = struct{}{}
		}
	}
}

// New builds a Checker. lookup may be nil, in which case busy ports report the
// Unknown owner sentinel.
func New(lookup LookupFunc, opts ...Option) *Checker {
	c := &Checker{timeout: DefaultBindTimeout, lookup: lookup}
	c.deny = make(map[int]struct{}, len(defaultDenyPorts))
	for _, p := range defaultDenyPorts {
		c.deny[p] = struct{}{}
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Check probes port on 127.0.0.1. Ports outside 1-65535 and privileged ports
// below 1024 are rejected without a bind attempt. A successful bind is closed
// immediately; no listener lingers past the call.
func (c *Checker) Check(port int) Result {
	if port < 1 || port > 65535 {
		return Result{Available: false, Reason: ReasonInvalidRange}
	}
	if port < 1024 {
		return Result{Available: false, Reason: ReasonPrivilegedPort}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err == nil {
		_ = ln.Close()
		return Result{Available: true}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// A slow bind is treated as busy: starting a database on an occupied
		// port is the worse failure mode.
		return Result{Available: false, Reason: ReasonTimeout}
	}
	return Result{Available: false, Reason: ReasonInUse, Owner: c.resolveOwner(port)}
}

func (c *Checker) resolveOwner(port int) *Owner {
	if c.lookup != nil {
		if owner, ok := c.lookup(port); ok {
			return &owner
		}
	}
	return &Owner{Name: UnknownOwnerName, PID: 0}
}

// FindFree scans upward from start, skipping the denylist and probing each
// candidate port. It returns the first free port, or 0 and ErrNoFreePort once
// maxAttempts candidates have been considered.
func (c *Checker) FindFree(start, maxAttempts int) (int, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for i := 0; i < maxAttempts; i++ {
		port := start + i
		if port > 65535 {
			break
		}
		if _, denied := c.deny[port]; denied {
			continue
		}
		if c.Check(port).Available {
			return port, nil
		}
	}
	return 0, ErrNoFreePort
}
