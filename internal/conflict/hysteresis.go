package conflict

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/dbwarden/internal/portcheck"
)

// Warning re-evaluation intervals: aggressive while a warning is showing,
// relaxed while clear.
const (
	WarnRecheckInterval  = 2 * time.Second
	ClearRecheckInterval = 10 * time.Second
)

// freeConfirmations is the number of consecutive "free" probes required to
// clear a warning. A freshly-killed process can leave a brief window where the
// OS still reports the port bound, so a single free reading is not trusted.
const freeConfirmations = 2

// Key identifies one watched (instance, port) pair.
type Key struct {
	InstanceID string
	Port       int
}

// Monitor drives the anti-flicker warning state machine for watched ports.
// Each entry owns its own timer; the shared probe cache is last-writer-wins
// since writes are idempotent snapshots of the same probe.
type Monitor struct {
	probe    func(port int) portcheck.Result
	benign   []string
	onChange func(key Key, warning bool)
	log      *slog.Logger

	warnEvery  time.Duration
	clearEvery time.Duration
	manual     bool

	mu      sync.Mutex
	entries map[Key]*entry
	closed  bool

	cacheMu sync.Mutex
	cache   map[int]portcheck.Result
}

type entry struct {
	ownPID    int
	warning   bool
	freeCount int
	timer     *time.Timer
}

// MonitorOption customizes a Monitor.
type MonitorOption func(*Monitor)

// WithRecheckIntervals overrides the re-evaluation timers (tests use short ones).
func WithRecheckIntervals(warn, clear time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.warnEvery = warn
		m.clearEvery = clear
	}
}

// WithManualProbing disables the per-entry timers; the caller drives the state
// machine by feeding probe results through Observe.
func WithManualProbing() MonitorOption {
	return func(m *Monitor) { m.manual = true }
}

// NewMonitor builds a Monitor. probe is the port oracle; benign lists process
// names whose occupancy is treated as a likely false positive; onChange is
// invoked on every warning transition and may be nil.
func NewMonitor(probe func(port int) portcheck.Result, benign []string, onChange func(Key, bool), log *slog.Logger, opts ...MonitorOption) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	m := &Monitor{
		probe:      probe,
		benign:     benign,
		onChange:   onChange,
		log:        log,
		warnEvery:  WarnRecheckInterval,
		clearEvery: ClearRecheckInterval,
		entries:    make(map[Key]*entry),
		cache:      make(map[int]portcheck.Result),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Watch starts monitoring the (instance, port) pair. ownPID is the instance's
// recorded pid; a probe owned by it never counts as a conflict.
func (m *Monitor) Watch(instanceID string, port, ownPID int) {
	key := Key{InstanceID: instanceID, Port: port}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if e, ok := m.entries[key]; ok {
		e.ownPID = ownPID
		return
	}
	e := &entry{ownPID: ownPID}
	m.entries[key] = e
	if !m.manual {
		e.timer = time.AfterFunc(0, func() { m.tick(key) })
	}
}

// Unwatch stops monitoring the pair and drops its warning state.
func (m *Monitor) Unwatch(instanceID string, port int) {
	key := Key{InstanceID: instanceID, Port: port}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(m.entries, key)
	}
}

// Close cancels every per-entry timer.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for key, e := range m.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(m.entries, key)
	}
}

// Warning reports the current warning state for the pair.
func (m *Monitor) Warning(instanceID string, port int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[Key{InstanceID: instanceID, Port: port}]; ok {
		return e.warning
	}
	return false
}

// LastResult returns the most recent probe snapshot for a port, shared across
// entries watching the same port.
func (m *Monitor) LastResult(port int) (portcheck.Result, bool) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	res, ok := m.cache[port]
	return res, ok
}

func (m *Monitor) tick(key Key) {
	res := m.probe(key.Port)

	m.cacheMu.Lock()
	m.cache[key.Port] = res
	m.cacheMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || m.closed {
		return
	}
	m.observeLocked(key, e, res)

	next := m.clearEvery
	if e.warning {
		next = m.warnEvery
	}
	e.timer = time.AfterFunc(next, func() { m.tick(key) })
}

// Observe feeds one probe result through the state machine; exposed so the
// transition rules can be exercised without timers.
func (m *Monitor) Observe(instanceID string, port int, res portcheck.Result) {
	key := Key{InstanceID: instanceID, Port: port}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return
	}
	m.observeLocked(key, e, res)
}

func (m *Monitor) observeLocked(key Key, e *entry, res portcheck.Result) {
	if res.Available {
		e.freeCount++
		if e.warning && e.freeCount >= freeConfirmations {
			m.setWarningLocked(key, e, false)
		}
		return
	}

	e.freeCount = 0

	// The instance's own process holding its own port is not a conflict.
	if res.Owner != nil && e.ownPID != 0 && res.Owner.PID == e.ownPID {
		if e.warning {
			m.setWarningLocked(key, e, false)
		}
		return
	}

	// Benign local tooling never raises a new warning, but a standing warning
	// is not cleared on its account either.
	if res.Owner != nil && m.isBenign(res.Owner.Name) {
		return
	}

	if !e.warning {
		m.setWarningLocked(key, e, true)
	}
}

func (m *Monitor) setWarningLocked(key Key, e *entry, warning bool) {
	e.warning = warning
	m.log.Debug("port warning transition", "instance", key.InstanceID, "port", key.Port, "warning", warning)
	if m.onChange != nil {
		m.onChange(key, warning)
	}
}

func (m *Monitor) isBenign(name string) bool {
	for _, b := range m.benign {
		if strings.EqualFold(name, b) {
			return true
		}
	}
	return false
}
