package conflict

import (
	"sync"
	"testing"
	"time"

	"github.com/loykin/dbwarden/internal/portcheck"
	"github.com/stretchr/testify/require"
)

func busyResult(name string, pid int) portcheck.Result {
	return portcheck.Result{Available: false, Reason: portcheck.ReasonInUse, Owner: &portcheck.Owner{Name: name, PID: pid}}
}

var freeResult = portcheck.Result{Available: true}

type transitionLog struct {
	mu sync.Mutex
	tr []bool
}

func (l *transitionLog) record(_ Key, warning bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tr = append(l.tr, warning)
}

func (l *transitionLog) all() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.tr...)
}

// staticProbe always reports free; entries are driven manually via Observe.
func staticProbe(int) portcheck.Result { return freeResult }

func newManualMonitor(t *testing.T, benign []string) (*Monitor, *transitionLog) {
	t.Helper()
	log := &transitionLog{}
	m := NewMonitor(staticProbe, benign, log.record, nil, WithManualProbing())
	t.Cleanup(m.Close)
	return m, log
}

// Three consecutive busy probes followed by two free probes must produce
// exactly one warning-clear transition, after the second free probe.
func TestHysteresisSingleClearAfterSecondFree(t *testing.T) {
	m, log := newManualMonitor(t, nil)
	m.Watch("db1", 5432, 0)

	for i := 0; i < 3; i++ {
		m.Observe("db1", 5432, busyResult("nc", 777))
	}
	require.True(t, m.Warning("db1", 5432))

	m.Observe("db1", 5432, freeResult)
	require.True(t, m.Warning("db1", 5432), "a single free reading must not clear the warning")

	m.Observe("db1", 5432, freeResult)
	require.False(t, m.Warning("db1", 5432))

	var sets, clears int
	for _, warning := range log.all() {
		if warning {
			sets++
		} else {
			clears++
		}
	}
	require.Equal(t, 1, sets)
	require.Equal(t, 1, clears)
}

// A busy probe between the two free confirmations resets the counter.
func TestHysteresisBusyResetsFreeCounter(t *testing.T) {
	m, _ := newManualMonitor(t, nil)
	m.Watch("db1", 5432, 0)

	m.Observe("db1", 5432, busyResult("nc", 777))
	m.Observe("db1", 5432, freeResult)
	m.Observe("db1", 5432, busyResult("nc", 777))
	m.Observe("db1", 5432, freeResult)
	require.True(t, m.Warning("db1", 5432))

	m.Observe("db1", 5432, freeResult)
	require.False(t, m.Warning("db1", 5432))
}

// A probe owned by the instance's own pid clears unconditionally, bypassing
// the free-confirmation counter.
func TestHysteresisOwnPIDClearsImmediately(t *testing.T) {
	m, _ := newManualMonitor(t, nil)
	m.Watch("db1", 5432, 4242)

	m.Observe("db1", 5432, busyResult("nc", 777))
	require.True(t, m.Warning("db1", 5432))

	m.Observe("db1", 5432, busyResult("postgres", 4242))
	require.False(t, m.Warning("db1", 5432))
}

// Benign tooling never raises a new warning but does not clear a standing one.
func TestHysteresisBenignOwners(t *testing.T) {
	m, _ := newManualMonitor(t, []string{"code", "zsh"})
	m.Watch("db1", 5432, 0)

	m.Observe("db1", 5432, busyResult("CODE", 1))
	require.False(t, m.Warning("db1", 5432))

	m.Observe("db1", 5432, busyResult("postgres", 2))
	require.True(t, m.Warning("db1", 5432))

	m.Observe("db1", 5432, busyResult("zsh", 3))
	require.True(t, m.Warning("db1", 5432), "benign owner must not clear an existing warning")
}

func TestHysteresisTimerDrivenTransitions(t *testing.T) {
	var mu sync.Mutex
	res := busyResult("nc", 777)
	probe := func(int) portcheck.Result {
		mu.Lock()
		defer mu.Unlock()
		return res
	}
	m := NewMonitor(probe, nil, nil, nil, WithRecheckIntervals(5*time.Millisecond, 5*time.Millisecond))
	defer m.Close()

	m.Watch("db1", 6379, 0)
	require.Eventually(t, func() bool { return m.Warning("db1", 6379) }, time.Second, time.Millisecond)

	last, ok := m.LastResult(6379)
	require.True(t, ok)
	require.False(t, last.Available)

	mu.Lock()
	res = freeResult
	mu.Unlock()
	require.Eventually(t, func() bool { return !m.Warning("db1", 6379) }, time.Second, time.Millisecond)
}

func TestUnwatchStopsEntry(t *testing.T) {
	m, _ := newManualMonitor(t, nil)
	m.Watch("db1", 5432, 0)
	m.Observe("db1", 5432, busyResult("nc", 777))
	require.True(t, m.Warning("db1", 5432))

	m.Unwatch("db1", 5432)
	require.False(t, m.Warning("db1", 5432))

	// Observing an unwatched key is a no-op.
	m.Observe("db1", 5432, busyResult("nc", 777))
	require.False(t, m.Warning("db1", 5432))
}
