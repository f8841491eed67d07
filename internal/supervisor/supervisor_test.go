package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loykin/dbwarden/internal/enumerator"
	"github.com/loykin/dbwarden/internal/history"
	"github.com/loykin/dbwarden/internal/instance"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	observed []enumerator.Observed
	err      error
}

func (f *fakeLister) List() ([]enumerator.Observed, error) { return f.observed, f.err }

type fakeStore struct {
	mu      sync.Mutex
	records []instance.Record
	saves   int
}

func (f *fakeStore) Load() ([]instance.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]instance.Record, len(f.records))
	copy(cp, f.records)
	return cp, nil
}

func (f *fakeStore) Save(records []instance.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
	f.saves++
	return nil
}

type fakeSignaler struct {
	mu         sync.Mutex
	alive      map[int]bool
	dieOnTerm  map[int]bool
	startTimes map[int]int64
	terms      []int
	kills      []int
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{alive: map[int]bool{}, dieOnTerm: map[int]bool{}, startTimes: map[int]int64{}}
}

func (f *fakeSignaler) Terminate(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terms = append(f.terms, pid)
	if f.dieOnTerm[pid] {
		f.alive[pid] = false
	}
	return nil
}

func (f *fakeSignaler) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, pid)
	f.alive[pid] = false
	return nil
}

func (f *fakeSignaler) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeSignaler) StartTime(pid int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startTimes[pid]
}

type recordingSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *recordingSink) Send(_ context.Context, e history.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) byType(t history.EventType) []history.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []history.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func port(p int) *int { return &p }

func newTestSupervisor(lister Lister, store Store, sig Signaler, sink history.Sink) *Supervisor {
	return New(Config{Interval: time.Hour, KillGrace: 10 * time.Millisecond}, lister, store, sig, sink, nil)
}

// A declared instance desired-running whose process is gone flips to stopped
// only after two consecutive cycles without a match.
func TestStatusRepairRequiresTwoMissedCycles(t *testing.T) {
	store := &fakeStore{records: []instance.Record{
		{ID: "db1", Type: "postgresql", Port: 5432, DesiredStatus: instance.StatusRunning, PID: 100},
	}}
	sink := &recordingSink{}
	sup := newTestSupervisor(&fakeLister{}, store, newFakeSignaler(), sink)

	res, err := sup.RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Repaired)
	recs, _ := store.Load()
	require.Equal(t, instance.StatusRunning, recs[0].DesiredStatus)

	res, err = sup.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Repaired)
	recs, _ = store.Load()
	require.Equal(t, instance.StatusStopped, recs[0].DesiredStatus)
	require.Zero(t, recs[0].PID)
	require.Len(t, sink.byType(history.EventStatusRepair), 1)
}

// A matching process between the two cycles resets the miss counter.
func TestStatusRepairMissCounterResets(t *testing.T) {
	lister := &fakeLister{}
	store := &fakeStore{records: []instance.Record{
		{ID: "db1", Type: "postgresql", Port: 5432, DesiredStatus: instance.StatusRunning, PID: 100},
	}}
	sup := newTestSupervisor(lister, store, newFakeSignaler(), nil)

	_, err := sup.RunCycle(context.Background())
	require.NoError(t, err)

	lister.observed = []enumerator.Observed{{PID: 100, Type: "postgresql", Port: port(5432)}}
	_, err = sup.RunCycle(context.Background())
	require.NoError(t, err)

	lister.observed = nil
	res, err := sup.RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Repaired, "one miss after a hit must not flip the record")
}

// An orphaned postgres process gets SIGTERM; still alive after the grace
// period, it gets SIGKILL.
func TestOrphanKillEscalation(t *testing.T) {
	sig := newFakeSignaler()
	sig.alive[900] = true // survives SIGTERM
	lister := &fakeLister{observed: []enumerator.Observed{
		{PID: 900, Type: "postgresql", CommandLine: "postgres --port 5432", Port: port(5432)},
	}}
	sink := &recordingSink{}
	sup := newTestSupervisor(lister, &fakeStore{}, sig, sink)

	res, err := sup.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.OrphansKilled)
	require.Equal(t, []int{900}, sig.terms)
	require.Equal(t, []int{900}, sig.kills)
	require.Len(t, sink.byType(history.EventOrphanKill), 1)
}

func TestOrphanKillNoEscalationWhenTermSuffices(t *testing.T) {
	sig := newFakeSignaler()
	sig.alive[901] = true
	sig.dieOnTerm[901] = true
	lister := &fakeLister{observed: []enumerator.Observed{
		{PID: 901, Type: "redis", CommandLine: "redis-server *:6379", Port: port(6379)},
	}}
	sup := newTestSupervisor(lister, &fakeStore{}, sig, nil)

	res, err := sup.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.OrphansKilled)
	require.Equal(t, []int{901}, sig.terms)
	require.Empty(t, sig.kills)
}

// A pid reused by an unrelated process during the grace period is spared.
func TestOrphanKillSparesReusedPID(t *testing.T) {
	sig := newFakeSignaler()
	sig.alive[902] = true
	sig.startTimes[902] = 1000
	lister := &fakeLister{observed: []enumerator.Observed{
		{PID: 902, Type: "mysql", Port: port(3306)},
	}}
	sup := newTestSupervisor(lister, &fakeStore{}, sig, nil)

	go func() {
		time.Sleep(3 * time.Millisecond)
		sig.mu.Lock()
		sig.startTimes[902] = 2000
		sig.mu.Unlock()
	}()
	_, err := sup.RunCycle(context.Background())
	require.NoError(t, err)
	require.Empty(t, sig.kills)
}

// A legitimate match (declared record of same type claiming the port) must be
// left untouched.
func TestLegitimateProcessIsNotKilled(t *testing.T) {
	sig := newFakeSignaler()
	sig.alive[100] = true
	lister := &fakeLister{observed: []enumerator.Observed{
		{PID: 100, Type: "postgresql", Port: port(5432)},
	}}
	store := &fakeStore{records: []instance.Record{
		{ID: "db1", Type: "postgresql", Port: 5432, DesiredStatus: instance.StatusRunning, PID: 100},
	}}
	sup := newTestSupervisor(lister, store, sig, nil)

	res, err := sup.RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.OrphansKilled)
	require.Empty(t, sig.terms)
}

// Two processes contend for port 3306; the one whose pid matches a declared
// record survives, the other is killed.
func TestPortConflictKillsNonLegitimateHolder(t *testing.T) {
	sig := newFakeSignaler()
	sig.alive[100] = true
	sig.alive[200] = true
	sig.dieOnTerm[200] = true
	lister := &fakeLister{observed: []enumerator.Observed{
		{PID: 100, Type: "mysql", Port: port(3306)},
		{PID: 200, Type: "mysql", Port: port(3306)},
	}}
	store := &fakeStore{records: []instance.Record{
		{ID: "a", Type: "mysql", Port: 3306, DesiredStatus: instance.StatusRunning, PID: 100},
		{ID: "b", Type: "mysql", Port: 3306, DesiredStatus: instance.StatusRunning},
	}}
	sink := &recordingSink{}
	sup := newTestSupervisor(lister, store, sig, sink)

	res, err := sup.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Conflicts)
	require.Equal(t, 1, res.ConflictKills)
	require.Contains(t, sig.terms, 200)
	require.NotContains(t, sig.terms, 100)
	require.True(t, sig.alive[100])
	require.Len(t, sink.byType(history.EventPortConflict), 1)
}

// With no way to single out a legitimate holder the conflict is logged, not
// arbitrated.
func TestPortConflictWithoutSingleLegitimateHolderOnlyLogs(t *testing.T) {
	sig := newFakeSignaler()
	sig.alive[100] = true
	sig.alive[200] = true
	lister := &fakeLister{observed: []enumerator.Observed{
		{PID: 100, Type: "mysql", Port: port(3306)},
		{PID: 200, Type: "mysql", Port: port(3306)},
	}}
	store := &fakeStore{records: []instance.Record{
		{ID: "a", Type: "mysql", Port: 3306, DesiredStatus: instance.StatusRunning},
		{ID: "b", Type: "mysql", Port: 3306, DesiredStatus: instance.StatusRunning},
	}}
	sup := newTestSupervisor(lister, store, sig, nil)

	res, err := sup.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Conflicts)
	require.Zero(t, res.ConflictKills)
	require.Empty(t, sig.terms)
}

// A stopped record whose process is actually alive flips back to running with
// the observed pid.
func TestStatusRepairAdoptsRunningProcess(t *testing.T) {
	lister := &fakeLister{observed: []enumerator.Observed{
		{PID: 555, Type: "redis", Port: port(6379)},
	}}
	store := &fakeStore{records: []instance.Record{
		{ID: "cache", Type: "redis", Port: 6379, DesiredStatus: instance.StatusStopped},
	}}
	sup := newTestSupervisor(lister, store, newFakeSignaler(), nil)

	res, err := sup.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Repaired)
	recs, _ := store.Load()
	require.Equal(t, instance.StatusRunning, recs[0].DesiredStatus)
	require.Equal(t, 555, recs[0].PID)
}

// Store writes happen only when something changed.
func TestNoSaveWhenNothingChanged(t *testing.T) {
	lister := &fakeLister{observed: []enumerator.Observed{
		{PID: 100, Type: "postgresql", Port: port(5432)},
	}}
	store := &fakeStore{records: []instance.Record{
		{ID: "db1", Type: "postgresql", Port: 5432, DesiredStatus: instance.StatusRunning, PID: 100},
	}}
	sup := newTestSupervisor(lister, store, newFakeSignaler(), nil)

	_, err := sup.RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, store.saves)
}

// A failing enumeration is an error for that cycle, but Run keeps going.
func TestRunSurvivesCycleErrors(t *testing.T) {
	lister := &fakeLister{err: context.DeadlineExceeded}
	sup := New(Config{Interval: 5 * time.Millisecond, KillGrace: time.Millisecond}, lister, &fakeStore{}, newFakeSignaler(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}

// Starting instances that gained a live process settle to running.
func TestStartingInstanceSettlesToRunning(t *testing.T) {
	lister := &fakeLister{observed: []enumerator.Observed{
		{PID: 77, Type: "mongodb", Port: port(27017)},
	}}
	store := &fakeStore{records: []instance.Record{
		{ID: "docs", Type: "mongodb", Port: 27017, DesiredStatus: instance.StatusStarting},
	}}
	sup := newTestSupervisor(lister, store, newFakeSignaler(), nil)

	_, err := sup.RunCycle(context.Background())
	require.NoError(t, err)
	recs, _ := store.Load()
	require.Equal(t, instance.StatusRunning, recs[0].DesiredStatus)
	require.Equal(t, 77, recs[0].PID)
}
