// Package supervisor implements the daemon's reconciliation loop: it compares
// declared database instances against live OS processes, kills orphans,
// resolves port conflicts and repairs stale status fields.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/dbwarden/internal/enumerator"
	"github.com/loykin/dbwarden/internal/history"
	"github.com/loykin/dbwarden/internal/instance"
	"github.com/loykin/dbwarden/internal/metrics"
)

// Lister enumerates live database processes.
type Lister interface {
	List() ([]enumerator.Observed, error)
}

// Store reads and rewrites the declared instance table.
type Store interface {
	Load() ([]instance.Record, error)
	Save([]instance.Record) error
}

// Signaler sends signals to and inspects OS processes. The default
// implementation talks to the real OS; tests substitute a fake.
type Signaler interface {
	Terminate(pid int) error
	Kill(pid int) error
	Alive(pid int) bool
	StartTime(pid int) int64
}

// Config tunes the reconciliation loop.
type Config struct {
	Interval  time.Duration // cycle interval, default 5m
	KillGrace time.Duration // SIGTERM to SIGKILL escalation window, default 2s
}

// CycleResult summarizes one reconciliation pass.
type CycleResult struct {
	OrphansKilled int
	ConflictKills int
	Conflicts     int
	Repaired      int
}

// Cleaned is the total number of processes removed in the pass, reported to
// IPC cleanup callers.
func (r CycleResult) Cleaned() int { return r.OrphansKilled + r.ConflictKills }

type Supervisor struct {
	cfg     Config
	lister  Lister
	store   Store
	sig     Signaler
	sink    history.Sink // optional
	log     *slog.Logger
	started time.Time

	mu     sync.Mutex // serializes cycles (interval tick vs IPC cleanup)
	misses map[string]int
}

func New(cfg Config, lister Lister, store Store, sig Signaler, sink history.Sink, log *slog.Logger) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 2 * time.Second
	}
	if sig == nil {
		sig = osSignaler{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		lister:  lister,
		store:   store,
		sig:     sig,
		sink:    sink,
		log:     log,
		started: time.Now(),
		misses:  make(map[string]int),
	}
}

// Uptime reports how long the supervisor has been running.
func (s *Supervisor) Uptime() time.Duration { return time.Since(s.started) }

// Run executes reconciliation cycles on the configured interval until ctx is
// cancelled. A failed cycle is logged and the loop continues; nothing inside a
// cycle can terminate the daemon.
func (s *Supervisor) Run(ctx context.Context) {
	s.log.Info("supervisor started", "interval", s.cfg.Interval)
	s.cycleAndLog(ctx)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("supervisor stopped")
			return
		case <-ticker.C:
			s.cycleAndLog(ctx)
		}
	}
}

func (s *Supervisor) cycleAndLog(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncCycleError()
			s.log.Error("reconciliation cycle panicked", "panic", r)
		}
	}()
	res, err := s.RunCycle(ctx)
	if err != nil {
		metrics.IncCycleError()
		s.log.Error("reconciliation cycle failed", "error", err)
		return
	}
	if res.Cleaned() > 0 || res.Repaired > 0 || res.Conflicts > 0 {
		s.log.Info("reconciliation cycle done",
			"orphans_killed", res.OrphansKilled,
			"conflict_kills", res.ConflictKills,
			"conflicts", res.Conflicts,
			"repaired", res.Repaired)
	}
}

// RunCycle performs one reconciliation pass. It is also triggered on demand by
// the IPC cleanup request.
func (s *Supervisor) RunCycle(ctx context.Context) (CycleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.IncCycle()
		metrics.ObserveCycleDuration(time.Since(start).Seconds())
	}()

	var res CycleResult
	observed, err := s.lister.List()
	if err != nil {
		return res, fmt.Errorf("enumerate processes: %w", err)
	}
	records, err := s.store.Load()
	if err != nil {
		return res, fmt.Errorf("load instance store: %w", err)
	}

	res.OrphansKilled = s.cleanupOrphans(ctx, observed, records)
	res.Conflicts, res.ConflictKills = s.resolvePortConflicts(ctx, observed, records)

	changed, repaired := s.repairStatuses(observed, records)
	res.Repaired = repaired
	if changed {
		if err := s.store.Save(records); err != nil {
			return res, fmt.Errorf("save instance store: %w", err)
		}
	}
	return res, nil
}

// legitimateFor returns the declared record legitimizing an observed process:
// same type and (port matches, or the record is marked running/starting, or
// the record's stored pid equals the process's pid).
func legitimateFor(obs enumerator.Observed, records []instance.Record) (instance.Record, bool) {
	for _, rec := range records {
		if rec.Type != obs.Type {
			continue
		}
		if obs.Port != nil && *obs.Port == rec.Port {
			return rec, true
		}
		if rec.WantsUp() {
			return rec, true
		}
		if rec.PID != 0 && rec.PID == obs.PID {
			return rec, true
		}
	}
	return instance.Record{}, false
}

func (s *Supervisor) cleanupOrphans(ctx context.Context, observed []enumerator.Observed, records []instance.Record) int {
	killed := 0
	for _, obs := range observed {
		if rec, ok := legitimateFor(obs, records); ok {
			s.log.Debug("observed process is legitimate", "pid", obs.PID, "type", obs.Type, "instance", rec.ID)
			continue
		}
		s.log.Warn("killing orphaned database process", "pid", obs.PID, "type", obs.Type, "cmdline", obs.CommandLine)
		if s.killWithEscalation(ctx, obs.PID) {
			killed++
			metrics.IncOrphanKilled(obs.Type)
			s.record(ctx, history.Event{
				Type:         history.EventOrphanKill,
				OccurredAt:   time.Now(),
				InstanceType: obs.Type,
				Port:         portOrZero(obs.Port),
				PID:          obs.PID,
				Detail:       "no declared record matches",
			})
		}
	}
	return killed
}

func (s *Supervisor) resolvePortConflicts(ctx context.Context, observed []enumerator.Observed, records []instance.Record) (conflicts, kills int) {
	byPort := make(map[int][]enumerator.Observed)
	for _, obs := range observed {
		if obs.Port == nil {
			continue
		}
		byPort[*obs.Port] = append(byPort[*obs.Port], obs)
	}
	for port, procs := range byPort {
		if len(procs) < 2 {
			continue
		}
		conflicts++
		metrics.IncPortConflict()
		s.log.Warn("port held by multiple processes", "port", port, "count", len(procs))
		s.record(ctx, history.Event{
			Type:       history.EventPortConflict,
			OccurredAt: time.Now(),
			Port:       port,
			Detail:     fmt.Sprintf("%d processes listening", len(procs)),
		})

		legit := holdersByPID(port, procs, records)
		if len(legit) == 0 {
			legit = holdersByCriterion(procs, records)
		}
		if len(legit) != 1 {
			// No single legitimate holder: log only, never guess.
			continue
		}
		keep := legit[0]
		for _, obs := range procs {
			if obs.PID == keep.PID {
				continue
			}
			s.log.Warn("killing conflicting database process", "pid", obs.PID, "port", port, "kept_pid", keep.PID)
			if s.killWithEscalation(ctx, obs.PID) {
				kills++
				metrics.IncConflictKill(obs.Type)
			}
		}
	}
	return conflicts, kills
}

// holdersByPID selects the colliding processes whose pid is recorded by a
// declared record claiming this port; the strongest legitimacy signal.
func holdersByPID(port int, procs []enumerator.Observed, records []instance.Record) []enumerator.Observed {
	var out []enumerator.Observed
	for _, obs := range procs {
		for _, rec := range records {
			if rec.Type == obs.Type && rec.Port == port && rec.PID != 0 && rec.PID == obs.PID {
				out = append(out, obs)
				break
			}
		}
	}
	return out
}

func holdersByCriterion(procs []enumerator.Observed, records []instance.Record) []enumerator.Observed {
	var out []enumerator.Observed
	for _, obs := range procs {
		if _, ok := legitimateFor(obs, records); ok {
			out = append(out, obs)
		}
	}
	return out
}

// killWithEscalation sends SIGTERM, waits for the grace period, and escalates
// to SIGKILL only if the process is still alive. A changed process start time
// after the grace period means the pid was reused; the new process is spared.
func (s *Supervisor) killWithEscalation(ctx context.Context, pid int) bool {
	startTime := s.sig.StartTime(pid)
	if err := s.sig.Terminate(pid); err != nil {
		s.log.Error("failed to signal process", "pid", pid, "error", err)
		return false
	}
	select {
	case <-time.After(s.cfg.KillGrace):
	case <-ctx.Done():
		return true
	}
	if !s.sig.Alive(pid) {
		return true
	}
	if cur := s.sig.StartTime(pid); startTime != 0 && cur != 0 && cur != startTime {
		return true // pid reused by an unrelated process
	}
	s.log.Warn("process survived grace period, escalating to kill", "pid", pid)
	if err := s.sig.Kill(pid); err != nil {
		s.log.Error("failed to kill process", "pid", pid, "error", err)
		return false
	}
	return true
}

// repairStatuses reconciles declared record status/pid fields with observed
// reality. records is mutated in place; the caller persists it when changed.
// Flipping a running/starting record to stopped requires two consecutive
// cycles without a matching process, so one enumeration race cannot flap a
// healthy instance.
func (s *Supervisor) repairStatuses(observed []enumerator.Observed, records []instance.Record) (changed bool, repaired int) {
	for i := range records {
		rec := &records[i]
		obs, matched := matchObserved(*rec, observed)
		switch {
		case rec.WantsUp():
			if matched {
				s.misses[rec.ID] = 0
				if rec.PID != obs.PID {
					rec.PID = obs.PID
					changed = true
				}
				if rec.DesiredStatus == instance.StatusStarting {
					rec.DesiredStatus = instance.StatusRunning
					changed = true
				}
				continue
			}
			s.misses[rec.ID]++
			if s.misses[rec.ID] < 2 {
				continue
			}
			s.misses[rec.ID] = 0
			s.log.Info("instance has no live process, marking stopped", "instance", rec.ID, "port", rec.Port)
			rec.DesiredStatus = instance.StatusStopped
			rec.PID = 0
			changed = true
			repaired++
			metrics.IncRecordRepaired()
			s.record(context.Background(), history.Event{
				Type:         history.EventStatusRepair,
				OccurredAt:   time.Now(),
				InstanceID:   rec.ID,
				InstanceType: rec.Type,
				Port:         rec.Port,
				Detail:       "running -> stopped",
			})
		case rec.DesiredStatus == instance.StatusStopped:
			if !matched {
				continue
			}
			s.log.Info("stopped instance has a live process, marking running", "instance", rec.ID, "pid", obs.PID)
			rec.DesiredStatus = instance.StatusRunning
			rec.PID = obs.PID
			changed = true
			repaired++
			metrics.IncRecordRepaired()
			s.record(context.Background(), history.Event{
				Type:         history.EventStatusRepair,
				OccurredAt:   time.Now(),
				InstanceID:   rec.ID,
				InstanceType: rec.Type,
				Port:         rec.Port,
				PID:          obs.PID,
				Detail:       "stopped -> running",
			})
		}
	}
	return changed, repaired
}

// matchObserved ties a declared record to a live process of the same type by
// port or stored pid.
func matchObserved(rec instance.Record, observed []enumerator.Observed) (enumerator.Observed, bool) {
	for _, obs := range observed {
		if obs.Type != rec.Type {
			continue
		}
		if obs.Port != nil && *obs.Port == rec.Port {
			return obs, true
		}
		if rec.PID != 0 && rec.PID == obs.PID {
			return obs, true
		}
	}
	return enumerator.Observed{}, false
}

func (s *Supervisor) record(ctx context.Context, e history.Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Send(ctx, e); err != nil {
		s.log.Warn("history sink rejected event", "event", e.Type, "error", err)
	}
}

func portOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
