package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/dbwarden"
	"github.com/loykin/dbwarden/internal/config"
	"github.com/loykin/dbwarden/internal/conflict"
	"github.com/loykin/dbwarden/internal/instance"
	"github.com/loykin/dbwarden/internal/ipc"
)

type command struct {
	global *GlobalFlags
}

func (c command) settings() (config.Settings, error) {
	return config.LoadSettings(c.global.ConfigPath)
}

func (c command) store(st config.Settings) *config.Store {
	return config.NewStore(st.InstancesPath())
}

func (c command) client(st config.Settings, timeout time.Duration) *ipc.Client {
	if timeout <= 0 {
		timeout = ipc.DefaultRequestTimeout
	}
	return ipc.NewClient(st.SocketPath, timeout)
}

// Status prints the daemon status. A missing daemon is a valid answer, not an
// error.
func (c command) Status() error {
	st, err := c.settings()
	if err != nil {
		return err
	}
	data, err := c.client(st, 0).Status()
	if errors.Is(err, ipc.ErrDaemonNotRunning) {
		printJSON(ipc.StatusData{Running: false, Timestamp: time.Now().UnixMilli()})
		return nil
	}
	if err != nil {
		return err
	}
	printJSON(data)
	return nil
}

// Cleanup asks the daemon to run a reconciliation cycle immediately.
func (c command) Cleanup() error {
	st, err := c.settings()
	if err != nil {
		return err
	}
	data, err := c.client(st, 0).Cleanup()
	if errors.Is(err, ipc.ErrDaemonNotRunning) {
		return fmt.Errorf("daemon not running - start it with 'dbwarden serve'")
	}
	if err != nil {
		return err
	}
	printJSON(data)
	return nil
}

func (c command) Ping() error {
	st, err := c.settings()
	if err != nil {
		return err
	}
	if err := c.client(st, 0).Ping(); err != nil {
		return err
	}
	fmt.Println("pong")
	return nil
}

// CheckPort probes a port through the daemon when it is reachable and falls
// back to a direct local probe otherwise.
func (c command) CheckPort(f CheckPortFlags) error {
	st, err := c.settings()
	if err != nil {
		return err
	}
	cl := c.client(st, f.Timeout)
	if cl.Reachable() {
		data, err := cl.CheckPort(f.Port)
		if err != nil {
			return err
		}
		printJSON(data)
		return nil
	}

	res := directChecker(st).Check(f.Port)
	data := ipc.PortCheckData{
		Success:   true,
		Port:      f.Port,
		Available: res.Available,
		Reason:    res.Reason,
		Timestamp: time.Now().UnixMilli(),
	}
	if res.Owner != nil {
		data.ProcessInfo = &ipc.ProcessInfo{ProcessName: res.Owner.Name, PID: res.Owner.PID}
	}
	printJSON(data)
	return nil
}

// FindPort suggests a free port, via the daemon when reachable.
func (c command) FindPort(f FindPortFlags) error {
	st, err := c.settings()
	if err != nil {
		return err
	}
	cl := c.client(st, f.Timeout)
	if cl.Reachable() {
		data, err := cl.FindPort(f.StartPort, f.MaxAttempts)
		if err != nil {
			return err
		}
		printJSON(data)
		return nil
	}

	data := ipc.FindPortData{StartPort: f.StartPort, Timestamp: time.Now().UnixMilli()}
	port, err := directChecker(st).FindFree(f.StartPort, f.MaxAttempts)
	if err != nil {
		data.Error = err.Error()
	} else {
		data.Success = true
		data.SuggestedPort = port
	}
	printJSON(data)
	return nil
}

// Add declares a new instance in the store.
func (c command) Add(f AddFlags) error {
	st, err := c.settings()
	if err != nil {
		return err
	}
	id := f.ID
	if id == "" {
		id = f.Name
	}
	// --type also accepts the executable name (postgres vs postgresql).
	if typ, ok := dbwarden.NewEnumerator().TypeForExecutable(f.Type); ok {
		f.Type = typ
	}
	rec := instance.Record{
		ID:            id,
		Name:          f.Name,
		Type:          f.Type,
		Port:          f.Port,
		DesiredStatus: instance.StatusStopped,
		StartCommand:  f.StartCmd,
		StopCommand:   f.StopCmd,
	}
	if err := c.store(st).Upsert(rec); err != nil {
		return err
	}
	printJSON(rec)
	return nil
}

func (c command) Remove(f RemoveFlags) error {
	st, err := c.settings()
	if err != nil {
		return err
	}
	return c.store(st).Remove(f.ID)
}

func (c command) List() error {
	st, err := c.settings()
	if err != nil {
		return err
	}
	recs, err := c.store(st).Load()
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []instance.Record{}
	}
	printJSON(recs)
	return nil
}

// Start runs the start commands for the selected instances. Instances
// claiming the same port within one invocation form a conflict group: its
// members are excluded (unless arbitrated with --winner port=id), while the
// non-conflicting rest of the selection still starts.
func (c command) Start(f StartStopFlags, ids []string) error {
	st, err := c.settings()
	if err != nil {
		return err
	}
	store := c.store(st)
	recs, err := store.Load()
	if err != nil {
		return err
	}
	roster := instance.NewRoster(recs)

	proceed, groups := conflict.PartitionBulk(roster, ids)
	winners, err := parseWinners(f.Winners)
	if err != nil {
		return err
	}
	var unresolved []conflict.Group
	for _, g := range groups {
		id, ok := winners[g.Port]
		if !ok {
			unresolved = append(unresolved, g)
			continue
		}
		winner, ok := conflict.ResolveGroup(g, id)
		if !ok {
			return fmt.Errorf("--winner %d=%s: instance is not in the conflict group on port %d", g.Port, id, g.Port)
		}
		proceed = append(proceed, winner)
	}

	if len(proceed) == 0 {
		if len(unresolved) > 0 {
			return bulkConflictError(unresolved)
		}
		return fmt.Errorf("no known instances selected")
	}
	if f.UsePort != 0 && len(proceed) > 1 {
		return fmt.Errorf("--use-port applies to a single instance")
	}

	oracle := probeBackend(c, st)
	resolver := conflict.NewResolver(oracle, oracle, nil)
	for _, rec := range proceed {
		if f.UsePort != 0 {
			rec.Port = f.UsePort
		}
		if err := c.startOne(st, store, resolver, roster, rec); err != nil {
			return err
		}
	}
	if len(unresolved) > 0 {
		return bulkConflictError(unresolved)
	}
	return nil
}

// parseWinners parses --winner port=instance-id pairs.
func parseWinners(pairs []string) (map[int]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	winners := make(map[int]string, len(pairs))
	for _, pair := range pairs {
		portStr, id, ok := strings.Cut(pair, "=")
		port, err := strconv.Atoi(strings.TrimSpace(portStr))
		if !ok || err != nil || strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("invalid --winner %q, expected port=instance-id", pair)
		}
		winners[port] = strings.TrimSpace(id)
	}
	return winners, nil
}

func (c command) startOne(st config.Settings, store *config.Store, resolver *conflict.Resolver, roster *instance.Roster, rec instance.Record) error {
	dec, err := resolver.CheckStart(rec, roster)
	if err != nil {
		return err
	}
	if dec.Warning != "" {
		fmt.Printf("Warning: %s", dec.Warning)
		if dec.SuggestedPort != 0 {
			fmt.Printf(" (try --use-port=%d)", dec.SuggestedPort)
		}
		fmt.Println()
	}

	cs := st.CommandsFor(rec.Type, rec.StartCommand, rec.StopCommand)
	if cs.Start == "" {
		return fmt.Errorf("no start command configured for instance %s (type %s)", rec.ID, rec.Type)
	}
	if err := resolver.PreStartGuard(rec, roster); err != nil {
		return err
	}
	if err := instance.BuildCommand(cs.Start).Run(); err != nil {
		return fmt.Errorf("start command for %s failed: %w", rec.ID, err)
	}
	rec.DesiredStatus = instance.StatusStarting
	if err := store.Upsert(rec); err != nil {
		return err
	}
	fmt.Printf("Started %s on port %d\n", rec.ID, rec.Port)
	return nil
}

// Stop runs the stop commands for the selected instances and marks them
// stopped.
func (c command) Stop(ids []string) error {
	st, err := c.settings()
	if err != nil {
		return err
	}
	store := c.store(st)
	recs, err := store.Load()
	if err != nil {
		return err
	}
	roster := instance.NewRoster(recs)

	for _, id := range ids {
		rec, ok := roster.ByID(id)
		if !ok {
			return fmt.Errorf("unknown instance %s", id)
		}
		cs := st.CommandsFor(rec.Type, rec.StartCommand, rec.StopCommand)
		if cs.Stop == "" {
			return fmt.Errorf("no stop command configured for instance %s (type %s)", rec.ID, rec.Type)
		}
		if err := instance.BuildCommand(cs.Stop).Run(); err != nil {
			return fmt.Errorf("stop command for %s failed: %w", rec.ID, err)
		}
		rec.DesiredStatus = instance.StatusStopped
		rec.PID = 0
		if err := store.Upsert(rec); err != nil {
			return err
		}
		fmt.Printf("Stopped %s\n", rec.ID)
	}
	return nil
}

// Watch monitors the ports of every declared instance and prints warning
// transitions as they happen, until interrupted. Warnings are debounced: a
// busy probe raises one immediately, clearing takes two consecutive free
// probes.
func (c command) Watch(ctx context.Context) error {
	st, err := c.settings()
	if err != nil {
		return err
	}
	recs, err := c.store(st).Load()
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("no declared instances to watch")
	}

	oracle := probeBackend(c, st)
	onChange := func(key conflict.Key, warning bool) {
		if warning {
			fmt.Printf("WARNING %s: port %d is held by another process\n", key.InstanceID, key.Port)
		} else {
			fmt.Printf("clear   %s: port %d\n", key.InstanceID, key.Port)
		}
	}
	mon := conflict.NewMonitor(oracle.Check, st.BenignProcesses, onChange, nil)
	defer mon.Close()

	for _, rec := range recs {
		mon.Watch(rec.ID, rec.Port, rec.PID)
	}
	fmt.Printf("watching %d instance(s); Ctrl-C to stop\n", len(recs))
	<-ctx.Done()
	return nil
}

func bulkConflictError(groups []conflict.Group) error {
	msg := "port conflicts in selection:"
	for _, g := range groups {
		msg += fmt.Sprintf("\n  port %d claimed by", g.Port)
		for i, rec := range g.Records {
			if i > 0 {
				msg += ","
			}
			msg += " " + rec.ID
		}
	}
	msg += "\npick one winner per port with --winner port=instance-id"
	return errors.New(msg)
}

func directChecker(st config.Settings) *dbwarden.Checker {
	return newChecker(st)
}
