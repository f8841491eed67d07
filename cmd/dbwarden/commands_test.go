package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/loykin/dbwarden/internal/config"
	"github.com/loykin/dbwarden/internal/conflict"
	"github.com/loykin/dbwarden/internal/instance"
	"github.com/stretchr/testify/require"
)

func testCommand(t *testing.T) (command, config.Settings) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	content := fmt.Sprintf("data_dir = %q\nsocket_path = %q\n", dir, filepath.Join(dir, "daemon.sock"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	c := command{global: &GlobalFlags{ConfigPath: cfgPath}}
	st, err := c.settings()
	require.NoError(t, err)
	return c, st
}

func TestAddListRemove(t *testing.T) {
	c, st := testCommand(t)

	require.NoError(t, c.Add(AddFlags{Name: "main", Type: "postgresql", Port: 5432}))
	require.NoError(t, c.Add(AddFlags{ID: "cache-a", Name: "cache", Type: "redis", Port: 6380}))

	recs, err := c.store(st).Load()
	require.NoError(t, err)
	require.Len(t, recs, 2)

	roster := instance.NewRoster(recs)
	main, ok := roster.ByID("main")
	require.True(t, ok, "id defaults to name")
	require.Equal(t, instance.StatusStopped, main.DesiredStatus)
	_, ok = roster.ByID("cache-a")
	require.True(t, ok)

	require.NoError(t, c.Remove(RemoveFlags{ID: "main"}))
	recs, err = c.store(st).Load()
	require.NoError(t, err)
	require.Len(t, recs, 1)

	require.NoError(t, c.List())
}

func TestAddAcceptsExecutableNameAsType(t *testing.T) {
	c, st := testCommand(t)
	require.NoError(t, c.Add(AddFlags{Name: "main", Type: "postgres", Port: 5432}))

	roster := loadRoster(t, c, st)
	rec, ok := roster.ByID("main")
	require.True(t, ok)
	require.Equal(t, "postgresql", rec.Type)
}

func TestAddRejectsInvalidRecord(t *testing.T) {
	c, _ := testCommand(t)
	require.Error(t, c.Add(AddFlags{Name: "broken", Type: "postgresql", Port: 0}))
}

func TestStartUnknownSelection(t *testing.T) {
	c, _ := testCommand(t)
	err := c.Start(StartStopFlags{}, []string{"ghost"})
	require.ErrorContains(t, err, "no known instances selected")
}

// reserveFreePort binds an ephemeral port and releases it so a start command
// can be probed on a port known to have been free a moment ago.
func reserveFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func loadRoster(t *testing.T, c command, st config.Settings) *instance.Roster {
	t.Helper()
	recs, err := c.store(st).Load()
	require.NoError(t, err)
	return instance.NewRoster(recs)
}

func TestStartConflictGroupExcludedOthersProceed(t *testing.T) {
	c, st := testCommand(t)
	marker := filepath.Join(t.TempDir(), "cache.started")

	require.NoError(t, c.Add(AddFlags{Name: "a", Type: "postgresql", Port: 5432}))
	require.NoError(t, c.Add(AddFlags{Name: "b", Type: "postgresql", Port: 5432}))
	require.NoError(t, c.Add(AddFlags{
		Name: "cache", Type: "redis", Port: reserveFreePort(t),
		StartCmd: "touch " + marker,
	}))

	err := c.Start(StartStopFlags{}, []string{"a", "b", "cache"})
	require.ErrorContains(t, err, "port 5432 claimed by a, b")

	// The conflict group is excluded, but the rest of the selection started.
	require.FileExists(t, marker)
	roster := loadRoster(t, c, st)
	cache, _ := roster.ByID("cache")
	require.Equal(t, instance.StatusStarting, cache.DesiredStatus)
	for _, id := range []string{"a", "b"} {
		rec, _ := roster.ByID(id)
		require.Equal(t, instance.StatusStopped, rec.DesiredStatus, "group member %s must not start", id)
	}
}

func TestStartWinnerArbitratesConflictGroup(t *testing.T) {
	c, st := testCommand(t)
	dir := t.TempDir()
	port := reserveFreePort(t)
	markerA := filepath.Join(dir, "a.started")
	markerB := filepath.Join(dir, "b.started")

	require.NoError(t, c.Add(AddFlags{Name: "a", Type: "postgresql", Port: port, StartCmd: "touch " + markerA}))
	require.NoError(t, c.Add(AddFlags{Name: "b", Type: "postgresql", Port: port, StartCmd: "touch " + markerB}))

	f := StartStopFlags{Winners: []string{fmt.Sprintf("%d=a", port)}}
	require.NoError(t, c.Start(f, []string{"a", "b"}))

	require.FileExists(t, markerA)
	require.NoFileExists(t, markerB)
	roster := loadRoster(t, c, st)
	a, _ := roster.ByID("a")
	require.Equal(t, instance.StatusStarting, a.DesiredStatus)
	b, _ := roster.ByID("b")
	require.Equal(t, instance.StatusStopped, b.DesiredStatus)
}

func TestStartWinnerMustBeGroupMember(t *testing.T) {
	c, _ := testCommand(t)
	require.NoError(t, c.Add(AddFlags{Name: "a", Type: "postgresql", Port: 5432}))
	require.NoError(t, c.Add(AddFlags{Name: "b", Type: "postgresql", Port: 5432}))

	err := c.Start(StartStopFlags{Winners: []string{"5432=ghost"}}, []string{"a", "b"})
	require.ErrorContains(t, err, "not in the conflict group")
}

func TestParseWinners(t *testing.T) {
	winners, err := parseWinners([]string{"5432=a", " 6379 = cache "})
	require.NoError(t, err)
	require.Equal(t, map[int]string{5432: "a", 6379: "cache"}, winners)

	winners, err = parseWinners(nil)
	require.NoError(t, err)
	require.Nil(t, winners)

	for _, bad := range []string{"5432", "=a", "port=a", "5432="} {
		_, err := parseWinners([]string{bad})
		require.Error(t, err, "pair %q", bad)
	}
}

func TestStartUsePortRequiresSingleInstance(t *testing.T) {
	c, _ := testCommand(t)
	require.NoError(t, c.Add(AddFlags{Name: "a", Type: "postgresql", Port: 5432}))
	require.NoError(t, c.Add(AddFlags{Name: "b", Type: "postgresql", Port: 5433}))

	err := c.Start(StartStopFlags{UsePort: 6000}, []string{"a", "b"})
	require.ErrorContains(t, err, "--use-port")
}

func TestStopUnknownInstance(t *testing.T) {
	c, _ := testCommand(t)
	err := c.Stop([]string{"ghost"})
	require.ErrorContains(t, err, "unknown instance")
}

func TestStopRequiresStopCommand(t *testing.T) {
	c, _ := testCommand(t)
	require.NoError(t, c.Add(AddFlags{Name: "main", Type: "postgresql", Port: 5432}))

	err := c.Stop([]string{"main"})
	require.ErrorContains(t, err, "no stop command")
}

func TestBulkConflictErrorNamesEveryMember(t *testing.T) {
	err := bulkConflictError([]conflict.Group{
		{Port: 5432, Records: []instance.Record{
			{ID: "a", Port: 5432}, {ID: "b", Port: 5432},
		}},
	})
	require.ErrorContains(t, err, "port 5432 claimed by a, b")
}
