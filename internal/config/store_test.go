package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/loykin/dbwarden/internal/instance"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), InstancesFileName))
}

func TestStoreMissingFileIsEmpty(t *testing.T) {
	s := testStore(t)
	records, err := s.Load()
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestStoreRoundTrip(t *testing.T) {
	s := testStore(t)
	in := []instance.Record{
		{ID: "db1", Name: "main", Type: "postgresql", Port: 5432, DesiredStatus: instance.StatusRunning, PID: 321},
		{ID: "db2", Name: "cache", Type: "redis", Port: 6379, DesiredStatus: instance.StatusStopped},
	}
	require.NoError(t, s.Save(in))

	out, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestStoreUpsertAndRemove(t *testing.T) {
	s := testStore(t)
	rec := instance.Record{ID: "db1", Name: "main", Type: "postgresql", Port: 5432, DesiredStatus: instance.StatusStopped}
	require.NoError(t, s.Upsert(rec))

	rec.Port = 5433
	require.NoError(t, s.Upsert(rec))

	records, err := s.Load()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 5433, records[0].Port)

	require.NoError(t, s.Remove("db1"))
	records, err = s.Load()
	require.NoError(t, err)
	require.Empty(t, records)

	// removing an unknown id is a no-op
	require.NoError(t, s.Remove("ghost"))
}

func TestStoreUpsertRejectsInvalid(t *testing.T) {
	s := testStore(t)
	err := s.Upsert(instance.Record{ID: "bad", Type: "postgresql", Port: 0, DesiredStatus: instance.StatusStopped})
	require.Error(t, err)
}

func TestStoreCorruptFile(t *testing.T) {
	s := testStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o600))
	_, err := s.Load()
	require.Error(t, err)
}

func TestLoadSettingsDefaults(t *testing.T) {
	st, err := LoadSettings("")
	require.NoError(t, err)
	require.NotEmpty(t, st.DataDir)
	require.Equal(t, filepath.Join(st.DataDir, "daemon.sock"), st.SocketPath)
	require.Equal(t, filepath.Join(st.DataDir, InstancesFileName), st.InstancesPath())
	require.Contains(t, st.BenignProcesses, "dbwarden")
}

func TestLoadSettingsFromTOML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "dbwarden.toml")
	toml := `
data_dir = "` + dir + `"
reconcile_interval = "30s"
kill_grace = "500ms"
metrics_listen = "127.0.0.1:9321"
history_dsn = ":memory:"
deny_ports = [8080, 9090]

[commands.postgresql]
start = "pg_ctl start -D /data"
stop = "pg_ctl stop -D /data"

[log]
path = "` + filepath.Join(dir, "dbwarden.log") + `"
level = "debug"
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(toml), 0o600))

	st, err := LoadSettings(cfgPath)
	require.NoError(t, err)
	require.Equal(t, dir, st.DataDir)
	require.Equal(t, filepath.Join(dir, "daemon.sock"), st.SocketPath)
	require.Equal(t, "30s", st.ReconcileInterval.String())
	require.Equal(t, "500ms", st.KillGrace.String())
	require.Equal(t, "127.0.0.1:9321", st.MetricsListen)
	require.Equal(t, []int{8080, 9090}, st.DenyPorts)
	require.Equal(t, "debug", st.Log.Level)

	cs := st.CommandsFor("postgresql", "", "")
	require.Equal(t, "pg_ctl start -D /data", cs.Start)

	cs = st.CommandsFor("postgresql", "custom-start", "")
	require.Equal(t, "custom-start", cs.Start)
	require.Equal(t, "pg_ctl stop -D /data", cs.Stop)
}
