package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/dbwarden/internal/history"
	"github.com/stretchr/testify/require"
)

func TestSQLiteSinkRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { require.NoError(t, sink.Close()) }()

	ctx := context.Background()
	events := []history.Event{
		{Type: history.EventOrphanKill, OccurredAt: time.Now().UTC(), InstanceType: "postgresql", Port: 5432, PID: 4242, Detail: "sigterm"},
		{Type: history.EventPortConflict, OccurredAt: time.Now().UTC(), Port: 3306, Detail: "2 holders"},
		{Type: history.EventStatusRepair, OccurredAt: time.Now().UTC(), InstanceID: "db1", Detail: "running -> stopped"},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	var count int
	require.NoError(t, sink.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reconcile_history`).Scan(&count))
	require.Equal(t, len(events), count)

	var event, detail string
	require.NoError(t, sink.db.QueryRowContext(ctx,
		`SELECT event, detail FROM reconcile_history WHERE instance_id = ?`, "db1").Scan(&event, &detail))
	require.Equal(t, string(history.EventStatusRepair), event)
	require.Equal(t, "running -> stopped", detail)
}

func TestNewRejectsEmptyDSN(t *testing.T) {
	_, err := New("  ")
	require.Error(t, err)
}
