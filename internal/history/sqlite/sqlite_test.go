package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/redeployr/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	now := time.Now().UTC()
	events := []history.Event{
		{Type: history.EventStart, OccurredAt: now, Record: history.Record{Name: "app", PID: 4242, Status: "Running"}},
		{Type: history.EventCrash, OccurredAt: now.Add(time.Second), Record: history.Record{Name: "app", PID: 4242, Status: "Crashed", Restarts: 1, Error: "exit status 1"}},
		{Type: history.EventDeploy, OccurredAt: now.Add(2 * time.Second), Record: history.Record{Status: "Success", AttemptID: "a-1", Trigger: "push", Branch: "main", Commit: "abc123"}},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	var count int
	require.NoError(t, sink.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM redeployr_history`).Scan(&count))
	assert.Equal(t, 3, count)

	var status, errText string
	var restarts int
	require.NoError(t, sink.DB().QueryRowContext(ctx,
		`SELECT status, restarts, error FROM redeployr_history WHERE type = 'crash'`).Scan(&status, &restarts, &errText))
	assert.Equal(t, "Crashed", status)
	assert.Equal(t, 1, restarts)
	assert.Equal(t, "exit status 1", errText)

	var commit, trigger string
	require.NoError(t, sink.DB().QueryRowContext(ctx,
		`SELECT commit_sha, trigger_kind FROM redeployr_history WHERE attempt_id = 'a-1'`).Scan(&commit, &trigger))
	assert.Equal(t, "abc123", commit)
	assert.Equal(t, "push", trigger)
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventStop, OccurredAt: time.Now(), Record: history.Record{Name: "webhook", Status: "Stopped"}}))

	var count int
	require.NoError(t, sink.DB().QueryRow(`SELECT COUNT(*) FROM redeployr_history`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
