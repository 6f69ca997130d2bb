package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tunnelwatch/internal/history"
)

func TestSQLiteSink_FileRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	now := time.Now().UTC()
	events := []history.Event{
		{Type: history.EventProcessStart, OccurredAt: now, PID: 4242},
		{Type: history.EventURLDetected, OccurredAt: now, PID: 4242, URL: "https://abc-1.trycloudflare.com"},
		{Type: history.EventNotifyFailed, OccurredAt: now, PID: 4242, URL: "https://abc-1.trycloudflare.com", Detail: "status 500"},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	var count int
	require.NoError(t, sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tunnel_history").Scan(&count))
	assert.Equal(t, 3, count)

	var url, detail sql.NullString
	require.NoError(t, sink.db.QueryRowContext(ctx,
		"SELECT url, detail FROM tunnel_history WHERE event = ?", string(history.EventProcessStart)).Scan(&url, &detail))
	assert.False(t, url.Valid, "empty url is stored as NULL")
	assert.False(t, detail.Valid)

	require.NoError(t, sink.db.QueryRowContext(ctx,
		"SELECT detail FROM tunnel_history WHERE event = ?", string(history.EventNotifyFailed)).Scan(&detail))
	assert.Equal(t, "status 500", detail.String)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventProcessExit, OccurredAt: time.Now(), PID: 1, Detail: "exit code 1"}))
	var count int
	require.NoError(t, sink.db.QueryRow("SELECT COUNT(*) FROM tunnel_history").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSQLiteSink_SchemaIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "h.db")
	s1, err := New(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.Close())
	s2, err := New(dbPath)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
