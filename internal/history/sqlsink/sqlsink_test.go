package sqlsink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/vktunnel/internal/history"
)

func sendAndCount(t *testing.T, sink *Sink) {
	t.Helper()
	ctx := context.Background()

	ready := history.NewEvent(history.EventTunnelReady)
	ready.PID = 4242
	ready.Host = "tunnel.example.com"
	require.NoError(t, sink.Send(ctx, ready))

	ended := history.NewEvent(history.EventCycleEnded)
	ended.PID = 4242
	ended.Cause = "exit"
	ended.Crashes = 1
	ended.ExitCode = 2
	require.NoError(t, sink.Send(ctx, ended))

	n, err := sink.Count(ctx, history.EventTunnelReady)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Same ID twice violates the primary key.
	assert.Error(t, sink.Send(ctx, ready))
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	require.NoError(t, err)
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()
	sendAndCount(t, sink)
}

func TestSQLiteSink_File(t *testing.T) {
	path := t.TempDir() + "/history.db"
	sink, err := New(path)
	require.NoError(t, err)
	sendAndCount(t, sink)
	require.NoError(t, sink.Close())

	// Reopening keeps the existing table.
	again, err := New(path)
	require.NoError(t, err)
	defer func() { _ = again.Close() }()
	n, err := again.Count(context.Background(), history.EventCycleEnded)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = sink.Send(ctx, history.NewEvent(history.EventCommand))
	if err != nil {
		t.Logf("Expected error with cancelled context: %v", err)
	}
}

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := New(connStr)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	sendAndCount(t, sink)
}
