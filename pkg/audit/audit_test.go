package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/haytastan/pgbackrest/pkg/protocol"
)

func setupTestContainer(t *testing.T, ctx context.Context) (*tcpostgres.PostgresContainer, string) {
	t.Helper()

	container, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("audit_test"),
		tcpostgres.WithUsername("test_user"),
		tcpostgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return container, connStr
}

func TestSinkRecordsCommands(t *testing.T) {
	ctx := context.Background()

	container, connStr := setupTestContainer(t, ctx)
	defer container.Terminate(ctx)

	sink, err := New(ctx, Config{ConnectionString: connStr})
	require.NoError(t, err)
	require.NoError(t, sink.Migrate(connStr))

	sink.ObserveCommand("session-1", protocol.StorageBackup, protocol.CmdExists,
		[]protocol.Value{protocol.Str("/a/b")}, nil)

	dispatchErr := protocol.NewProtocolError("malformed block header")
	sink.ObserveCommand("session-1", protocol.StorageDB, protocol.CmdOpenRead,
		[]protocol.Value{protocol.Str("/x")}, dispatchErr)

	// Give the background writer a chance to drain the queue before
	// querying through the same pool.
	time.Sleep(200 * time.Millisecond)

	var count int
	require.NoError(t, sink.pool.QueryRow(ctx, "SELECT count(*) FROM command_audit").Scan(&count))
	require.Equal(t, 2, count)

	var errKind string
	require.NoError(t, sink.pool.QueryRow(ctx,
		"SELECT error_kind FROM command_audit WHERE command = $1", protocol.CmdOpenRead).Scan(&errKind))
	require.Equal(t, string(protocol.ErrProtocol), errKind)

	sink.Close()
}
