package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lychee-technology/fedaccel"
	"github.com/lychee-technology/fedaccel/internal/secrets"
)

// TestTableProviderAgainstRealPostgres spins up a disposable postgres
// container via testcontainers.GenericContainer and exercises the real
// connector end to end: rows inserted with raw SQL are read back through
// Schema and Scan, then removed with deletePredicate.
func TestTableProviderAgainstRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed integration test in -short mode")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_USER":     "postgres",
			"POSTGRES_DB":       "postgres",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	defer container.Terminate(ctx)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	params, err := secrets.NewResolver().Resolve(map[string]string{
		"host":     host,
		"port":     mapped.Port(),
		"user":     "postgres",
		"password": "password",
		"dbname":   "postgres",
		"sslmode":  "disable",
	})
	require.NoError(t, err)

	pool, err := openPool(ctx, params)
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Exec(ctx, "CREATE TABLE widgets (id INTEGER, name TEXT)")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "INSERT INTO widgets (id, name) VALUES (1, 'alice'), (2, 'bob')")
	require.NoError(t, err)

	tp := &tableProvider{pool: pool, schema: "public", table: "widgets"}
	schema, err := tp.Schema(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, schema.NumFields())

	stream, err := tp.Scan(ctx, nil, nil, 0)
	require.NoError(t, err)
	defer stream.Close()

	rec, err := stream.Next(ctx)
	require.NoError(t, err)
	defer rec.Release()
	require.EqualValues(t, 2, rec.NumRows())

	deleted, err := deletePredicate(ctx, pool, tp.qualifiedName(), &fedaccel.KvCondition{
		Column: "id", Op: fedaccel.OpEquals, Value: int32(1),
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)
}
