package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moyitech/vdb-center/internal/storage"
	"github.com/moyitech/vdb-center/internal/storage/storagetest"
)

const testDim = 8

// Runs against a disposable database with the vector extension available.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("VDB_CENTER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("VDB_CENTER_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, Config{DSN: dsn, MaxConns: 16, VectorDim: testDim})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	require.NoError(t, client.Migrate(ctx))
	return client
}

func TestPostgresConformance(t *testing.T) {
	client := newTestClient(t)
	storagetest.RunConformance(t, testDim, func(*testing.T) storage.Store { return client })
}

func TestEscapeLike(t *testing.T) {
	require.Equal(t, `50\%\_off\\`, escapeLike(`50%_off\`))
}
