package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// The PostgreSQL backend runs the shared contract against a live database
// when POSTGRES_TEST_DSN is set. Users and addresses are randomized so runs
// do not collide.
func TestPostgresStore_Contract(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	require.NoError(t, RunMigrations(dsn))

	runStoreContract(t, func(t *testing.T) Store {
		s, err := NewPostgresStore(context.Background(), dsn)
		require.NoError(t, err)
		t.Cleanup(s.Close)
		return s
	})
}

func TestMigrateURL(t *testing.T) {
	tests := []struct {
		name     string
		dsn      string
		expected string
	}{
		{name: "postgres_scheme", dsn: "postgres://u:p@localhost:5432/vault", expected: "pgx5://u:p@localhost:5432/vault"},
		{name: "postgresql_scheme", dsn: "postgresql://localhost/vault", expected: "pgx5://localhost/vault"},
		{name: "already_pgx5", dsn: "pgx5://localhost/vault", expected: "pgx5://localhost/vault"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, migrateURL(tt.dsn))
		})
	}
}
