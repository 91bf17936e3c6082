package store

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@db:5432/app?sslmode=disable", MigrationURL("postgres://u:p@db:5432/app?sslmode=disable"))
	require.Equal(t, "pgx5://db/app", MigrationURL("postgresql://db/app"))
	require.Equal(t, "pgx5://db/app", MigrationURL("pgx5://db/app"))
}

func TestMigrationsArePaired(t *testing.T) {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)
	ups, downs := 0, 0
	for _, name := range names {
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups++
			body, err := migrationFS.ReadFile(name)
			require.NoError(t, err)
			require.Contains(t, string(body), "unpaid_documents")
		case strings.HasSuffix(name, ".down.sql"):
			downs++
		}
	}
	require.Equal(t, ups, downs)
}
