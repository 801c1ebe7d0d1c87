package sqlitestore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"medshare/internal/db"
	"medshare/internal/migrate"
	"medshare/internal/store"
	"medshare/internal/store/sqlitestore"
	"medshare/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := sqlitestore.Open(context.Background(), db.Config{Workspace: t.TempDir()})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := sqlitestore.Open(ctx, db.Config{Workspace: dir})
	require.NoError(t, err)
	defer s.Close()

	latest, err := migrate.Latest()
	require.NoError(t, err)
	v, err := migrate.Migrate(ctx, s.DB)
	require.NoError(t, err)
	require.Equal(t, latest, v)
}
