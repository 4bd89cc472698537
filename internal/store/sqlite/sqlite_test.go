package sqlite_test

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/agentscraper/scrapectl/internal/store"
	"github.com/agentscraper/scrapectl/internal/store/sqlite"
	"github.com/agentscraper/scrapectl/internal/store/storetest"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) store.Store {
	t.Helper()
	s, err := sqlite.Open(t.Context(), filepath.Join(t.TempDir(), "state", "scrapectl.db"))
	require.NoError(t, err)
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, open)
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scrapectl.db")
	ctx := t.Context()

	s, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	rec := storetest.NewRecord("site1")
	require.NoError(t, s.Create(ctx, rec))
	require.NoError(t, s.Close())

	// a restarted control center sees the same active run
	s, err = sqlite.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	active, err := s.GetActive(ctx)
	require.NoError(t, err)
	require.Equal(t, rec.ID, active.ID)
	require.Equal(t, model.StatusStarting, active.Status)

	err = s.Create(ctx, storetest.NewRecord("site2"))
	require.ErrorIs(t, err, store.ErrActiveExists)
}

func TestDSN(t *testing.T) {
	t.Parallel()
	dsn := sqlite.DSN("/var/lib/scrapectl/state.db")
	require.Contains(t, dsn, "file:/var/lib/scrapectl/state.db?")
	require.Contains(t, dsn, "_txlock=immediate")

	dsn = sqlite.DSN("file:state.db?mode=rwc")
	require.Contains(t, dsn, "file:state.db?mode=rwc&")
}

func schemaVersion(t *testing.T, path string) (version int, dirty bool) {
	t.Helper()
	db, err := sql.Open("sqlite", sqlite.DSN(path))
	require.NoError(t, err)
	defer func() {
		require.NoError(t, db.Close())
	}()
	err = db.QueryRowContext(t.Context(), `SELECT version, dirty FROM schema_migrations`).Scan(&version, &dirty)
	require.NoError(t, err)
	return version, dirty
}

func TestMigrate(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "scrapectl.db")
	ctx := t.Context()

	for range 2 {
		s, err := sqlite.Open(ctx, path)
		require.NoError(t, err)
		require.NoError(t, s.Close())
		version, dirty := schemaVersion(t, path)
		require.Equal(t, 2, version)
		require.False(t, dirty)
	}
}

func TestMigrate_UnversionedDatabase(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "scrapectl.db")
	ctx := t.Context()
	rec := storetest.NewRecord("site1")

	// a database written before its schema was versioned
	db, err := sql.Open("sqlite", sqlite.DSN(path))
	require.NoError(t, err)
	for _, stmt := range []string{
		`CREATE TABLE runs (
			run_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			active_slot INTEGER DEFAULT NULL UNIQUE,
			job_spec TEXT NOT NULL,
			process_ref TEXT DEFAULT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER DEFAULT NULL,
			updated_at INTEGER NOT NULL,
			progress_snapshot TEXT DEFAULT NULL,
			exit_outcome TEXT DEFAULT NULL,
			exit_reason TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			source TEXT NOT NULL,
			query TEXT NOT NULL,
			response TEXT NOT NULL,
			metrics TEXT DEFAULT NULL,
			created_at INTEGER NOT NULL
		)`,
	} {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO runs (run_id, status, active_slot, job_spec, started_at, updated_at)
		VALUES (?, 'running', 1, '{"target":"site1","kind":"noop"}', 1700000000000, 1700000000000)`, rec.ID)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	active, err := s.GetActive(ctx)
	require.NoError(t, err)
	require.Equal(t, rec.ID, active.ID)
	require.Equal(t, model.StatusRunning, active.Status)

	version, dirty := schemaVersion(t, path)
	require.Equal(t, 2, version)
	require.False(t, dirty)
}
