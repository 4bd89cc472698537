package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/agentscraper/scrapectl/internal/store"
	"github.com/agentscraper/scrapectl/internal/store/postgres"
	"github.com/agentscraper/scrapectl/internal/store/sqlstore"
	"github.com/agentscraper/scrapectl/internal/store/storetest"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var runColumns = []string{
	"run_id", "status", "job_spec", "process_ref", "started_at", "ended_at",
	"updated_at", "progress_snapshot", "exit_outcome", "exit_reason", "error_message",
}

func newMockStore(t *testing.T) (*sqlstore.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := sqlstore.New(db, postgres.Dialect)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s, mock
}

func runRow(id string, status model.Status) *sqlmock.Rows {
	ms := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	return sqlmock.NewRows(runColumns).AddRow(
		id, string(status), `{"target":"site1","kind":"noop","runs":1,"concurrency":1}`,
		`{"backend":"exec","pid":4242,"create_time":1700000000000}`, ms, nil,
		ms, nil, nil, "", "",
	)
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM runs WHERE run_id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(runColumns))

	_, err := s.Get(t.Context(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_Success(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM runs WHERE run_id = \$1`).
		WithArgs("A").
		WillReturnRows(runRow("A", model.StatusRunning))

	rec, err := s.Get(t.Context(), "A")
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, rec.Status)
	require.Equal(t, "site1", rec.Spec.Target)
	require.Equal(t, 4242, rec.Process.PID)
	require.Nil(t, rec.EndedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_ActiveExists(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO runs`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "runs_active_slot_key"})

	err := s.Create(t.Context(), storetest.NewRecord("site1"))
	require.ErrorIs(t, err, store.ErrActiveExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_Unavailable(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO runs`).
		WillReturnError(errors.New("read tcp 10.0.0.1:5432: connection reset by peer"))

	err := s.Create(t.Context(), storetest.NewRecord("site1"))
	require.ErrorIs(t, err, model.ErrStoreUnavailable)
	require.NotErrorIs(t, err, store.ErrActiveExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_CompareAndSet(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM runs WHERE run_id = \$1 FOR UPDATE`).
		WithArgs("A").
		WillReturnRows(runRow("A", model.StatusRunning))
	mock.ExpectExec(`UPDATE runs SET status = \$2`).
		WithArgs("A", "terminating", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), "", "", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := s.Update(t.Context(), "A", store.Transition(model.StatusTerminating, model.StatusStarting, model.StatusRunning))
	require.NoError(t, err)
	require.Equal(t, model.StatusTerminating, rec.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_TerminalReleasesSlot(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM runs WHERE run_id = \$1 FOR UPDATE`).
		WithArgs("A").
		WillReturnRows(runRow("A", model.StatusTerminating))
	mock.ExpectExec(`UPDATE runs SET status = \$2`).
		WithArgs("A", "terminated", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), "operator_terminated", "", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := s.Update(t.Context(), "A", store.Transition(model.StatusTerminated, model.StatusTerminating).
		WithReason(model.ExitReasonOperatorTerminated))
	require.NoError(t, err)
	require.NotNil(t, rec.EndedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_Conflict(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM runs WHERE run_id = \$1 FOR UPDATE`).
		WithArgs("A").
		WillReturnRows(runRow("A", model.StatusTerminated))
	mock.ExpectRollback()

	_, err := s.Update(t.Context(), "A", store.Transition(model.StatusTerminated, model.StatusTerminating))
	require.ErrorIs(t, err, store.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_BeginFails(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("dial tcp 10.0.0.1:5432: connect: connection refused"))

	_, err := s.Update(t.Context(), "A", store.Patch{Progress: []byte(`{}`)})
	require.ErrorIs(t, err, model.ErrStoreUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

var (
	pgOnce sync.Once
	pgURL  string
	pgErr  error
)

func startPostgres(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	pgOnce.Do(func() {
		ctx := context.Background()
		req := testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "scraper",
				"POSTGRES_PASSWORD": "scraper",
				"POSTGRES_DB":       "scrapectl",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2 * time.Minute),
			Tmpfs: map[string]string{"/var/lib/postgresql/data": "rw"},
		}
		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			pgErr = err
			return
		}
		host, err := c.Host(ctx)
		if err != nil {
			pgErr = err
			return
		}
		port, err := c.MappedPort(ctx, "5432")
		if err != nil {
			pgErr = err
			return
		}
		pgURL = fmt.Sprintf("postgres://scraper:scraper@%s:%s/scrapectl?sslmode=disable", host, port.Port())
	})
	if pgErr != nil {
		t.Skipf("postgres container not available: %v", pgErr)
	}
	return pgURL
}

func TestConformance(t *testing.T) {
	url := startPostgres(t)
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := postgres.Open(t.Context(), url)
		require.NoError(t, err)
		truncate(t, s.DB())
		return s
	})
}

func truncate(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.ExecContext(t.Context(), `TRUNCATE runs, results`)
	require.NoError(t, err)
}
