// Package sqlstore implements store.Store on top of database/sql. The SQL
// backends differ only in their Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/agentscraper/scrapectl/internal/store"
)

// Dialect captures what differs between SQL engines. Queries are written with
// $N placeholders.
type Dialect struct {
	Name string
	// Rebind rewrites $N placeholders, nil keeps them.
	Rebind func(query string) string
	// ForUpdate is appended to the row read of Update.
	ForUpdate string
	// IsUniqueViolation reports whether err was caused by a unique constraint.
	IsUniqueViolation func(err error) bool
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// QuestionRebind turns $N into ?N.
func QuestionRebind(query string) string {
	return placeholder.ReplaceAllString(query, "?$1")
}

const runColumns = `run_id, status, job_spec, process_ref, started_at, ended_at, updated_at, progress_snapshot, exit_outcome, exit_reason, error_message`

// Store is a State Store backed by a SQL database. The active_slot column is
// UNIQUE and holds 1 while a record is non-terminal and NULL otherwise, which
// makes the at-most-one active run an invariant of the schema.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		now:     store.Now,
	}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) q(query string) string {
	if s.dialect.Rebind == nil {
		return query
	}
	return s.dialect.Rebind(query)
}

func (s *Store) Create(ctx context.Context, rec model.RunRecord) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO runs (`+runColumns+`, active_slot) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`),
		row.args(activeSlot(rec.Status))...,
	)
	switch {
	case err != nil && s.dialect.IsUniqueViolation != nil && s.dialect.IsUniqueViolation(err):
		return fmt.Errorf("creating run_id %s: %w", rec.ID, store.ErrActiveExists)
	case err != nil:
		return model.Unavailable(fmt.Errorf("executing sql insert failed: %w", err))
	}
	return nil
}

func (s *Store) Update(ctx context.Context, runID string, p store.Patch) (model.RunRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.RunRecord{}, model.Unavailable(fmt.Errorf("starting transaction failed: %w", err))
	}
	defer func(ctx context.Context, runID string) {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("run_id", runID), slog.String("error", err.Error()))
		}
	}(ctx, runID)

	rec, err := scanRun(tx.QueryRowContext(ctx, s.q(
		`SELECT `+runColumns+` FROM runs WHERE run_id = $1`+s.dialect.ForUpdate), runID,
	))
	if err != nil {
		return model.RunRecord{}, err
	}

	rec, err = store.Apply(rec, p, s.now())
	if err != nil {
		return model.RunRecord{}, err
	}

	row, err := toRow(rec)
	if err != nil {
		return model.RunRecord{}, err
	}
	_, err = tx.ExecContext(ctx, s.q(
		`UPDATE runs SET status = $2, process_ref = $3, ended_at = $4, updated_at = $5, progress_snapshot = $6, exit_outcome = $7, exit_reason = $8, error_message = $9, active_slot = $10 WHERE run_id = $1`),
		row.ID, row.Status, row.Process, row.EndedAt, row.UpdatedAt, row.Progress, row.Exit, row.ExitReason, row.Error, activeSlot(rec.Status),
	)
	if err != nil {
		return model.RunRecord{}, model.Unavailable(fmt.Errorf("executing sql update failed: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return model.RunRecord{}, model.Unavailable(fmt.Errorf("committing transaction failed: %w", err))
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, runID string) (model.RunRecord, error) {
	return scanRun(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+runColumns+` FROM runs WHERE run_id = $1`), runID,
	))
}

func (s *Store) GetActive(ctx context.Context) (model.RunRecord, error) {
	return scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE active_slot = 1`,
	))
}

func (s *Store) Recent(ctx context.Context, limit int) ([]model.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, run_id LIMIT $1`), store.Limit(limit),
	)
	if err != nil {
		return nil, model.Unavailable(fmt.Errorf("executing sql query failed: %w", err))
	}
	defer func() {
		_ = rows.Close()
	}()

	var recs []model.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Unavailable(fmt.Errorf("iterating sql rows failed: %w", err))
	}
	return recs, nil
}

func (s *Store) AppendResult(ctx context.Context, r model.Result) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO results (run_id, source, query, response, metrics, created_at) VALUES ($1, $2, $3, $4, $5, $6)`),
		r.RunID, r.Source, r.Query, r.Response, nullString(r.Metrics), createdAt.UnixMilli(),
	)
	if err != nil {
		return model.Unavailable(fmt.Errorf("executing sql insert failed: %w", err))
	}
	return nil
}

func (s *Store) Results(ctx context.Context, runID string, limit int) ([]model.Result, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT run_id, source, query, response, metrics, created_at FROM results WHERE run_id = $1 ORDER BY id DESC LIMIT $2`),
		runID, store.Limit(limit),
	)
	if err != nil {
		return nil, model.Unavailable(fmt.Errorf("executing sql query failed: %w", err))
	}
	defer func() {
		_ = rows.Close()
	}()

	var results []model.Result
	for rows.Next() {
		var (
			r         model.Result
			metrics   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&r.RunID, &r.Source, &r.Query, &r.Response, &metrics, &createdAt); err != nil {
			return nil, model.Unavailable(fmt.Errorf("scanning result row failed: %w", err))
		}
		if metrics.Valid {
			r.Metrics = json.RawMessage(metrics.String)
		}
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Unavailable(fmt.Errorf("iterating sql rows failed: %w", err))
	}
	return results, nil
}

func activeSlot(s model.Status) sql.NullInt64 {
	if s.Active() {
		return sql.NullInt64{Int64: 1, Valid: true}
	}
	return sql.NullInt64{}
}
