package sqlstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/agentscraper/scrapectl/internal/store"
)

// runRow is the column representation of a RunRecord. Timestamps are unix
// milliseconds and documents are JSON text, which every engine stores alike.
type runRow struct {
	ID         string
	Status     string
	Spec       string
	Process    sql.NullString
	StartedAt  int64
	EndedAt    sql.NullInt64
	UpdatedAt  int64
	Progress   sql.NullString
	Exit       sql.NullString
	ExitReason string
	Error      string
}

func (r runRow) args(extra ...any) []any {
	args := []any{
		r.ID, r.Status, r.Spec, r.Process, r.StartedAt, r.EndedAt,
		r.UpdatedAt, r.Progress, r.Exit, r.ExitReason, r.Error,
	}
	return append(args, extra...)
}

func toRow(rec model.RunRecord) (runRow, error) {
	spec, err := json.Marshal(rec.Spec)
	if err != nil {
		return runRow{}, fmt.Errorf("marshaling job spec: %w", err)
	}
	row := runRow{
		ID:         rec.ID,
		Status:     string(rec.Status),
		Spec:       string(spec),
		StartedAt:  rec.StartedAt.UnixMilli(),
		UpdatedAt:  rec.UpdatedAt.UnixMilli(),
		Progress:   nullString(rec.Progress),
		ExitReason: string(rec.ExitReason),
		Error:      rec.Error,
	}
	if rec.EndedAt != nil {
		row.EndedAt = sql.NullInt64{Int64: rec.EndedAt.UnixMilli(), Valid: true}
	}
	if rec.Process != nil {
		b, err := json.Marshal(rec.Process)
		if err != nil {
			return runRow{}, fmt.Errorf("marshaling process ref: %w", err)
		}
		row.Process = sql.NullString{String: string(b), Valid: true}
	}
	if rec.Exit != nil {
		b, err := json.Marshal(rec.Exit)
		if err != nil {
			return runRow{}, fmt.Errorf("marshaling exit outcome: %w", err)
		}
		row.Exit = sql.NullString{String: string(b), Valid: true}
	}
	return row, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (model.RunRecord, error) {
	var row runRow
	err := sc.Scan(
		&row.ID,
		&row.Status,
		&row.Spec,
		&row.Process,
		&row.StartedAt,
		&row.EndedAt,
		&row.UpdatedAt,
		&row.Progress,
		&row.Exit,
		&row.ExitReason,
		&row.Error,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.RunRecord{}, store.ErrNotFound
	case err != nil:
		return model.RunRecord{}, model.Unavailable(fmt.Errorf("executing sql query failed: %w", err))
	}
	return row.record()
}

func (r runRow) record() (model.RunRecord, error) {
	rec := model.RunRecord{
		ID:         r.ID,
		Status:     model.Status(r.Status),
		StartedAt:  time.UnixMilli(r.StartedAt).UTC(),
		UpdatedAt:  time.UnixMilli(r.UpdatedAt).UTC(),
		ExitReason: model.ExitReason(r.ExitReason),
		Error:      r.Error,
	}
	if err := json.Unmarshal([]byte(r.Spec), &rec.Spec); err != nil {
		return model.RunRecord{}, fmt.Errorf("decoding job spec of run_id %s: %w", r.ID, err)
	}
	if r.EndedAt.Valid {
		ended := time.UnixMilli(r.EndedAt.Int64).UTC()
		rec.EndedAt = &ended
	}
	if r.Process.Valid {
		var ref model.ProcessRef
		if err := json.Unmarshal([]byte(r.Process.String), &ref); err != nil {
			return model.RunRecord{}, fmt.Errorf("decoding process ref of run_id %s: %w", r.ID, err)
		}
		rec.Process = &ref
	}
	if r.Progress.Valid {
		rec.Progress = json.RawMessage(r.Progress.String)
	}
	if r.Exit.Valid {
		var exit model.ExitOutcome
		if err := json.Unmarshal([]byte(r.Exit.String), &exit); err != nil {
			return model.RunRecord{}, fmt.Errorf("decoding exit outcome of run_id %s: %w", r.ID, err)
		}
		rec.Exit = &exit
	}
	return rec, nil
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
