package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"etmapd/pkg/db"
	"etmapd/pkg/model"
)

// SQLiteStore implements JobStore on the embedded database.
type SQLiteStore struct {
	db *db.DB
}

// NewSQLiteStore creates a new store.
func NewSQLiteStore(db *db.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DBPath returns the absolute path of the backing file.
func (s *SQLiteStore) DBPath() string {
	return s.db.Path()
}

func (s *SQLiteStore) Insert(ctx context.Context, j *model.Job) error {
	query := `INSERT INTO jobs (
		id, date_from, date_to, geometry, original_request,
		status, error_message, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	createdAt := j.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := j.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err := s.db.ExecContext(ctx, query,
		j.ID,
		j.DateFrom.Format(model.DateLayout),
		j.DateTo.Format(model.DateLayout),
		j.Geometry,
		j.OriginalRequest,
		string(j.Status),
		j.ErrorMessage,
		createdAt,
		updatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			if strings.Contains(err.Error(), "jobs.id") {
				return ErrDuplicateID
			}
			return ErrDuplicateKey
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	j.CreatedAt = createdAt
	j.UpdatedAt = updatedAt
	return nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status model.Status, errorMessage string) error {
	// updated_at is monotonically non-decreasing per job; MAX guards
	// against clock steps between orchestrator writes.
	query := `UPDATE jobs
			  SET status = ?, error_message = ?, updated_at = MAX(updated_at, ?)
			  WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query, string(status), errorMessage, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, date_from, date_to, geometry, original_request, status, error_message, created_at, updated_at
		 FROM jobs WHERE id = ?`, id)

	j, err := scanJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return j, nil
}

func (s *SQLiteStore) FindByDateRange(ctx context.Context, dateFrom, dateTo string) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, date_from, date_to, geometry, original_request, status, error_message, created_at, updated_at
		 FROM jobs WHERE date_from = ? AND date_to = ? ORDER BY created_at`, dateFrom, dateTo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

func (s *SQLiteStore) ListNonTerminal(ctx context.Context) ([]*model.Job, error) {
	terminal := []any{
		string(model.StatusFailed),
		string(model.StatusCalcComplete),
		string(model.StatusCalcFailed),
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, date_from, date_to, geometry, original_request, status, error_message, created_at, updated_at
		 FROM jobs WHERE status NOT IN (?, ?, ?) ORDER BY created_at`, terminal...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*model.Job, error) {
	var results []*model.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		results = append(results, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return results, nil
}

func scanJob(scan func(...any) error) (*model.Job, error) {
	var j model.Job
	var dateFrom, dateTo, status string
	var original, errMsg sql.NullString

	err := scan(&j.ID, &dateFrom, &dateTo, &j.Geometry, &original, &status, &errMsg, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}

	j.DateFrom, err = time.ParseInLocation(model.DateLayout, dateFrom, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("corrupt date_from %q: %w", dateFrom, err)
	}
	j.DateTo, err = time.ParseInLocation(model.DateLayout, dateTo, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("corrupt date_to %q: %w", dateTo, err)
	}

	j.Status = model.Status(status)
	if original.Valid {
		j.OriginalRequest = original.String
	}
	if errMsg.Valid {
		j.ErrorMessage = errMsg.String
	}
	return &j, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint violations in the message;
	// it has no exported error codes on the database/sql surface.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
