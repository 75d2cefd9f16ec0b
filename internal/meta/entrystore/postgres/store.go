// Package postgres persists download entries in PostgreSQL, one table per
// entity type. Insert-if-absent is backed by the primary key so concurrent
// initial creations surface as a unique violation, reported to callers as an
// errs.CodeConflict envelope.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unionidx/unionidx/errs"
	"github.com/unionidx/unionidx/internal/meta"
	"github.com/unionidx/unionidx/internal/meta/entrystore"
)

var tableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Store is a pgx-backed entry store for one entity type.
type Store[T any] struct {
	pool  *pgxpool.Pool
	table string

	saveSQL          string
	insertSQL        string
	getSQL           string
	getAllSQL        string
	listRetryableSQL string
	deleteSQL        string
}

// NewStore constructs a Store persisting entries into the named table. The
// table must follow the entries schema shipped in db/migrations.
func NewStore[T any](pool *pgxpool.Pool, table string) (*Store[T], error) {
	trimmed := strings.TrimSpace(table)
	if !tableNamePattern.MatchString(trimmed) {
		return nil, fmt.Errorf("entry store: invalid table name %q", table)
	}
	s := &Store[T]{pool: pool, table: trimmed}
	s.saveSQL = fmt.Sprintf(saveSQLTemplate, trimmed)
	s.insertSQL = fmt.Sprintf(insertSQLTemplate, trimmed)
	s.getSQL = fmt.Sprintf(getSQLTemplate, trimmed)
	s.getAllSQL = fmt.Sprintf(getAllSQLTemplate, trimmed)
	s.listRetryableSQL = fmt.Sprintf(listRetryableSQLTemplate, trimmed)
	s.deleteSQL = fmt.Sprintf(deleteSQLTemplate, trimmed)
	return s, nil
}

const (
	saveSQLTemplate = `
INSERT INTO %[1]s (
    id,
    data,
    status,
    downloads,
    fails,
    retries,
    scheduled_at,
    succeed_at,
    failed_at,
    updated_at,
    error_message
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
    data = EXCLUDED.data,
    status = EXCLUDED.status,
    downloads = EXCLUDED.downloads,
    fails = EXCLUDED.fails,
    retries = EXCLUDED.retries,
    scheduled_at = EXCLUDED.scheduled_at,
    succeed_at = EXCLUDED.succeed_at,
    failed_at = EXCLUDED.failed_at,
    updated_at = EXCLUDED.updated_at,
    error_message = EXCLUDED.error_message
RETURNING
    id, data, status, downloads, fails, retries,
    scheduled_at, succeed_at, failed_at, updated_at, error_message;
`

	insertSQLTemplate = `
INSERT INTO %[1]s (
    id,
    data,
    status,
    downloads,
    fails,
    retries,
    scheduled_at,
    succeed_at,
    failed_at,
    updated_at,
    error_message
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING
    id, data, status, downloads, fails, retries,
    scheduled_at, succeed_at, failed_at, updated_at, error_message;
`

	getSQLTemplate = `
SELECT
    id, data, status, downloads, fails, retries,
    scheduled_at, succeed_at, failed_at, updated_at, error_message
FROM %[1]s
WHERE id = $1;
`

	getAllSQLTemplate = `
SELECT
    id, data, status, downloads, fails, retries,
    scheduled_at, succeed_at, failed_at, updated_at, error_message
FROM %[1]s
WHERE id = ANY($1);
`

	listRetryableSQLTemplate = `
SELECT
    id, data, status, downloads, fails, retries,
    scheduled_at, succeed_at, failed_at, updated_at, error_message
FROM %[1]s
WHERE status IN ('SCHEDULED', 'RETRY')
  AND retries <= $1
ORDER BY updated_at ASC NULLS FIRST
LIMIT $2;
`

	deleteSQLTemplate = `
DELETE FROM %[1]s
WHERE id = $1;
`
)

// Save upserts the entry.
func (s *Store[T]) Save(ctx context.Context, entry meta.Entry[T]) (meta.Entry[T], error) {
	if s.pool == nil {
		return meta.Entry[T]{}, fmt.Errorf("entry store: nil pool")
	}
	args, err := encodeEntryArgs(entry)
	if err != nil {
		return meta.Entry[T]{}, err
	}
	row := s.pool.QueryRow(ctx, s.saveSQL, args...)
	return scanEntry[T](row)
}

// Insert creates the entry, translating a primary-key violation into an
// errs.CodeConflict envelope.
func (s *Store[T]) Insert(ctx context.Context, entry meta.Entry[T]) (meta.Entry[T], error) {
	if s.pool == nil {
		return meta.Entry[T]{}, fmt.Errorf("entry store: nil pool")
	}
	args, err := encodeEntryArgs(entry)
	if err != nil {
		return meta.Entry[T]{}, err
	}
	row := s.pool.QueryRow(ctx, s.insertSQL, args...)
	stored, err := scanEntry[T](row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return meta.Entry[T]{}, errs.New("entrystore/postgres", errs.CodeConflict,
				errs.WithMessage("entry already exists: "+entry.ID),
				errs.WithCanonicalCode(errs.CanonicalEntryExists),
				errs.WithCause(err))
		}
		return meta.Entry[T]{}, err
	}
	return stored, nil
}

// Get returns the entry for id.
func (s *Store[T]) Get(ctx context.Context, id string) (meta.Entry[T], bool, error) {
	if s.pool == nil {
		return meta.Entry[T]{}, false, fmt.Errorf("entry store: nil pool")
	}
	row := s.pool.QueryRow(ctx, s.getSQL, strings.TrimSpace(id))
	entry, err := scanEntry[T](row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return meta.Entry[T]{}, false, nil
		}
		return meta.Entry[T]{}, false, err
	}
	return entry, true, nil
}

// GetAll batch-fetches entries for ids in one round trip.
func (s *Store[T]) GetAll(ctx context.Context, ids []string) ([]meta.Entry[T], error) {
	if s.pool == nil {
		return nil, fmt.Errorf("entry store: nil pool")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	trimmed := make([]string, 0, len(ids))
	for _, id := range ids {
		if v := strings.TrimSpace(id); v != "" {
			trimmed = append(trimmed, v)
		}
	}
	rows, err := s.pool.Query(ctx, s.getAllSQL, trimmed)
	if err != nil {
		return nil, fmt.Errorf("entry store: get all: %w", err)
	}
	defer rows.Close()
	return collectEntries[T](rows)
}

// ListRetryable returns entries still eligible for a non-forced re-attempt.
func (s *Store[T]) ListRetryable(ctx context.Context, maxRetries, limit int) ([]meta.Entry[T], error) {
	if s.pool == nil {
		return nil, fmt.Errorf("entry store: nil pool")
	}
	if limit <= 0 {
		limit = 128
	}
	rows, err := s.pool.Query(ctx, s.listRetryableSQL, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("entry store: list retryable: %w", err)
	}
	defer rows.Close()
	return collectEntries[T](rows)
}

// Delete removes the entry for id.
func (s *Store[T]) Delete(ctx context.Context, id string) (bool, error) {
	if s.pool == nil {
		return false, fmt.Errorf("entry store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, s.deleteSQL, strings.TrimSpace(id))
	if err != nil {
		return false, fmt.Errorf("entry store: delete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type pgxRows interface {
	rowScanner
	Next() bool
	Err() error
}

func collectEntries[T any](rows pgxRows) ([]meta.Entry[T], error) {
	var entries []meta.Entry[T]
	for rows.Next() {
		entry, err := scanEntry[T](rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entry store: iterate rows: %w", err)
	}
	return entries, nil
}

func encodeEntryArgs[T any](entry meta.Entry[T]) ([]any, error) {
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return nil, errs.New("entrystore/postgres", errs.CodeInvalid, errs.WithMessage("entry id required"))
	}
	var payload []byte
	if entry.Data != nil {
		encoded, err := json.Marshal(entry.Data)
		if err != nil {
			return nil, fmt.Errorf("entry store: encode payload: %w", err)
		}
		payload = encoded
	}
	return []any{
		id,
		payload,
		string(entry.Status),
		entry.Downloads,
		entry.Fails,
		entry.Retries,
		entry.ScheduledAt,
		entry.SucceedAt,
		entry.FailedAt,
		entry.UpdatedAt,
		nullableText(entry.ErrorMessage),
	}, nil
}

func scanEntry[T any](row rowScanner) (meta.Entry[T], error) {
	var (
		entry        meta.Entry[T]
		payload      []byte
		status       string
		scheduledAt  pgtype.Timestamptz
		succeedAt    pgtype.Timestamptz
		failedAt     pgtype.Timestamptz
		updatedAt    pgtype.Timestamptz
		errorMessage pgtype.Text
	)
	if err := row.Scan(
		&entry.ID,
		&payload,
		&status,
		&entry.Downloads,
		&entry.Fails,
		&entry.Retries,
		&scheduledAt,
		&succeedAt,
		&failedAt,
		&updatedAt,
		&errorMessage,
	); err != nil {
		return meta.Entry[T]{}, err
	}
	entry.Status = meta.Status(status)
	if len(payload) > 0 {
		data := new(T)
		if err := json.Unmarshal(payload, data); err != nil {
			return meta.Entry[T]{}, fmt.Errorf("entry store: decode payload: %w", err)
		}
		entry.Data = data
	}
	entry.ScheduledAt = timestampPtr(scheduledAt)
	entry.SucceedAt = timestampPtr(succeedAt)
	entry.FailedAt = timestampPtr(failedAt)
	entry.UpdatedAt = timestampPtr(updatedAt)
	if errorMessage.Valid {
		entry.ErrorMessage = errorMessage.String
	}
	return entry, nil
}

func timestampPtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}

func nullableText(value string) pgtype.Text {
	if strings.TrimSpace(value) == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: value, Valid: true}
}

var _ entrystore.Store[struct{}] = (*Store[struct{}])(nil)
