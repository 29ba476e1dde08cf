package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteRepository implements Repository for the embedded SQLite store,
// the zero-infrastructure default for single-node deployments.
//
// Timestamps are passed from Go rather than computed in SQL so that
// comparisons behave the same regardless of the database's localtime.
type SQLiteRepository struct {
	db    *sql.DB
	table string
}

// NewSQLiteRepository creates a SQLite outbox repository. The db should
// be opened with a busy timeout since the application writes to the
// same file.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, table: defaultTable}
}

func (r *SQLiteRepository) CreateSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				item_type TEXT NOT NULL,
				pool_code TEXT,
				mediation_type TEXT,
				mediation_target TEXT NOT NULL,
				message_group TEXT,
				payload TEXT NOT NULL,
				status INTEGER NOT NULL DEFAULT 0,
				retry_count INTEGER NOT NULL DEFAULT 0,
				error_message TEXT,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				processed_at TIMESTAMP
			)
		`, r.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_pending ON %s(status, message_group, created_at)`, r.table, r.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_stuck ON %s(status, updated_at)`, r.table, r.table),
	}

	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (r *SQLiteRepository) Insert(ctx context.Context, item *Item) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, item_type, pool_code, mediation_type, mediation_target, message_group, payload, status, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.table)

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, query,
		item.ID, string(item.ItemType), item.PoolCode, item.MediationType,
		item.MediationTarget, item.MessageGroup, string(item.Payload),
		int(item.Status), item.RetryCount, item.CreatedAt.UTC(), now)
	if err != nil {
		return fmt.Errorf("insert outbox item: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) FetchPending(ctx context.Context, limit int) ([]*Item, error) {
	query := fmt.Sprintf(`
		SELECT id, item_type, pool_code, mediation_type, mediation_target, message_group, payload, status, retry_count, error_message, created_at, processed_at
		FROM %s
		WHERE status = %d
		ORDER BY message_group, created_at
		LIMIT ?
	`, r.table, StatusPending)

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

func (r *SQLiteRepository) MarkProcessing(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := sqlPlaceholders(ids)
	now := time.Now().UTC()
	args = append([]interface{}{now, now}, args...)

	// Only PENDING rows are claimed, so a reset or completion that
	// raced ahead is never overwritten.
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, processed_at = ?, updated_at = ?
		WHERE id IN (%s) AND status = %d
	`, r.table, StatusProcessing, placeholders, StatusPending)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) MarkCompleted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := sqlPlaceholders(ids)
	now := time.Now().UTC()
	args = append([]interface{}{now, now}, args...)

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, processed_at = ?, updated_at = ?
		WHERE id IN (%s)
	`, r.table, StatusCompleted, placeholders)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) MarkFailed(ctx context.Context, ids []string, errorMessage string) error {
	return r.setStatus(ctx, ids, StatusFailed, errorMessage)
}

func (r *SQLiteRepository) IncrementRetry(ctx context.Context, ids []string, errorMessage string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := sqlPlaceholders(ids)
	args = append([]interface{}{errorMessage, time.Now().UTC()}, args...)

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, retry_count = retry_count + 1, error_message = ?, updated_at = ?
		WHERE id IN (%s)
	`, r.table, StatusPending, placeholders)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("increment retry: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) FetchStuck(ctx context.Context, olderThan time.Duration) ([]*Item, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	query := fmt.Sprintf(`
		SELECT id, item_type, pool_code, mediation_type, mediation_target, message_group, payload, status, retry_count, error_message, created_at, processed_at
		FROM %s
		WHERE status = %d AND updated_at < ?
		ORDER BY created_at
	`, r.table, StatusProcessing)

	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("fetch stuck: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

func (r *SQLiteRepository) ResetStuck(ctx context.Context, ids []string) error {
	return r.setStatus(ctx, ids, StatusPending, "")
}

func (r *SQLiteRepository) CountPending(ctx context.Context) (map[ItemType]int64, error) {
	query := fmt.Sprintf(`
		SELECT item_type, COUNT(*) FROM %s WHERE status = %d GROUP BY item_type
	`, r.table, StatusPending)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	defer rows.Close()

	return scanCounts(rows)
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) setStatus(ctx context.Context, ids []string, status Status, errorMessage string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := sqlPlaceholders(ids)
	args = append([]interface{}{errorMessage, time.Now().UTC()}, args...)

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, error_message = NULLIF(?, ''), updated_at = ?
		WHERE id IN (%s)
	`, r.table, status, placeholders)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	return nil
}
