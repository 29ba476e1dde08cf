package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// MySQLRepository implements Repository for MySQL/MariaDB.
type MySQLRepository struct {
	db    *sql.DB
	table string
}

// NewMySQLRepository creates a MySQL outbox repository.
func NewMySQLRepository(db *sql.DB) *MySQLRepository {
	return &MySQLRepository{db: db, table: defaultTable}
}

func (r *MySQLRepository) CreateSchema(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(26) PRIMARY KEY,
			item_type VARCHAR(20) NOT NULL,
			pool_code VARCHAR(100),
			mediation_type VARCHAR(20),
			mediation_target TEXT NOT NULL,
			message_group VARCHAR(255),
			payload MEDIUMTEXT NOT NULL,
			status TINYINT NOT NULL DEFAULT 0,
			retry_count TINYINT NOT NULL DEFAULT 0,
			error_message TEXT,
			created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			processed_at TIMESTAMP(6) NULL,
			INDEX idx_pending (status, message_group, created_at),
			INDEX idx_stuck (status, updated_at)
		)
	`, r.table)

	if _, err := r.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create table %s: %w", r.table, err)
	}
	return nil
}

func (r *MySQLRepository) Insert(ctx context.Context, item *Item) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, item_type, pool_code, mediation_type, mediation_target, message_group, payload, status, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW(6))
	`, r.table)

	_, err := r.db.ExecContext(ctx, query,
		item.ID, string(item.ItemType), item.PoolCode, item.MediationType,
		item.MediationTarget, item.MessageGroup, string(item.Payload),
		int(item.Status), item.RetryCount, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox item: %w", err)
	}
	return nil
}

func (r *MySQLRepository) FetchPending(ctx context.Context, limit int) ([]*Item, error) {
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

func (r *MySQLRepository) MarkProcessing(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := sqlPlaceholders(ids)

	// Only PENDING rows are claimed, so a reset or completion that
	// raced ahead is never overwritten.
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, processed_at = NOW(6), updated_at = NOW(6)
		WHERE id IN (%s) AND status = %d
	`, r.table, StatusProcessing, placeholders, StatusPending)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

func (r *MySQLRepository) MarkCompleted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := sqlPlaceholders(ids)

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, processed_at = NOW(6), updated_at = NOW(6)
		WHERE id IN (%s)
	`, r.table, StatusCompleted, placeholders)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

func (r *MySQLRepository) MarkFailed(ctx context.Context, ids []string, errorMessage string) error {
	return r.setStatus(ctx, ids, StatusFailed, errorMessage)
}

func (r *MySQLRepository) IncrementRetry(ctx context.Context, ids []string, errorMessage string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := sqlPlaceholders(ids)
	args = append([]interface{}{errorMessage}, args...)

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, retry_count = retry_count + 1, error_message = ?, updated_at = NOW(6)
		WHERE id IN (%s)
	`, r.table, StatusPending, placeholders)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("increment retry: %w", err)
	}
	return nil
}

func (r *MySQLRepository) FetchStuck(ctx context.Context, olderThan time.Duration) ([]*Item, error) {
	query := fmt.Sprintf(`
		SELECT id, item_type, pool_code, mediation_type, mediation_target, message_group, payload, status, retry_count, error_message, created_at, processed_at
		FROM %s
		WHERE status = %d AND updated_at < DATE_SUB(NOW(6), INTERVAL ? SECOND)
		ORDER BY created_at
	`, r.table, StatusProcessing)

	rows, err := r.db.QueryContext(ctx, query, int(olderThan.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("fetch stuck: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

func (r *MySQLRepository) ResetStuck(ctx context.Context, ids []string) error {
	return r.setStatus(ctx, ids, StatusPending, "")
}

func (r *MySQLRepository) CountPending(ctx context.Context) (map[ItemType]int64, error) {
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

func (r *MySQLRepository) Close() error {
	return r.db.Close()
}

func (r *MySQLRepository) setStatus(ctx context.Context, ids []string, status Status, errorMessage string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := sqlPlaceholders(ids)
	args = append([]interface{}{errorMessage}, args...)

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, error_message = NULLIF(?, ''), updated_at = NOW(6)
		WHERE id IN (%s)
	`, r.table, status, placeholders)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	return nil
}

// sqlPlaceholders builds ? placeholders for drivers with positional args.
func sqlPlaceholders(ids []string) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ", "), args
}
