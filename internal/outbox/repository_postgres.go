package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PostgresRepository implements Repository for PostgreSQL.
// Plain SELECT/UPDATE with status codes, no row locking: only one
// poller runs at a time.
type PostgresRepository struct {
	db    *sql.DB
	table string
}

// NewPostgresRepository creates a PostgreSQL outbox repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, table: defaultTable}
}

const defaultTable = "outbox_items"

func (r *PostgresRepository) CreateSchema(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(26) PRIMARY KEY,
			item_type VARCHAR(20) NOT NULL,
			pool_code VARCHAR(100),
			mediation_type VARCHAR(20),
			mediation_target TEXT NOT NULL,
			message_group VARCHAR(255),
			payload TEXT NOT NULL,
			status SMALLINT NOT NULL DEFAULT 0,
			retry_count SMALLINT NOT NULL DEFAULT 0,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ
		)
	`, r.table)

	if _, err := r.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create table %s: %w", r.table, err)
	}

	// Partial index covering the poll query.
	createPendingIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_%s_pending
		ON %s(status, message_group, created_at)
		WHERE status = 0
	`, r.table, r.table)

	if _, err := r.db.ExecContext(ctx, createPendingIndex); err != nil {
		return fmt.Errorf("create pending index: %w", err)
	}

	createStuckIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_%s_stuck
		ON %s(status, updated_at)
		WHERE status = 1
	`, r.table, r.table)

	if _, err := r.db.ExecContext(ctx, createStuckIndex); err != nil {
		return fmt.Errorf("create stuck index: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Insert(ctx context.Context, item *Item) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, item_type, pool_code, mediation_type, mediation_target, message_group, payload, status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
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

func (r *PostgresRepository) FetchPending(ctx context.Context, limit int) ([]*Item, error) {
	query := fmt.Sprintf(`
		SELECT id, item_type, pool_code, mediation_type, mediation_target, message_group, payload, status, retry_count, error_message, created_at, processed_at
		FROM %s
		WHERE status = %d
		ORDER BY message_group, created_at
		LIMIT $1
	`, r.table, StatusPending)

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

func (r *PostgresRepository) MarkProcessing(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := pgPlaceholders(ids, 0)

	// Only PENDING rows are claimed, so a reset or completion that
	// raced ahead is never overwritten.
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, processed_at = NOW(), updated_at = NOW()
		WHERE id IN (%s) AND status = %d
	`, r.table, StatusProcessing, placeholders, StatusPending)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

func (r *PostgresRepository) MarkCompleted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := pgPlaceholders(ids, 0)

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, processed_at = NOW(), updated_at = NOW()
		WHERE id IN (%s)
	`, r.table, StatusCompleted, placeholders)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, ids []string, errorMessage string) error {
	return r.setStatus(ctx, ids, StatusFailed, errorMessage)
}

func (r *PostgresRepository) IncrementRetry(ctx context.Context, ids []string, errorMessage string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := pgPlaceholders(ids, 1)
	args = append([]interface{}{errorMessage}, args...)

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, retry_count = retry_count + 1, error_message = $1, updated_at = NOW()
		WHERE id IN (%s)
	`, r.table, StatusPending, placeholders)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("increment retry: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FetchStuck(ctx context.Context, olderThan time.Duration) ([]*Item, error) {
	query := fmt.Sprintf(`
		SELECT id, item_type, pool_code, mediation_type, mediation_target, message_group, payload, status, retry_count, error_message, created_at, processed_at
		FROM %s
		WHERE status = %d AND updated_at < NOW() - make_interval(secs => $1)
		ORDER BY created_at
	`, r.table, StatusProcessing)

	rows, err := r.db.QueryContext(ctx, query, olderThan.Seconds())
	if err != nil {
		return nil, fmt.Errorf("fetch stuck: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

func (r *PostgresRepository) ResetStuck(ctx context.Context, ids []string) error {
	return r.setStatus(ctx, ids, StatusPending, "")
}

func (r *PostgresRepository) CountPending(ctx context.Context) (map[ItemType]int64, error) {
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

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

func (r *PostgresRepository) setStatus(ctx context.Context, ids []string, status Status, errorMessage string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := pgPlaceholders(ids, 1)
	args = append([]interface{}{errorMessage}, args...)

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, error_message = NULLIF($1, ''), updated_at = NOW()
		WHERE id IN (%s)
	`, r.table, status, placeholders)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	return nil
}

// pgPlaceholders builds $N placeholders starting after offset prior args.
func pgPlaceholders(ids []string, offset int) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1+offset)
		args[i] = id
	}
	return strings.Join(placeholders, ", "), args
}

// scanItems reads rows produced by the shared SELECT column list.
func scanItems(rows *sql.Rows) ([]*Item, error) {
	var items []*Item
	for rows.Next() {
		var item Item
		var itemType string
		var poolCode, mediationType, messageGroup, errorMessage sql.NullString
		var payload string
		var processedAt sql.NullTime

		err := rows.Scan(
			&item.ID,
			&itemType,
			&poolCode,
			&mediationType,
			&item.MediationTarget,
			&messageGroup,
			&payload,
			&item.Status,
			&item.RetryCount,
			&errorMessage,
			&item.CreatedAt,
			&processedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}

		item.ItemType = ItemType(itemType)
		item.PoolCode = poolCode.String
		item.MediationType = mediationType.String
		item.MessageGroup = messageGroup.String
		item.ErrorMessage = errorMessage.String
		item.Payload = []byte(payload)
		if processedAt.Valid {
			t := processedAt.Time
			item.ProcessedAt = &t
		}

		items = append(items, &item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return items, nil
}

// scanCounts reads (item_type, count) rows.
func scanCounts(rows *sql.Rows) (map[ItemType]int64, error) {
	counts := make(map[ItemType]int64)
	for rows.Next() {
		var itemType string
		var count int64
		if err := rows.Scan(&itemType, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[ItemType(itemType)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return counts, nil
}
