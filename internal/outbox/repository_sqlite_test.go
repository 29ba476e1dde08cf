package outbox

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTestRepository(t *testing.T) *SQLiteRepository {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "outbox.db") + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo := NewSQLiteRepository(db)
	if err := repo.CreateSchema(context.Background()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return repo
}

func (r *SQLiteRepository) rowState(t *testing.T, id string) (Status, sql.NullTime) {
	t.Helper()
	var status int
	var processedAt sql.NullTime
	err := r.db.QueryRow(
		"SELECT status, processed_at FROM "+r.table+" WHERE id = ?", id,
	).Scan(&status, &processedAt)
	if err != nil {
		t.Fatalf("read row %s: %v", id, err)
	}
	return Status(status), processedAt
}

func TestSQLiteMarkProcessingStampsProcessedAt(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()

	item := NewItem(ItemTypeDispatchJob, "group-a", []byte(`{"k":"v"}`))
	item.MediationTarget = "https://target.example.com/hook"
	if err := repo.Insert(ctx, item); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := repo.MarkProcessing(ctx, []string{item.ID}); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	status, processedAt := repo.rowState(t, item.ID)
	if status != StatusProcessing {
		t.Fatalf("status = %s, want PROCESSING", status)
	}
	if !processedAt.Valid {
		t.Fatal("processed_at not stamped on claim")
	}
	if age := time.Since(processedAt.Time); age < 0 || age > time.Minute {
		t.Fatalf("processed_at = %v, not near now", processedAt.Time)
	}
}

func TestSQLiteMarkProcessingClaimsOnlyPending(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()

	done := NewItem(ItemTypeEvent, "group-a", []byte(`{}`))
	done.MediationTarget = "https://target.example.com/hook"
	pending := NewItem(ItemTypeEvent, "group-a", []byte(`{}`))
	pending.MediationTarget = "https://target.example.com/hook"
	for _, item := range []*Item{done, pending} {
		if err := repo.Insert(ctx, item); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := repo.MarkCompleted(ctx, []string{done.ID}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	if err := repo.MarkProcessing(ctx, []string{done.ID, pending.ID}); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	if status, _ := repo.rowState(t, done.ID); status != StatusCompleted {
		t.Errorf("completed item status = %s, claim must not overwrite it", status)
	}
	if status, _ := repo.rowState(t, pending.ID); status != StatusProcessing {
		t.Errorf("pending item status = %s, want PROCESSING", status)
	}
}
