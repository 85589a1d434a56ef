package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"jobrig/internal/model"
)

// CallbackBacklog is the executor-side durable queue for result batches
// that could not reach any admin. Batches are replayed oldest first and
// deleted only after a successful delivery.
type CallbackBacklog struct {
	db *sql.DB
}

// BacklogBatch is one persisted batch awaiting redelivery.
type BacklogBatch struct {
	ID      int64
	Results []model.CallbackResult
}

const backlogSchema = `
CREATE TABLE IF NOT EXISTS callback_backlog (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  payload    TEXT NOT NULL,
  created_at INTEGER NOT NULL
);`

// OpenBacklog opens (creating if needed) the backlog database at path.
func OpenBacklog(path string) (*CallbackBacklog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	if _, err := db.Exec(backlogSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &CallbackBacklog{db: db}, nil
}

func (b *CallbackBacklog) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *CallbackBacklog) Enqueue(ctx context.Context, results []model.CallbackResult) error {
	if len(results) == 0 {
		return nil
	}
	payload, err := json.Marshal(results)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO callback_backlog(payload, created_at) VALUES(?,?)`,
		string(payload), time.Now().UnixMilli(),
	)
	return err
}

func (b *CallbackBacklog) Pending(ctx context.Context, limit int) ([]BacklogBatch, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, payload FROM callback_backlog ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BacklogBatch
	for rows.Next() {
		var batch BacklogBatch
		var payload string
		if err := rows.Scan(&batch.ID, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &batch.Results); err != nil {
			// A corrupt row would wedge the replay loop forever.
			_, _ = b.db.ExecContext(ctx, `DELETE FROM callback_backlog WHERE id = ?`, batch.ID)
			continue
		}
		out = append(out, batch)
	}
	return out, rows.Err()
}

func (b *CallbackBacklog) Delete(ctx context.Context, id int64) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM callback_backlog WHERE id = ?`, id)
	return err
}
