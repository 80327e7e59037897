// Package deadletter records ingestion runs whose failure status could not be
// written, so an operator can repair the knowledge base row by hand.
package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/moyitech/vdb-center/internal/metrics"
	"github.com/moyitech/vdb-center/pkg/logger"
)

type Entry struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	KBID       int64     `json:"kb_id"`
	ProjectID  int64     `json:"project_id"`
	Cause      string    `json:"cause"`
	WriteError string    `json:"write_error"`
	CreatedAt  time.Time `json:"created_at"`
}

type Journal struct {
	db *sql.DB
}

func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent runs.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	j := &Journal{db: db}
	if err := j.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("Dead-letter journal initialized", zap.String("path", path))
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS failed_status_writes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		kb_id INTEGER NOT NULL,
		project_id INTEGER NOT NULL,
		cause TEXT NOT NULL,
		write_error TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_failed_status_writes_kb ON failed_status_writes(kb_id);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return nil
}

func (j *Journal) Append(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO failed_status_writes (run_id, kb_id, project_id, cause, write_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, e.KBID, e.ProjectID, e.Cause, e.WriteError, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append dead letter: %w", err)
	}

	metrics.DeadLetters.Inc()
	logger.Warn("Dead letter recorded",
		zap.String("run_id", e.RunID),
		zap.Int64("kb_id", e.KBID),
		zap.Int64("project_id", e.ProjectID),
	)
	return nil
}

// List returns the newest entries first.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, run_id, kb_id, project_id, cause, write_error, created_at
		FROM failed_status_writes
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.ID, &e.RunID, &e.KBID, &e.ProjectID, &e.Cause, &e.WriteError, &created); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
