package artifact

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS task_artifacts (
	task_id VARCHAR(64) NOT NULL PRIMARY KEY,
	cache_key VARCHAR(64) NOT NULL DEFAULT '',
	model VARCHAR(128) NOT NULL DEFAULT '',
	prompt TEXT NOT NULL,
	output TEXT NOT NULL,
	stop_reason VARCHAR(32) NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
)`

const replaceSQL = `REPLACE INTO task_artifacts
	(task_id, cache_key, model, prompt, output, stop_reason, input_tokens, output_tokens, duration_ms, created_at)
	VALUES (:task_id, :cache_key, :model, :prompt, :output, :stop_reason, :input_tokens, :output_tokens, :duration_ms, :created_at)`

const selectSQL = `SELECT task_id, cache_key, model, prompt, output, stop_reason, input_tokens, output_tokens, duration_ms, created_at FROM task_artifacts WHERE task_id = ?`

// SQLStore 产物写入 task_artifacts 表，MySQL 与 SQLite 通用
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore wraps an open database. Close closes it.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// EnsureSchema 建表
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create task_artifacts: %w", err)
	}
	return nil
}

// SaveBatch writes the batch in one transaction
func (s *SQLStore) SaveBatch(ctx context.Context, items []*Artifact) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, a := range items {
		if _, err := tx.NamedExecContext(ctx, replaceSQL, a); err != nil {
			return fmt.Errorf("save artifact %s: %w", a.TaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Get 按 task_id 读取
func (s *SQLStore) Get(ctx context.Context, taskID string) (*Artifact, error) {
	var a Artifact
	err := s.db.GetContext(ctx, &a, s.db.Rebind(selectSQL), taskID)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Count 返回记录数
func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM task_artifacts"); err != nil {
		return 0, err
	}
	return n, nil
}

// Close closes the underlying database
func (s *SQLStore) Close() error {
	return s.db.Close()
}
