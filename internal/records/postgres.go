package records

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS validation_records (
	run_id      TEXT PRIMARY KEY,
	student_id  TEXT NOT NULL,
	project_id  TEXT NOT NULL,
	task_id     INTEGER NOT NULL,
	task_name   TEXT NOT NULL,
	passed      BOOLEAN NOT NULL,
	total_score INTEGER NOT NULL,
	max_score   INTEGER NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	result      JSONB
);
CREATE INDEX IF NOT EXISTS validation_records_student_idx ON validation_records (student_id, created_at DESC);
`

// PostgresStore keeps records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	} else {
		poolConfig.MaxConns = 4
	}
	poolConfig.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Add(ctx context.Context, r Record) error {
	query := `
		INSERT INTO validation_records (run_id, student_id, project_id, task_id, task_name, passed, total_score, max_score, created_at, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	var result []byte
	if len(r.Result) > 0 {
		result = r.Result
	}
	_, err := s.pool.Exec(ctx, query,
		r.RunID, r.StudentID, r.ProjectID, r.TaskID, r.TaskName,
		r.Passed, r.TotalScore, r.MaxScore, r.CreatedAt, result,
	)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if f.StudentID != "" {
		args = append(args, f.StudentID)
		where = append(where, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if f.ProjectID != "" {
		args = append(args, f.ProjectID)
		where = append(where, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if f.TaskID != 0 {
		args = append(args, f.TaskID)
		where = append(where, fmt.Sprintf("task_id = $%d", len(args)))
	}

	query := `SELECT run_id, student_id, project_id, task_id, task_name, passed, total_score, max_score, created_at, result FROM validation_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var (
			r      Record
			result []byte
		)
		if err := rows.Scan(&r.RunID, &r.StudentID, &r.ProjectID, &r.TaskID, &r.TaskName,
			&r.Passed, &r.TotalScore, &r.MaxScore, &r.CreatedAt, &result); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		r.Result = result
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return out, nil
}
