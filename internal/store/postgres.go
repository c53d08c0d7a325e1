package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed sql/schema.sql
var Schema string

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

// ExecSQL executes raw SQL (used for schema bootstrap).
// Caller is responsible for idempotency (the embedded schema is).
func (s *Store) ExecSQL(ctx context.Context, sql string) error {
	_, err := s.pool.Exec(ctx, sql)
	return err
}

// Init applies the embedded schema.
func (s *Store) Init(ctx context.Context) error {
	return s.ExecSQL(ctx, Schema)
}

func (s *Store) CreateRun(ctx context.Context, r Run) (string, error) {
	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = StatusRunning
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ragstack.startup_runs (run_id, host, handoff, manage_conn, status, steps)
		VALUES ($1,$2,$3,$4,$5,$6::jsonb)
	`, r.RunID, r.Host, r.Handoff, r.ManageConn, r.Status, jsonOrArray(r.StepsJSON))
	if err != nil {
		return "", err
	}
	return r.RunID, nil
}

func (s *Store) FinishRun(ctx context.Context, runID, status string, stepsJSON []byte, runErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ragstack.startup_runs
		SET status=$2, finished_at=now(), steps=$3::jsonb, error=$4
		WHERE run_id=$1
	`, runID, status, jsonOrArray(stepsJSON), nullIfEmpty(runErr))
	return err
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_id::text, host, handoff, manage_conn, status, started_at, finished_at, steps, COALESCE(error,'')
		FROM ragstack.startup_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.Host, &r.Handoff, &r.ManageConn, &r.Status, &r.StartedAt, &r.FinishedAt, &r.StepsJSON, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// VerifyConnection logs in with dsn and reports the server version.
func VerifyConnection(ctx context.Context, dsn string) (string, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	var version string
	if err := conn.QueryRow(ctx, "SHOW server_version").Scan(&version); err != nil {
		return "", fmt.Errorf("query: %w", err)
	}
	return version, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonOrArray(b []byte) string {
	if len(b) == 0 {
		return "[]"
	}
	return string(b)
}
