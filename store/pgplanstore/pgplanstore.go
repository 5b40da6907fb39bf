// Package pgplanstore is a reference ports.PlanStore backed by Postgres,
// grounded on the teacher's common/db pgxpool wrapper: one connection
// pool, one table, content-hash ids keeping Put idempotent.
package pgplanstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lyzr/workflowcore/blueprint"
	"github.com/lyzr/workflowcore/internal/corelog"
)

// Store is a Postgres-backed ports.PlanStore keyed by a Blueprint's
// content-hash Identity(), mirroring the teacher's CAS-backed storage
// pattern (cmd/orchestrator/repository/cas_blob.go) rather than an
// auto-increment id table.
type Store struct {
	pool *pgxpool.Pool
	log  *corelog.Logger
}

// Schema is the DDL a deployment runs once before using Store. The core
// never runs migrations itself (§1 Non-goals: "does not own ... DB
// migrations"); this is exposed for the caller's own migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS blueprints (
	blueprint_id TEXT PRIMARY KEY,
	content      JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// New wraps an already-connected pool. The caller owns the pool's
// lifecycle (Close), the same division of responsibility as the
// teacher's db.DB wrapper.
func New(pool *pgxpool.Pool, log *corelog.Logger) *Store {
	if log == nil {
		log = corelog.Noop()
	}
	return &Store{pool: pool, log: log}
}

// Connect parses dsn and pings the resulting pool, the same
// parse-then-ping sequence common/db.New uses.
func Connect(ctx context.Context, dsn string, log *corelog.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(pool, log), nil
}

// Put stores bp under its content-hash id, upserting on conflict so
// re-storing identical content is a no-op write.
func (s *Store) Put(ctx context.Context, bp *blueprint.Blueprint) (string, error) {
	id, err := bp.Identity()
	if err != nil {
		return "", fmt.Errorf("compute blueprint identity: %w", err)
	}
	raw, err := json.Marshal(bp)
	if err != nil {
		return "", fmt.Errorf("marshal blueprint: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO blueprints (blueprint_id, content) VALUES ($1, $2)
		 ON CONFLICT (blueprint_id) DO NOTHING`,
		id, raw)
	if err != nil {
		return "", fmt.Errorf("insert blueprint %s: %w", id, err)
	}
	s.log.Info("blueprint stored", "blueprint_id", id)
	return id, nil
}

// Get loads the Blueprint stored under blueprintID.
func (s *Store) Get(ctx context.Context, blueprintID string) (*blueprint.Blueprint, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT content FROM blueprints WHERE blueprint_id = $1`, blueprintID).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("load blueprint %s: %w", blueprintID, err)
	}
	var bp blueprint.Blueprint
	if err := json.Unmarshal(raw, &bp); err != nil {
		return nil, fmt.Errorf("unmarshal blueprint %s: %w", blueprintID, err)
	}
	return &bp, nil
}

// List returns every stored blueprint id, newest first.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT blueprint_id FROM blueprints ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list blueprints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan blueprint id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close releases the underlying pool.
func (s *Store) Close() { s.pool.Close() }
