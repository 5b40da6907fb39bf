// Package redisplanstore is a reference ports.PlanStore backed by Redis,
// grounded on the teacher's common/redis client wrapper (Get/Set,
// pipelined multi-get) applied to blueprint content-hash keys instead of
// the teacher's IR cache keys.
package redisplanstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/workflowcore/blueprint"
	"github.com/lyzr/workflowcore/internal/corelog"
)

const (
	keyPrefix = "workflowcore:blueprint:"
	indexKey  = "workflowcore:blueprint:index"
)

// Store is a Redis-backed ports.PlanStore. Every blueprint is stored
// under keyPrefix+id, with its id also added to a Redis set so List can
// enumerate without a KEYS scan (the same reason the teacher keeps a
// separate index key alongside its IR cache entries).
type Store struct {
	rdb *redis.Client
	log *corelog.Logger
}

// New wraps an already-configured *redis.Client.
func New(rdb *redis.Client, log *corelog.Logger) *Store {
	if log == nil {
		log = corelog.Noop()
	}
	return &Store{rdb: rdb, log: log}
}

// Put stores bp under its content-hash id. Re-storing identical content
// under the same id is a harmless overwrite (the content is, by
// construction, identical).
func (s *Store) Put(ctx context.Context, bp *blueprint.Blueprint) (string, error) {
	id, err := bp.Identity()
	if err != nil {
		return "", fmt.Errorf("compute blueprint identity: %w", err)
	}
	raw, err := json.Marshal(bp)
	if err != nil {
		return "", fmt.Errorf("marshal blueprint: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyPrefix+id, raw, 0)
	pipe.SAdd(ctx, indexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("store blueprint %s: %w", id, err)
	}
	s.log.Info("blueprint stored", "blueprint_id", id)
	return id, nil
}

// Get loads the Blueprint stored under blueprintID.
func (s *Store) Get(ctx context.Context, blueprintID string) (*blueprint.Blueprint, error) {
	raw, err := s.rdb.Get(ctx, keyPrefix+blueprintID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("blueprint %s not found", blueprintID)
		}
		return nil, fmt.Errorf("load blueprint %s: %w", blueprintID, err)
	}
	var bp blueprint.Blueprint
	if err := json.Unmarshal(raw, &bp); err != nil {
		return nil, fmt.Errorf("unmarshal blueprint %s: %w", blueprintID, err)
	}
	return &bp, nil
}

// List returns every stored blueprint id.
func (s *Store) List(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list blueprints: %w", err)
	}
	return ids, nil
}
