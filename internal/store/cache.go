package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nodemesh/controlplane/internal/model"
)

// partitionTailTTL is short: the cache only needs to survive the handful of
// milliseconds between a build step reading the tail and the commit step
// advancing it, and a stale hit is always safe because the commit's CAS
// check catches it.
const partitionTailTTL = 2 * time.Second

// nodeByHWIDTTL is longer: node identity rarely changes between join
// attempts from the same device.
const nodeByHWIDTTL = 30 * time.Second

func partitionTailKey(partitionID int) string {
	return fmt.Sprintf("hcs:partition-tail:%d", partitionID)
}

func nodeByHWIDKey(hwid string) string {
	return "jc:node-hwid:" + hwid
}

// Cache wraps a PGStore with a Redis read-through layer for the two lookups
// hottest on the join and audit-commit paths: a partition's tail and a
// node's identity by hwid. Every read tries Redis first and falls back to
// Postgres on a miss or a Redis error, warming the cache afterward. PGStore
// is embedded so Cache satisfies the same Store interfaces internal/audit
// and internal/join declare — every method besides the ones overridden below
// (the two lookups, plus InsertNode and UpdateNode) passes straight through
// to Postgres.
type Cache struct {
	*PGStore
	rdb *redis.Client
	log *slog.Logger
}

// NewCache constructs a Cache over store using rdb as the hot path.
func NewCache(store *PGStore, rdb *redis.Client, log *slog.Logger) *Cache {
	return &Cache{PGStore: store, rdb: rdb, log: log}
}

type cachedPartitionTail struct {
	Sequence int64  `json:"sequence"`
	Hash     string `json:"hash"`
}

// GetPartitionTail returns a partition's tail, preferring Redis.
func (c *Cache) GetPartitionTail(ctx context.Context, dbtx DBTX, partitionID int) (seq int64, hash string, ok bool, err error) {
	key := partitionTailKey(partitionID)
	val, rErr := c.rdb.Get(ctx, key).Result()
	if rErr == nil {
		var cached cachedPartitionTail
		if jsonErr := json.Unmarshal([]byte(val), &cached); jsonErr == nil {
			return cached.Sequence, cached.Hash, true, nil
		}
		c.log.Warn("invalid partition tail cache entry", "key", key)
	} else if rErr != redis.Nil {
		c.log.Warn("redis partition tail lookup failed, falling back to postgres", "error", rErr)
	}

	seq, hash, ok, err = c.PGStore.GetPartitionTail(ctx, dbtx, partitionID)
	if err != nil || !ok {
		return seq, hash, ok, err
	}
	c.setPartitionTail(ctx, partitionID, seq, hash)
	return seq, hash, true, nil
}

// InvalidatePartitionTail drops the cached tail after a commit advances it,
// so the next reader either hits the fresh value or falls through to
// Postgres rather than serving a stale one past its TTL.
func (c *Cache) InvalidatePartitionTail(ctx context.Context, partitionID int) {
	if err := c.rdb.Del(ctx, partitionTailKey(partitionID)).Err(); err != nil {
		c.log.Warn("failed to invalidate partition tail cache", "error", err, "partition_id", partitionID)
	}
}

func (c *Cache) setPartitionTail(ctx context.Context, partitionID int, seq int64, hash string) {
	b, err := json.Marshal(cachedPartitionTail{Sequence: seq, Hash: hash})
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, partitionTailKey(partitionID), b, partitionTailTTL).Err(); err != nil {
		c.log.Warn("failed to set partition tail cache", "error", err, "partition_id", partitionID)
	}
}

// GetNodeByHWID returns a node by hwid, preferring Redis.
func (c *Cache) GetNodeByHWID(ctx context.Context, dbtx DBTX, hwid string) (model.Node, bool, error) {
	key := nodeByHWIDKey(hwid)
	val, rErr := c.rdb.Get(ctx, key).Result()
	if rErr == nil {
		var n model.Node
		if jsonErr := json.Unmarshal([]byte(val), &n); jsonErr == nil {
			return n, true, nil
		}
		c.log.Warn("invalid node cache entry", "key", key)
	} else if rErr != redis.Nil {
		c.log.Warn("redis node lookup failed, falling back to postgres", "error", rErr)
	}

	n, ok, err := c.PGStore.GetNodeByHWID(ctx, dbtx, hwid)
	if err != nil || !ok {
		return n, ok, err
	}
	c.setNode(ctx, n)
	return n, true, nil
}

// InsertNode writes through to Postgres and primes the cache with the new
// row so an immediate re-join doesn't pay for a Redis miss.
func (c *Cache) InsertNode(ctx context.Context, dbtx DBTX, n model.Node) error {
	if err := c.PGStore.InsertNode(ctx, dbtx, n); err != nil {
		return err
	}
	c.setNode(ctx, n)
	return nil
}

// UpdateNode writes through to Postgres and invalidates the cached entry —
// simpler and safer than trying to keep a partially-applied update in sync.
func (c *Cache) UpdateNode(ctx context.Context, dbtx DBTX, n model.Node) error {
	if err := c.PGStore.UpdateNode(ctx, dbtx, n); err != nil {
		return err
	}
	c.InvalidateNode(ctx, n.HWID)
	return nil
}

// InvalidateNode drops the cached entry for a node after its row changes.
func (c *Cache) InvalidateNode(ctx context.Context, hwid string) {
	if err := c.rdb.Del(ctx, nodeByHWIDKey(hwid)).Err(); err != nil {
		c.log.Warn("failed to invalidate node cache", "error", err, "hwid", hwid)
	}
}

func (c *Cache) setNode(ctx context.Context, n model.Node) {
	b, err := json.Marshal(n)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, nodeByHWIDKey(n.HWID), b, nodeByHWIDTTL).Err(); err != nil {
		c.log.Warn("failed to set node cache", "error", err, "hwid", n.HWID)
	}
}
