package usage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/streamrelay/streamrelay/internal/redis"
)

const ledgerKeyPrefix = "usage:"

// Ledger stores per-server usage counters as Redis hashes under
// "usage:<serverID>". All mutations are increments, so concurrent writers
// from multiple relay instances compose without coordination. The two
// high-water marks (peakConnections, maxMessageSize) use read-then-set: two
// racing writers can each observe a stale peak, but the mark only ever
// settles within one concurrent update of the true maximum, which is close
// enough for billing snapshots.
type Ledger struct {
	rdb    redis.Client
	logger *slog.Logger
}

// NewLedger creates a usage ledger on the given Redis client.
func NewLedger(rdb redis.Client, logger *slog.Logger) *Ledger {
	return &Ledger{rdb: rdb, logger: logger}
}

func ledgerKey(serverID string) string {
	return ledgerKeyPrefix + serverID
}

// AddConnection records one connection open: increments the live connection
// count and the daily connection count, then raises the peak mark if needed.
func (l *Ledger) AddConnection(ctx context.Context, serverID string) error {
	key := ledgerKey(serverID)

	pipe := l.rdb.TxPipeline()
	connCmd := pipe.HIncrBy(ctx, key, FieldConnections, 1)
	pipe.HIncrBy(ctx, key, FieldConnectionsToday, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("usage: add connection %s: %w", serverID, err)
	}

	return l.raiseMark(ctx, key, FieldPeakConnections, connCmd.Val())
}

// RemoveConnection records one connection close. The daily count and peak
// are untouched.
func (l *Ledger) RemoveConnection(ctx context.Context, serverID string) error {
	key := ledgerKey(serverID)
	if err := l.rdb.HIncrBy(ctx, key, FieldConnections, -1).Err(); err != nil {
		return fmt.Errorf("usage: remove connection %s: %w", serverID, err)
	}
	return nil
}

// AddMessage records one published message of the given payload size.
func (l *Ledger) AddMessage(ctx context.Context, serverID string, size int64) error {
	key := ledgerKey(serverID)

	pipe := l.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, FieldMessages, 1)
	pipe.HIncrBy(ctx, key, FieldDataTransfer, size)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("usage: add message %s: %w", serverID, err)
	}

	return l.raiseMark(ctx, key, FieldMaxMessageSize, size)
}

// raiseMark sets the high-water field to candidate when candidate exceeds
// the stored value.
func (l *Ledger) raiseMark(ctx context.Context, key, field string, candidate int64) error {
	cur, err := l.rdb.HGet(ctx, key, field).Int64()
	if err != nil && !redis.IsNotFound(err) {
		return fmt.Errorf("usage: reading %s.%s: %w", key, field, err)
	}
	if candidate <= cur {
		return nil
	}
	if err := l.rdb.HSet(ctx, key, field, candidate).Err(); err != nil {
		return fmt.Errorf("usage: raising %s.%s: %w", key, field, err)
	}
	return nil
}

// Read returns the counters for one server. A server with no recorded
// activity reads as all zeros.
func (l *Ledger) Read(ctx context.Context, serverID string) (Usage, error) {
	h, err := l.rdb.HGetAll(ctx, ledgerKey(serverID)).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("usage: reading %s: %w", serverID, err)
	}
	return fromHash(h), nil
}

// Reset deletes every usage hash. Run by the daily ledger sweep together
// with the disabled-owner reset.
func (l *Ledger) Reset(ctx context.Context) error {
	var cursor uint64
	var deleted int
	for {
		keys, next, err := l.rdb.Scan(ctx, cursor, ledgerKeyPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("usage: scanning ledger keys: %w", err)
		}
		if len(keys) > 0 {
			if err := l.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("usage: deleting ledger keys: %w", err)
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	l.logger.Info("usage ledger reset", "keys", deleted)
	return nil
}
