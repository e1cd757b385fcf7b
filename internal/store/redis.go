package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis server, for relays running more than
// one node. record expiry rides on native key TTLs; the cleanup sweep only
// repairs dangling tunnel index entries.
type Redis struct {
	client   *redis.Client
	chPrefix string
	tnPrefix string
	pdPrefix string
	log      *slog.Logger
}

// NewRedis creates a Redis-backed store from an address like "host:6379".
// the table names become key prefixes so two relays can share one server.
func NewRedis(addr string, db int, channelsTable, pendingTable string, log *slog.Logger) *Redis {
	if channelsTable == "" {
		channelsTable = "channels"
	}
	if pendingTable == "" {
		pendingTable = "pending"
	}
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	return &Redis{
		client:   client,
		chPrefix: "tunnel:" + channelsTable + ":id:",
		tnPrefix: "tunnel:" + channelsTable + ":tunnel:",
		pdPrefix: "tunnel:" + pendingTable + ":",
		log:      log.With("component", "redis_store"),
	}
}

// Ping verifies connectivity to the Redis server.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}

// Close releases the client's connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) _channel_key(channelID string) string { return r.chPrefix + channelID }
func (r *Redis) _tunnel_key(tunnelID string) string   { return r.tnPrefix + tunnelID }
func (r *Redis) _pending_key(requestID string) string { return r.pdPrefix + requestID }

// PutChannel inserts or replaces a channel record and its tunnel index entry,
// both expiring at record.ExpiresAt.
func (r *Redis) PutChannel(ctx context.Context, record *ChannelRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding channel record: %w", err)
	}
	expiry := time.Unix(record.ExpiresAt, 0)

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r._channel_key(record.ChannelID), payload, 0)
	pipe.ExpireAt(ctx, r._channel_key(record.ChannelID), expiry)
	pipe.Set(ctx, r._tunnel_key(record.TunnelID), record.ChannelID, 0)
	pipe.ExpireAt(ctx, r._tunnel_key(record.TunnelID), expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing channel record: %w", err)
	}
	return nil
}

// GetChannel fetches a record by channel id.
func (r *Redis) GetChannel(ctx context.Context, channelID string) (*ChannelRecord, error) {
	raw, err := r.client.Get(ctx, r._channel_key(channelID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching channel record: %w", err)
	}
	var record ChannelRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decoding channel record: %w", err)
	}
	return &record, nil
}

// GetChannelByTunnel resolves the live channel for a tunnel id via the index.
func (r *Redis) GetChannelByTunnel(ctx context.Context, tunnelID string) (*ChannelRecord, error) {
	channelID, err := r.client.Get(ctx, r._tunnel_key(tunnelID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolving tunnel index: %w", err)
	}
	return r.GetChannel(ctx, channelID)
}

// DeleteChannel removes a record and, when it still points at this channel,
// its tunnel index entry.
func (r *Redis) DeleteChannel(ctx context.Context, channelID string) error {
	record, err := r.GetChannel(ctx, channelID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r._channel_key(channelID))
	pipe.Del(ctx, r._tunnel_key(record.TunnelID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting channel record: %w", err)
	}
	return nil
}

// DeleteExpiredChannels sweeps for tunnel index entries whose channel record
// already expired. Redis drops expired keys itself, so only dangling index
// entries need repair.
func (r *Redis) DeleteExpiredChannels(ctx context.Context, _ int64) (int, error) {
	removed := 0
	iter := r.client.Scan(ctx, 0, r.tnPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		channelID, err := r.client.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		exists, err := r.client.Exists(ctx, r._channel_key(channelID)).Result()
		if err != nil {
			return removed, fmt.Errorf("checking channel key: %w", err)
		}
		if exists == 0 {
			if err := r.client.Del(ctx, key).Err(); err == nil {
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scanning tunnel index: %w", err)
	}
	return removed, nil
}

// PutPending registers a new pending record using NX so duplicate request ids
// are rejected atomically.
func (r *Redis) PutPending(ctx context.Context, record *PendingRecord) error {
	cp := *record
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	payload, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encoding pending record: %w", err)
	}

	ok, err := r.client.SetArgs(ctx, r._pending_key(cp.RequestID), payload, redis.SetArgs{
		Mode:     "NX",
		ExpireAt: time.Unix(cp.ExpiresAt, 0),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("storing pending record: %w", err)
	}
	if ok != "OK" {
		return ErrDuplicateRequest
	}
	return nil
}

// GetPending fetches a record without consuming it.
func (r *Redis) GetPending(ctx context.Context, requestID string) (*PendingRecord, error) {
	raw, err := r.client.Get(ctx, r._pending_key(requestID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching pending record: %w", err)
	}
	var record PendingRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decoding pending record: %w", err)
	}
	return &record, nil
}

// CompletePending transitions a record to completed inside a WATCH
// transaction so concurrent completions keep the first blob.
func (r *Redis) CompletePending(ctx context.Context, requestID string, blob []byte) error {
	key := r._pending_key(requestID)

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return fmt.Errorf("fetching pending record: %w", err)
		}
		var record PendingRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("decoding pending record: %w", err)
		}
		if record.Status == StatusCompleted {
			return nil
		}
		record.Status = StatusCompleted
		record.ResponseBlob = blob

		payload, err := json.Marshal(&record)
		if err != nil {
			return fmt.Errorf("encoding pending record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := r.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("completing pending record: transaction contention on %s", requestID)
}

// TakePending reads and deletes a record in one round trip with GETDEL.
func (r *Redis) TakePending(ctx context.Context, requestID string) (*PendingRecord, error) {
	raw, err := r.client.GetDel(ctx, r._pending_key(requestID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("taking pending record: %w", err)
	}
	var record PendingRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decoding pending record: %w", err)
	}
	return &record, nil
}

// DeleteExpiredPending is a no-op for Redis: pending keys carry native TTLs.
func (r *Redis) DeleteExpiredPending(_ context.Context, _ int64) (int, error) {
	return 0, nil
}

var _ Store = (*Redis)(nil)
