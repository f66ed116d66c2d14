// Package redistore implements eventstore.Store on Redis. Each stream is a
// sorted set ordered by a per-stream sequence counter, with event payloads
// held in hashes keyed by event ID. Because ordering lives in Redis rather
// than process memory, any server instance sharing the store can replay any
// session's history — the mechanism behind session roaming.
package redistore

import (
	"context"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/mcplane/mcp-session-go/eventstore"
)

// Config for the Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTSTORE_KEY_PREFIX
	KeyPrefix string `env:"EVENTSTORE_KEY_PREFIX,default=mcp:events:"`
	// MaxEventsPerStream bounds per-stream retention. ENV: EVENTSTORE_MAX_EVENTS
	MaxEventsPerStream int `env:"EVENTSTORE_MAX_EVENTS,default=512"`
}

type Store struct {
	client             *redis.Client
	keyPrefix          string
	maxEventsPerStream int
}

// New connects to Redis and verifies reachability.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:events:"
	}
	maxEvents := cfg.MaxEventsPerStream
	if maxEvents <= 0 {
		maxEvents = 512
	}
	return &Store{client: cl, keyPrefix: prefix, maxEventsPerStream: maxEvents}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

var _ eventstore.Store = (*Store)(nil)

func (s *Store) seqKey(streamID string) string    { return s.keyPrefix + "seq:" + streamID }
func (s *Store) streamKey(streamID string) string { return s.keyPrefix + "stream:" + streamID }
func (s *Store) eventKey(eventID string) string   { return s.keyPrefix + "event:" + eventID }

// StoreEvent appends message to the stream. The per-stream INCR makes append
// order linearizable across concurrent writers and processes.
func (s *Store) StoreEvent(ctx context.Context, streamID string, message []byte) (string, error) {
	if streamID == "" {
		return "", fmt.Errorf("stream id required")
	}

	seq, err := s.client.Incr(ctx, s.seqKey(streamID)).Result()
	if err != nil {
		return "", fmt.Errorf("incr seq: %w", err)
	}
	eventID := fmt.Sprintf("%s#%d", streamID, seq)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.eventKey(eventID), map[string]any{
		"stream": streamID,
		"seq":    seq,
		"data":   message,
		"ts":     time.Now().UTC().UnixMilli(),
	})
	pipe.ZAdd(ctx, s.streamKey(streamID), redis.Z{Score: float64(seq), Member: eventID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("append event: %w", err)
	}

	if err := s.trim(ctx, streamID); err != nil {
		return "", err
	}

	return eventID, nil
}

// trim drops the oldest entries once the stream exceeds its retention bound,
// preserving the most recent maxEventsPerStream events.
func (s *Store) trim(ctx context.Context, streamID string) error {
	key := s.streamKey(streamID)
	card, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("zcard: %w", err)
	}
	excess := card - int64(s.maxEventsPerStream)
	if excess <= 0 {
		return nil
	}

	oldest, err := s.client.ZRange(ctx, key, 0, excess-1).Result()
	if err != nil {
		return fmt.Errorf("zrange: %w", err)
	}
	if len(oldest) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByRank(ctx, key, 0, excess-1)
	for _, id := range oldest {
		pipe.Del(ctx, s.eventKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("trim stream: %w", err)
	}
	return nil
}

// ReplayEventsAfter looks up the stream owning lastEventID and delivers every
// later event in storage order.
func (s *Store) ReplayEventsAfter(ctx context.Context, lastEventID string, deliver eventstore.DeliverFunc) (string, error) {
	fields, err := s.client.HGetAll(ctx, s.eventKey(lastEventID)).Result()
	if err != nil {
		return "", fmt.Errorf("lookup event: %w", err)
	}
	streamID, ok := fields["stream"]
	if !ok || streamID == "" {
		return "", eventstore.ErrEventNotFound
	}
	seq := fields["seq"]

	ids, err := s.client.ZRangeByScore(ctx, s.streamKey(streamID), &redis.ZRangeBy{
		Min: "(" + seq,
		Max: "+inf",
	}).Result()
	if err != nil {
		return "", fmt.Errorf("range stream: %w", err)
	}

	for _, id := range ids {
		evtFields, err := s.client.HGetAll(ctx, s.eventKey(id)).Result()
		if err != nil {
			return streamID, fmt.Errorf("fetch event %s: %w", id, err)
		}
		data, ok := evtFields["data"]
		if !ok {
			// Trimmed between range and fetch; nothing newer was trimmed, so
			// skipping is safe.
			continue
		}
		var storedAt time.Time
		if ms, err := parseMillis(evtFields["ts"]); err == nil {
			storedAt = ms
		}
		if err := deliver(ctx, eventstore.Event{
			ID:       id,
			StreamID: streamID,
			Message:  []byte(data),
			StoredAt: storedAt,
		}); err != nil {
			return streamID, err
		}
	}
	return streamID, nil
}

func parseMillis(v string) (time.Time, error) {
	var ms int64
	if _, err := fmt.Sscanf(v, "%d", &ms); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
