package recorder

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "chatstream:transcript:"
	redisTTL       = 24 * time.Hour
)

// RedisStore keeps each turn in a Redis stream.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore wraps rdb. The store owns the client and closes it.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: redisTTL}
}

// NewRedisClient connects to addr and pings it.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func redisKey(turnID string) string {
	return redisKeyPrefix + turnID
}

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, line Line) error {
	if err := validTurnID(line.TurnID); err != nil {
		return err
	}
	key := redisKey(line.TurnID)
	pipe := s.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{
			"session_id": line.SessionID,
			"seq":        line.Seq,
			"text":       line.Text,
			"at":         line.At.UTC().Format(time.RFC3339Nano),
		},
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append line: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, turnID string) ([]Line, error) {
	if err := validTurnID(turnID); err != nil {
		return nil, err
	}
	msgs, err := s.rdb.XRange(ctx, redisKey(turnID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}

	lines := make([]Line, 0, len(msgs))
	for _, msg := range msgs {
		lines = append(lines, lineFromValues(turnID, msg.Values))
	}
	return lines, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func lineFromValues(turnID string, values map[string]interface{}) Line {
	line := Line{TurnID: turnID}
	if v, ok := values["session_id"].(string); ok {
		line.SessionID = v
	}
	if v, ok := values["text"].(string); ok {
		line.Text = v
	}
	if v, ok := values["seq"].(string); ok {
		line.Seq, _ = strconv.Atoi(v)
	}
	if v, ok := values["at"].(string); ok {
		line.At, _ = time.Parse(time.RFC3339Nano, v)
	}
	return line
}
