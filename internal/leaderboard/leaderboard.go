// Package leaderboard maintains the public driver ranking in a Redis
// sorted set, scored by current Elo. It is a denormalized read model; the
// reputation store stays the source of truth.
package leaderboard

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/tukerank/internal/models"
)

type Entry struct {
	DriverID string `json:"driver_id"`
	Elo      int    `json:"elo"`
}

type RedisLeaderboard struct {
	client *redis.Client
	key    string
}

func NewRedisLeaderboard(addr, password, key string) *RedisLeaderboard {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisLeaderboard{client: c, key: key}
}

// NewWithClient wires an existing client, used by tests and the consumer.
func NewWithClient(c *redis.Client, key string) *RedisLeaderboard {
	return &RedisLeaderboard{client: c, key: key}
}

// Upsert records the driver's current Elo plus a small meta hash with the
// latest change, mirroring what the dashboard shows next to the rank.
func (l *RedisLeaderboard) Upsert(ctx context.Context, u models.EloUpdate) error {
	if err := l.client.ZAdd(ctx, l.key, redis.Z{Score: float64(u.Elo), Member: u.DriverID}).Err(); err != nil {
		return err
	}
	return l.client.HSet(ctx, metaKey(u.DriverID), map[string]interface{}{
		"elo":        strconv.Itoa(u.Elo),
		"last_delta": strconv.Itoa(u.EloChange),
		"sentiment":  string(u.Sentiment),
		"updated":    u.At.Format(time.RFC3339),
	}).Err()
}

// Top returns the n highest-rated drivers, best first.
func (l *RedisLeaderboard) Top(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 10
	}
	zs, err := l.client.ZRevRangeWithScores(ctx, l.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		out = append(out, Entry{DriverID: id, Elo: int(z.Score)})
	}
	return out, nil
}

func (l *RedisLeaderboard) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLeaderboard) Close() error { return l.client.Close() }

func metaKey(id string) string { return "driver:meta:" + id }
