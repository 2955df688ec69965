package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReminderLedger records which reminders went out so a cron firing twice
// in the same window sends each one once.
type ReminderLedger interface {
	// Claim returns true the first time key is seen within ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// ReminderKey identifies the J-1 reminder of an offer for a date.
func ReminderKey(offerID string, date time.Time) string {
	return "carpool:reminder:" + offerID + ":" + date.Format("2006-01-02")
}

type MemoryLedger struct {
	mu   sync.Mutex
	now  func() time.Time
	seen map[string]time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{now: time.Now, seen: make(map[string]time.Time)}
}

func (l *MemoryLedger) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if exp, ok := l.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	l.seen[key] = now.Add(ttl)
	return true, nil
}

// RedisSetter is the subset of *redis.Client the ledger needs.
type RedisSetter interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisLedger shares reminder claims between server replicas.
type RedisLedger struct {
	c RedisSetter
}

func NewRedisLedger(c RedisSetter) *RedisLedger {
	return &RedisLedger{c: c}
}

func (l *RedisLedger) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.c.SetNX(ctx, key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("storage.RedisLedger.Claim: %w", err)
	}
	return ok, nil
}
