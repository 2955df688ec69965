package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedger_ClaimOncePerWindow(t *testing.T) {
	l := NewMemoryLedger()
	now := time.Date(2026, 10, 15, 18, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	key := ReminderKey("off-1", now.AddDate(0, 0, 1))
	assert.Equal(t, "carpool:reminder:off-1:2026-10-16", key)

	ok, err := l.Claim(context.Background(), key, 36*time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = l.Claim(context.Background(), key, 36*time.Hour)
	assert.False(t, ok)

	now = now.Add(37 * time.Hour)
	ok, _ = l.Claim(context.Background(), key, 36*time.Hour)
	assert.True(t, ok)
}

// fakeSetNX implements RedisSetter for tests
type fakeSetNX struct {
	keys map[string]time.Duration
	err  error
}

func (f *fakeSetNX) SetNX(_ context.Context, key string, _ interface{}, exp time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = exp
	return redis.NewBoolResult(true, nil)
}

func TestRedisLedger_Claim(t *testing.T) {
	f := &fakeSetNX{keys: map[string]time.Duration{}}
	l := NewRedisLedger(f)

	ok, err := l.Claim(context.Background(), "k", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Hour, f.keys["k"])

	ok, err = l.Claim(context.Background(), "k", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	f.err = errors.New("connection refused")
	_, err = l.Claim(context.Background(), "other", time.Hour)
	assert.ErrorContains(t, err, "connection refused")
}
