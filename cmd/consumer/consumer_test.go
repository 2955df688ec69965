package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/dispatch"
)

// fakeSender fails the first failN sends.
type fakeSender struct {
	failN int
	calls int
}

func (f *fakeSender) Send(context.Context, dispatch.Email) error {
	f.calls++
	if f.calls <= f.failN {
		return errors.New("smtp 421")
	}
	return nil
}

var email = dispatch.Email{To: "alice@example.com", Kind: "confirmed", Subject: "Réservation confirmée", Body: "Bonjour"}

func TestSendWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeSender{failN: 2}
	start := time.Now()
	require.NoError(t, sendWithRetry(context.Background(), f, email, 3, 10*time.Millisecond))
	assert.Equal(t, 3, f.calls)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestSendWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeSender{failN: 5}
	err := sendWithRetry(context.Background(), f, email, 3, time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp 421")
	assert.Equal(t, 3, f.calls)
}

func TestSendWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeSender{failN: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sendWithRetry(ctx, f, email, 3, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.calls)
}
