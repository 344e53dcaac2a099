package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecuteSuccess(t *testing.T) {
	b := NewBreaker("test_success")

	calls := 0
	err := b.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestExecuteRetriesBeforeFailing(t *testing.T) {
	b := NewBreaker("test_retry")
	b.backoff = 0

	calls := 0
	err := b.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("test_open")
	b.backoff = 0

	boom := errors.New("gateway down")
	for i := 0; i < b.failureLimit; i++ {
		err := b.Execute(context.Background(), "op", func(ctx context.Context) error {
			return boom
		})
		assert.Error(t, err)
	}

	assert.Equal(t, BreakerOpen, b.State())

	calls := 0
	err := b.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, 0, calls, "open circuit must reject without calling through")
}

func TestBreakerRecoversAfterCooldown(t *testing.T) {
	b := NewBreaker("test_recover")
	b.backoff = 0
	b.cooldown = 0

	boom := errors.New("gateway down")
	for i := 0; i < b.failureLimit; i++ {
		_ = b.Execute(context.Background(), "op", func(ctx context.Context) error {
			return boom
		})
	}
	assert.Equal(t, BreakerOpen, b.State())

	// Zero cooldown means the next request is a half-open probe
	err := b.Execute(context.Background(), "op", func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("test_reopen")
	b.backoff = 0
	b.cooldown = 0
	b.maxAttempts = 1

	boom := errors.New("gateway down")
	for i := 0; i < b.failureLimit; i++ {
		_ = b.Execute(context.Background(), "op", func(ctx context.Context) error {
			return boom
		})
	}

	err := b.Execute(context.Background(), "op", func(ctx context.Context) error {
		return boom
	})
	assert.Error(t, err)
	assert.Equal(t, BreakerOpen, b.State())
}
