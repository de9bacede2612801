package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetry(t *testing.T) {
	var delays []time.Duration
	prev := sleep
	sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	t.Cleanup(func() { sleep = prev })

	transient := errors.New("transient")

	t.Run("succeeds after failures", func(t *testing.T) {
		delays = nil
		calls := 0
		err := retry(context.Background(), 3, 100*time.Millisecond, func(attempt int) error {
			calls++
			assert.Equal(t, calls, attempt)
			if attempt < 3 {
				return transient
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
		if assert.Len(t, delays, 2) {
			assert.GreaterOrEqual(t, delays[0], 100*time.Millisecond)
			assert.Less(t, delays[0], 150*time.Millisecond)
			assert.GreaterOrEqual(t, delays[1], 200*time.Millisecond)
			assert.Less(t, delays[1], 300*time.Millisecond)
		}
	})

	t.Run("returns last error when exhausted", func(t *testing.T) {
		delays = nil
		calls := 0
		err := retry(context.Background(), 2, time.Millisecond, func(int) error {
			calls++
			return transient
		})
		assert.ErrorIs(t, err, transient)
		assert.Equal(t, 2, calls)
		assert.Len(t, delays, 1)
	})

	t.Run("permanent stops early", func(t *testing.T) {
		calls := 0
		err := retry(context.Background(), 5, time.Millisecond, func(int) error {
			calls++
			return permanent(transient)
		})
		assert.Equal(t, transient, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := retry(ctx, 5, time.Millisecond, func(int) error {
			calls++
			cancel()
			return transient
		})
		assert.ErrorIs(t, err, transient)
		assert.Equal(t, 1, calls)
	})

	t.Run("zero delay", func(t *testing.T) {
		calls := 0
		err := retry(context.Background(), 3, 0, func(int) error {
			calls++
			return transient
		})
		assert.ErrorIs(t, err, transient)
		assert.Equal(t, 3, calls)
	})
}
