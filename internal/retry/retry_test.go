package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	attempts := 0
	p := New(5, zap.NewNop()).WithDelays(time.Millisecond, 2*time.Millisecond)

	err := p.Do(context.Background(), "load", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()

	attempts := 0
	p := New(4, zap.NewNop()).WithDelays(time.Millisecond, 2*time.Millisecond)

	err := p.Do(context.Background(), "load", func() error {
		attempts++
		return errors.New("down")
	})
	require.Error(t, err)
	require.Equal(t, 4, attempts)
	require.ErrorContains(t, err, "exhausted 4 attempts")
}

func TestDoStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := New(1000, zap.NewNop()).WithDelays(10*time.Millisecond, 20*time.Millisecond)

	attempts := 0
	err := p.Do(ctx, "load", func() error {
		attempts++
		cancel()
		return errors.New("down")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}
