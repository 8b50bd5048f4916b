package ksync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/utk-project/utk-kernel/internal/kerr"
)

func TestSemaphoreTryWaitDecrementsWhenPositive(t *testing.T) {
	s, err := NewSemaphore(1, false, FlagFIFO)
	require.NoError(t, err)

	require.NoError(t, s.TryWait())
	require.EqualValues(t, 0, s.Level())

	err = s.TryWait()
	require.True(t, kerr.Has(err, kerr.NotBlocked))
}

func TestSemaphorePostWakesOneWaiter(t *testing.T) {
	s, err := NewSemaphore(0, false, FlagFIFO)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- s.Wait(context.Background(), nil)
	}()
	waitUntilQueued(t, s.futex, 1)

	require.NoError(t, s.Post())
	require.NoError(t, <-done)
	require.EqualValues(t, 0, s.Level())
}

func TestBinarySemaphoreSaturatesAtOne(t *testing.T) {
	s, err := NewSemaphore(1, true, FlagFIFO)
	require.NoError(t, err)

	require.NoError(t, s.Post())
	require.NoError(t, s.Post())
	require.EqualValues(t, 1, s.Level())
}

func TestSemaphoreDestroyWakesWaiterWithDestroyed(t *testing.T) {
	s, err := NewSemaphore(0, false, FlagFIFO)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- s.Wait(context.Background(), nil)
	}()
	waitUntilQueued(t, s.futex, 1)

	require.NoError(t, s.Destroy())
	require.True(t, kerr.Has(<-done, kerr.Destroyed))
}
