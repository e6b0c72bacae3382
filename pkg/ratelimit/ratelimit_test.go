package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBucketCapacityAndRefill(t *testing.T) {
	b := NewBucket(10, 1)

	for i := 0; i < 10; i++ {
		require.True(t, b.TryTake(1), "request %d should succeed", i)
	}
	require.False(t, b.TryTake(1), "11th request within the same second should be rejected")

	time.Sleep(1100 * time.Millisecond)
	require.True(t, b.TryTake(1))
}

func TestSlidingWindowRejectsOverLimit(t *testing.T) {
	w := NewSlidingWindow(60*time.Second, 5)
	for i := 0; i < 5; i++ {
		require.True(t, w.Admit())
	}
	require.False(t, w.Admit())
}
