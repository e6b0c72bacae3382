package shutdown

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestStartRejectedAfterSignal(t *testing.T) {
	c := New()
	g, ok := c.RequestStart()
	require.True(t, ok)
	g.Done()

	c.Signal(context.Background())

	_, ok = c.RequestStart()
	require.False(t, ok)
}

func TestAwaitDrainWaitsForInFlight(t *testing.T) {
	c := New()
	g, ok := c.RequestStart()
	require.True(t, ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		g.Done()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.AwaitDrain(ctx))
}

func TestAwaitDrainTimesOut(t *testing.T) {
	c := New()
	_, ok := c.RequestStart()
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, c.AwaitDrain(ctx))
}
