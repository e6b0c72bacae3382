package loadpicker

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPickReturnsLeastLoadedCandidate(t *testing.T) {
	p := New(4, 1000)
	p.Publish("peer-1", 2.0)
	p.Publish("peer-2", 0.5)
	p.Publish("peer-3", 1.0)

	addr, ok := p.Pick([]string{"peer-1", "peer-2", "peer-3"})
	require.True(t, ok)
	require.Equal(t, "peer-2", addr)
}

func TestPickTreatsNaNAsPositiveInfinity(t *testing.T) {
	p := New(4, 1000)
	p.Publish("peer-1", math.NaN())
	p.Publish("peer-2", 3.0)

	addr, ok := p.Pick([]string{"peer-1", "peer-2"})
	require.True(t, ok)
	require.Equal(t, "peer-2", addr)
}

func TestPickOnEmptyCandidatesReturnsNotFound(t *testing.T) {
	p := New(4, 1000)
	_, ok := p.Pick(nil)
	require.False(t, ok)
}

func TestPickWithNoPublishedLoadsStillPicksACandidate(t *testing.T) {
	p := New(4, 1000)
	addr, ok := p.Pick([]string{"peer-1", "peer-2"})
	require.True(t, ok)
	require.Contains(t, []string{"peer-1", "peer-2"}, addr)
}

func TestLocalOverloadedTriggersOnCPUOrInFlightBudget(t *testing.T) {
	p := New(2, 10)
	require.False(t, p.LocalOverloaded())

	p.PublishLocal(3.0, 1)
	require.True(t, p.LocalOverloaded())

	p.PublishLocal(0.1, 11)
	require.True(t, p.LocalOverloaded())

	p.PublishLocal(0.1, 1)
	require.False(t, p.LocalOverloaded())
}
