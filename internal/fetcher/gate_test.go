package fetcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateDisabled(t *testing.T) {
	g := NewGate(0)
	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, g.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestGateRaiseInterval(t *testing.T) {
	g := NewGate(time.Millisecond)
	g.SetInterval(40 * time.Millisecond)
	assert.Equal(t, 40*time.Millisecond, g.Interval())

	require.NoError(t, g.Wait(context.Background()))
	start := time.Now()
	require.NoError(t, g.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestGateCancelled(t *testing.T) {
	g := NewGate(time.Hour)
	require.NoError(t, g.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, g.Wait(ctx))
}

func TestNilGate(t *testing.T) {
	var g *Gate
	assert.NoError(t, g.Wait(context.Background()))
	assert.Zero(t, g.Interval())
}
