package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Disabled(t *testing.T) {
	p := Init(false)
	assert.False(t, p.Enabled())

	m, err := NewMetrics(p.Meter)
	require.NoError(t, err)
	m.Transition(context.Background(), "incoming", "claimed")

	snap, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestMetrics_EnabledCounts(t *testing.T) {
	ctx := context.Background()
	p := Init(true)
	defer p.Shutdown(ctx)
	require.True(t, p.Enabled())

	m, err := NewMetrics(p.Meter)
	require.NoError(t, err)

	m.Transition(ctx, "incoming", "claimed")
	m.Transition(ctx, "claimed", "provisional")
	m.Fix(ctx, "file_mismatch")
	m.Issue(ctx, "file_mismatch")
	m.Issue(ctx, "zombie_claim")
	m.Claim(ctx, "won")
	m.MirrorEvent(ctx, "create")
	m.PassDuration(ctx, 150*time.Millisecond)

	snap, err := p.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap["taskkeeper.transitions"])
	assert.Equal(t, int64(1), snap["taskkeeper.reconcile.fixes"])
	assert.Equal(t, int64(2), snap["taskkeeper.reconcile.issues"])
	assert.Equal(t, int64(1), snap["taskkeeper.claims"])
	assert.Equal(t, int64(1), snap["taskkeeper.mirror.events"])
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.Transition(ctx, "a", "b")
		m.Fix(ctx, "k")
		m.Issue(ctx, "k")
		m.PassDuration(ctx, time.Second)
		m.Claim(ctx, "lost")
		m.MirrorEvent(ctx, "write")
	})
}
