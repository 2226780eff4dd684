package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriftMonitor_RunOnce(t *testing.T) {
	env := newTestEnv(t)

	// testOwner drifts 1000 bps on SOL; otherOwner sits on its targets.
	initialize(t, env, testOwner)
	invest(t, env, testOwner, "SOL", 6_000_000)
	invest(t, env, testOwner, "USDC", 4_000_000)

	initialize(t, env, otherOwner)
	invest(t, env, otherOwner, "SOL", 5_000_000)
	invest(t, env, otherOwner, "USDC", 5_000_000)

	monitor := NewDriftMonitor(env.repo, env.archive, env.clock, usdtOptions(), time.Minute)
	report, err := monitor.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Checked)
	assert.Zero(t, report.Failed)
	require.Len(t, report.Drifted, 1)

	alert := report.Drifted[0]
	assert.Equal(t, testOwner, alert.Owner)
	assert.Equal(t, sol, alert.AssetID)
	assert.Equal(t, uint32(1000), alert.DriftBps)
	assert.Equal(t, uint64(10_000_000), alert.TotalValue)
	assert.Equal(t, env.clock.Now(), alert.DetectedAt)

	assert.Equal(t, report.Drifted, env.archive.alerts)
}

func TestDriftMonitor_RunOncePages(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < monitorPageSize+5; i++ {
		initialize(t, env, fmt.Sprintf("0x%040x", i+1))
	}

	monitor := NewDriftMonitor(env.repo, nil, env.clock, usdtOptions(), 0)
	report, err := monitor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, monitorPageSize+5, report.Checked)
	assert.Empty(t, report.Drifted)
}

func TestDriftMonitor_RunOnceCountsFailures(t *testing.T) {
	env := newTestEnv(t)
	initialize(t, env, testOwner)

	// A record that fails validation is skipped.
	env.repo.portfolios[otherOwner] = clone(env.repo.portfolios[testOwner])
	env.repo.portfolios[otherOwner].Owner = otherOwner
	env.repo.portfolios[otherOwner].TotalValue = 42

	monitor := NewDriftMonitor(env.repo, env.archive, env.clock, usdtOptions(), time.Minute)
	report, err := monitor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Failed)
}

func TestDriftMonitor_StartStop(t *testing.T) {
	env := newTestEnv(t)
	monitor := NewDriftMonitor(env.repo, env.archive, env.clock, usdtOptions(), 10*time.Millisecond)

	assert.False(t, monitor.IsRunning())
	assert.Error(t, monitor.Stop())

	require.NoError(t, monitor.Start(context.Background()))
	assert.True(t, monitor.IsRunning())
	assert.Error(t, monitor.Start(context.Background()))

	time.Sleep(30 * time.Millisecond)

	require.NoError(t, monitor.Stop())
	assert.False(t, monitor.IsRunning())
}

func TestDriftMonitor_StopsWithContext(t *testing.T) {
	env := newTestEnv(t)
	monitor := NewDriftMonitor(env.repo, env.archive, env.clock, usdtOptions(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, monitor.Start(ctx))
	cancel()

	select {
	case <-monitor.done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after context cancellation")
	}
	require.NoError(t, monitor.Stop())
}
