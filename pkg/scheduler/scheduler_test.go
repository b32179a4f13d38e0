package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/cloudscan/pkg/config"
	"github.com/user/cloudscan/pkg/metrics"
)

func TestNew_InvalidSpec(t *testing.T) {
	_, err := New("every tuesday", "", nil, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	assert.True(t, config.IsConfigError(err))

	_, err = New("@daily", "", nil, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	assert.NoError(t, err)
	_, err = New("30 2 * * 1-5", "", nil, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	assert.NoError(t, err)
}

func TestRun_OnceWithoutSpec(t *testing.T) {
	var runs atomic.Int32
	wantErr := errors.New("scan failed")
	s, err := New("", filepath.Join(t.TempDir(), "run.lock"), func(context.Context) error {
		runs.Add(1)
		return wantErr
	}, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	require.NoError(t, err)

	assert.ErrorIs(t, s.Run(context.Background()), wantErr)
	assert.Equal(t, int32(1), runs.Load())
}

func TestTrigger_SkipsWhileRunning(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32

	s, err := New("", filepath.Join(t.TempDir(), "run.lock"), func(context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}, m, zerolog.Nop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.trigger(context.Background()) }()
	<-started

	assert.NoError(t, s.trigger(context.Background()))
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SkippedRuns))
}

func TestTrigger_SkipsWhenAnotherProcessHoldsLock(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	lockPath := filepath.Join(t.TempDir(), "run.lock")
	other := flock.New(lockPath)
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer other.Unlock()

	var runs atomic.Int32
	s, err := New("", lockPath, func(context.Context) error {
		runs.Add(1)
		return nil
	}, m, zerolog.Nop())
	require.NoError(t, err)

	assert.NoError(t, s.trigger(context.Background()))
	assert.Equal(t, int32(0), runs.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SkippedRuns))
}

func TestRun_CronFiresUntilCanceled(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a cron tick")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var runs atomic.Int32
	s, err := New("@every 1s", filepath.Join(t.TempDir(), "run.lock"), func(context.Context) error {
		if runs.Add(1) == 2 {
			cancel()
		}
		return errors.New("transient")
	}, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Run(ctx))
	assert.GreaterOrEqual(t, runs.Load(), int32(2))
}

func TestRun_ConfigErrorStopsSchedule(t *testing.T) {
	var runs atomic.Int32
	s, err := New("@hourly", "", func(context.Context) error {
		runs.Add(1)
		return config.Errorf("profile is invalid")
	}, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	require.NoError(t, err)

	err = s.Run(context.Background())
	assert.True(t, config.IsConfigError(err))
	assert.Equal(t, int32(1), runs.Load())
}
