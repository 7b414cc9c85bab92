package lock_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/config"
	"github.com/numtide/certpilot/lock"
	"github.com/numtide/certpilot/model"
)

func newLocker(t *testing.T) (*lock.Locker, appcontext.AppContext) {
	t.Helper()
	settings := config.Defaults(t.TempDir())
	settings.ProxyLockWait = 200 * time.Millisecond
	appCtx := appcontext.AppContext{
		Settings: settings,
		Logger:   zap.NewNop().Sugar(),
		Clock:    clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)),
	}
	l, err := lock.New(appCtx)
	require.NoError(t, err)
	return l, appCtx
}

func TestAcquireIsExclusivePerDomain(t *testing.T) {
	l, _ := newLocker(t)
	ctx := context.Background()

	first, err := l.Acquire(ctx, "app.example.test", "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", first.Meta.HolderID)

	_, err = l.Acquire(ctx, "app.example.test", "run-2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrLockHeld))
	assert.Contains(t, err.Error(), "run-1")

	other, err := l.Acquire(ctx, "api.example.test", "run-3")
	require.NoError(t, err, "distinct domains use distinct locks")
	require.NoError(t, other.Release())

	require.NoError(t, first.Release())
	require.NoError(t, first.Release(), "release is idempotent")

	again, err := l.Acquire(ctx, "app.example.test", "run-2")
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestHolderMetadata(t *testing.T) {
	l, appCtx := newLocker(t)

	held, err := l.Acquire(context.Background(), "app.example.test", "run-1")
	require.NoError(t, err)

	holder, err := l.Holder("app.example.test")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "run-1", holder.HolderID)
	assert.Equal(t, appCtx.Clock.Now(), holder.AcquiredAt.In(time.UTC))
	assert.Equal(t, holder.AcquiredAt.Add(appCtx.Settings.LockTTL), held.Deadline())

	require.NoError(t, held.Release())

	holder, err = l.Holder("app.example.test")
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestStaleMetadataIsRecovered(t *testing.T) {
	l, appCtx := newLocker(t)

	// a crashed holder leaves metadata but no kernel lock
	stale := `{"domain":"app.example.test","holder_id":"crashed","acquired_at":"2026-04-01T00:00:00Z"}`
	require.NoError(t, os.WriteFile(filepath.Join(appCtx.Settings.LockDir, "app.example.test.lock"), []byte(stale), 0o644))

	held, err := l.Acquire(context.Background(), "app.example.test", "run-2")
	require.NoError(t, err)
	defer held.Release()

	holder, err := l.Holder("app.example.test")
	require.NoError(t, err)
	assert.Equal(t, "run-2", holder.HolderID)
}

func TestAcquireProxyWaitsThenFails(t *testing.T) {
	l, _ := newLocker(t)
	ctx := context.Background()

	p, err := l.AcquireProxy(ctx, "run-1")
	require.NoError(t, err)

	start := time.Now()
	_, err = l.AcquireProxy(ctx, "run-2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrLockHeld))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	released := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = p.Release()
		close(released)
	}()

	p2, err := l.AcquireProxy(ctx, "run-2")
	require.NoError(t, err)
	<-released
	require.NoError(t, p2.Release())
}

func TestAcquireHonoursCanceledContext(t *testing.T) {
	l, _ := newLocker(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Acquire(ctx, "app.example.test", "run-1")
	assert.ErrorIs(t, err, context.Canceled)
}
