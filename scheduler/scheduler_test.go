package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/config"
	"github.com/numtide/certpilot/event"
	"github.com/numtide/certpilot/model"
	"github.com/numtide/certpilot/orchestrator"
	"github.com/numtide/certpilot/scheduler"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeRunner struct {
	mu       sync.Mutex
	statuses []orchestrator.DomainStatus
	held     map[string]bool
	runs     []orchestrator.Request
}

func (f *fakeRunner) Status() ([]orchestrator.DomainStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses, nil
}

func (f *fakeRunner) Run(_ context.Context, req orchestrator.Request) model.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, req)
	if f.held[req.Domain] {
		return model.Result{Domain: req.Domain, State: model.StateFailed, Reason: model.LockHeld}
	}
	return model.Result{Domain: req.Domain, State: model.StateCommitted}
}

func (f *fakeRunner) domains() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.runs {
		out = append(out, r.Domain)
	}
	return out
}

func certExpiringIn(d time.Duration, window time.Duration) *model.Certificate {
	c := &model.Certificate{IssuedAt: now.Add(-60 * 24 * time.Hour), ExpiresAt: now.Add(d)}
	c.Status = c.StatusAt(now, window)
	return c
}

func newScheduler(t *testing.T, runner scheduler.Runner, spec string, opts ...scheduler.Option) *scheduler.Scheduler {
	t.Helper()
	settings := config.Defaults(t.TempDir())
	if spec != "" {
		settings.Schedule = spec
	}
	s, err := scheduler.New(appcontext.AppContext{
		Settings: settings,
		Logger:   zap.NewNop().Sugar(),
		Clock:    clockwork.NewFakeClockAt(now),
	}, runner, opts...)
	require.NoError(t, err)
	return s
}

func TestTickRenewsOnlyDueDomains(t *testing.T) {
	window := config.DefaultRenewalWindow
	runner := &fakeRunner{statuses: []orchestrator.DomainStatus{
		{Domain: model.Domain{Name: "fresh.example.test"}, Certificate: certExpiringIn(80*24*time.Hour, window)},
		{Domain: model.Domain{Name: "expiring.example.test"}, Certificate: certExpiringIn(10*24*time.Hour, window)},
		{Domain: model.Domain{Name: "expired.example.test"}, Certificate: certExpiringIn(-time.Hour, window)},
		{Domain: model.Domain{Name: "new.example.test"}},
	}}
	s := newScheduler(t, runner, "")

	results, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, []string{"expiring.example.test", "expired.example.test", "new.example.test"}, runner.domains())
	for _, req := range runner.runs {
		assert.Equal(t, orchestrator.ModeRenew, req.Mode)
		assert.Equal(t, model.StrategyAuto, req.Strategy)
	}
}

func TestTickSkipsLockedDomainsUntilNextTick(t *testing.T) {
	window := config.DefaultRenewalWindow
	runner := &fakeRunner{
		statuses: []orchestrator.DomainStatus{
			{Domain: model.Domain{Name: "a.example.test"}, Certificate: certExpiringIn(5*24*time.Hour, window)},
			{Domain: model.Domain{Name: "b.example.test"}, Certificate: certExpiringIn(5*24*time.Hour, window)},
		},
		held: map[string]bool{"a.example.test": true},
	}
	s := newScheduler(t, runner, "")

	results, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, model.LockHeld, results[0].Reason)
	assert.Equal(t, model.StateCommitted, results[1].State, "a held lock does not stop the tick")

	runner.held = nil
	results, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StateCommitted, results[0].State)
}

func TestTickReportsRemovedDomains(t *testing.T) {
	window := config.DefaultRenewalWindow
	valid := certExpiringIn(80*24*time.Hour, window)
	runner := &fakeRunner{statuses: []orchestrator.DomainStatus{
		{Domain: model.Domain{Name: "a.example.test"}, Certificate: valid},
		{Domain: model.Domain{Name: "b.example.test"}, Certificate: valid},
	}}
	events := make(chan event.Event, 4)
	s := newScheduler(t, runner, "", scheduler.WithEvents(events))

	_, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)

	runner.statuses = runner.statuses[1:]
	_, err = s.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := <-events
	assert.Equal(t, event.Removed, ev.Type)
	assert.Equal(t, "a.example.test", ev.Domain())

	_, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events, "a removal is reported once")
}

func TestTickStopsOnCancel(t *testing.T) {
	runner := &fakeRunner{statuses: []orchestrator.DomainStatus{{Domain: model.Domain{Name: "a.example.test"}}}}
	s := newScheduler(t, runner, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Tick(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, runner.domains())
}

func TestNewRejectsBadSchedule(t *testing.T) {
	settings := config.Defaults(t.TempDir())
	settings.Schedule = "twice a day"
	_, err := scheduler.New(appcontext.AppContext{Settings: settings, Logger: zap.NewNop().Sugar()}, &fakeRunner{})
	assert.Error(t, err)
}

func TestStartRunsTicks(t *testing.T) {
	runner := &fakeRunner{statuses: []orchestrator.DomainStatus{{Domain: model.Domain{Name: "a.example.test"}}}}
	s := newScheduler(t, runner, "@every 1s")

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return len(runner.domains()) > 0 }, 5*time.Second, 50*time.Millisecond)
	s.Stop()
}
