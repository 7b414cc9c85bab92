package model_test

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numtide/certpilot/model"
)

func TestCertificateStatusAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	window := 30 * 24 * time.Hour

	tests := []struct {
		name    string
		expires time.Time
		want    model.CertStatus
	}{
		{"pending", time.Time{}, model.CertPending},
		{"expired", now.Add(-time.Minute), model.CertExpired},
		{"expires now", now, model.CertExpired},
		{"expiring", now.Add(10 * 24 * time.Hour), model.CertExpiring},
		{"window edge", now.Add(window), model.CertExpiring},
		{"valid", now.Add(60 * 24 * time.Hour), model.CertValid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &model.Certificate{ExpiresAt: tt.expires}
			assert.Equal(t, tt.want, c.StatusAt(now, window))
		})
	}
}

func TestFailureMatching(t *testing.T) {
	err := errors.Wrap(model.NewFailure(model.LockHeld, errors.New("held by run-1")), "while locking")

	assert.True(t, errors.Is(err, model.ErrLockHeld))
	assert.False(t, errors.Is(err, model.ErrInvalidConfig))
	assert.Equal(t, model.LockHeld, model.ReasonOf(err))
	assert.Equal(t, model.Internal, model.ReasonOf(errors.New("disk full")))
	assert.Equal(t, model.NoReason, model.ReasonOf(nil))
}

func TestExitCodesAreDistinct(t *testing.T) {
	reasons := []model.Reason{
		model.DomainNotReady, model.ChallengeRoutingMissing, model.AcquisitionFailed,
		model.InvalidConfig, model.ActivationUnhealthy, model.RollbackFailed,
		model.LockHeld, model.Canceled, model.Internal,
	}
	seen := map[int]model.Reason{}
	for _, r := range reasons {
		code := r.ExitCode()
		require.NotZero(t, code, r)
		prev, dup := seen[code]
		require.False(t, dup, "%s and %s share exit code %d", r, prev, code)
		seen[code] = r
	}

	assert.Equal(t, 0, model.Result{State: model.StateCommitted}.ExitCode())
	assert.Equal(t, 12, model.Result{State: model.StateFailed, Reason: model.AcquisitionFailed}.ExitCode())
}

func TestParseStrategy(t *testing.T) {
	s, err := model.ParseStrategy("webroot")
	require.NoError(t, err)
	assert.Equal(t, model.StrategyWebroot, s)

	_, err = model.ParseStrategy("dns")
	assert.Error(t, err)
}

func TestStatusLine(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := model.Result{
		Domain:        "app.example.test",
		State:         model.StateCommitted,
		At:            at,
		Configuration: &model.Configuration{Version: 3},
	}
	assert.Equal(t, "app.example.test: Committed config=v3 at 2026-03-01T12:00:00Z", r.StatusLine())

	r = model.Result{Domain: "app.example.test", State: model.StateFailed, Reason: model.ActivationUnhealthy, RolledBack: true, At: at}
	assert.Equal(t, "app.example.test: Failed(ActivationUnhealthy) rolled-back at 2026-03-01T12:00:00Z", r.StatusLine())
}
