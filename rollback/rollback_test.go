package rollback_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/model"
	"github.com/numtide/certpilot/rollback"
)

const domain = "app.example.test"

type fakes struct {
	active      *model.Configuration
	deactivated bool
	deployed    []string
	reloads     int
	running     bool
	verifyErr   error
	reloadErr   error
	missingCert bool
}

func (f *fakes) Activate(cfg *model.Configuration) error {
	f.active = cfg
	return nil
}

func (f *fakes) Deactivate(string) error {
	f.active = nil
	f.deactivated = true
	return nil
}

func (f *fakes) Load(domain, ref string) (*model.Certificate, error) {
	if f.missingCert {
		return nil, errors.New("certificate not found")
	}
	return &model.Certificate{Domain: domain, Ref: ref, Status: model.CertValid}, nil
}

func (f *fakes) Post(_ context.Context, cert *model.Certificate) (bool, error) {
	f.deployed = append(f.deployed, cert.Ref)
	return true, nil
}

func (f *fakes) Reload(context.Context) error {
	f.reloads++
	return f.reloadErr
}

func (f *fakes) IsHealthy(context.Context) bool {
	return f.running
}

func (f *fakes) Verify(context.Context, string, string) error {
	return f.verifyErr
}

func newManager(f *fakes) *rollback.Manager {
	return rollback.New(appcontext.AppContext{Logger: zap.NewNop().Sugar()}, f, f, f, f, f)
}

func previous() *model.Configuration {
	return &model.Configuration{Version: 2, Domain: domain, CertRef: "r-old", Verified: true}
}

func TestRestorePrevious(t *testing.T) {
	f := &fakes{running: true, active: &model.Configuration{Version: 3, Domain: domain, CertRef: "r-new"}}

	require.NoError(t, newManager(f).Restore(context.Background(), domain, previous()))
	assert.Equal(t, 2, f.active.Version)
	assert.Equal(t, []string{"r-old"}, f.deployed)
}

func TestRestoreFailsWhenPreviousStaysUnhealthy(t *testing.T) {
	f := &fakes{running: true, verifyErr: model.NewFailure(model.ActivationUnhealthy, nil)}

	err := newManager(f).Restore(context.Background(), domain, previous())
	assert.True(t, errors.Is(err, model.ErrRollbackFailed))
}

func TestRestoreRefusesUnverified(t *testing.T) {
	f := &fakes{running: true}
	prev := previous()
	prev.Verified = false

	err := newManager(f).Restore(context.Background(), domain, prev)
	assert.Equal(t, model.RollbackFailed, model.ReasonOf(err))
	assert.Nil(t, f.active, "unverified configuration is never reactivated")
}

func TestRestoreMissingCertificate(t *testing.T) {
	f := &fakes{running: true, missingCert: true}

	err := newManager(f).Restore(context.Background(), domain, previous())
	assert.Equal(t, model.RollbackFailed, model.ReasonOf(err))
	assert.Nil(t, f.active)
}

func TestRestoreWithoutPreviousWithdraws(t *testing.T) {
	f := &fakes{running: true, active: &model.Configuration{Version: 1, Domain: domain}}

	err := newManager(f).Restore(context.Background(), domain, nil)
	assert.True(t, errors.Is(err, rollback.ErrNoPrevious))
	assert.True(t, f.deactivated)
	assert.Equal(t, 1, f.reloads)
}

func TestRestoreWithoutPreviousReloadFails(t *testing.T) {
	f := &fakes{running: true, reloadErr: errors.New("reload refused")}

	err := newManager(f).Restore(context.Background(), domain, nil)
	assert.True(t, errors.Is(err, model.ErrRollbackFailed))
}
