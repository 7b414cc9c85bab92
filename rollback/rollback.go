package rollback

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/model"
)

type ConfigStore interface {
	Activate(cfg *model.Configuration) error
	Deactivate(domain string) error
}

type CertLoader interface {
	Load(domain, ref string) (*model.Certificate, error)
}

type Deployer interface {
	Post(ctx context.Context, cert *model.Certificate) (bool, error)
}

type Proxy interface {
	Reload(ctx context.Context) error
	IsHealthy(ctx context.Context) bool
}

type Verifier interface {
	Verify(ctx context.Context, domain, scheme string) error
}

// Manager puts a domain back on its last verified configuration after a failed activation.
type Manager struct {
	store    ConfigStore
	certs    CertLoader
	deployer Deployer
	proxy    Proxy
	verifier Verifier
	logger   *zap.SugaredLogger
}

func New(appCtx appcontext.AppContext, store ConfigStore, certs CertLoader, deployer Deployer, proxy Proxy, verifier Verifier) *Manager {
	return &Manager{
		store:    store,
		certs:    certs,
		deployer: deployer,
		proxy:    proxy,
		verifier: verifier,
		logger:   appCtx.Logger.With("process", "rollback"),
	}
}

// Restore reactivates previous together with the certificate set it references, reloads and
// re-verifies over HTTPS. Without a previous configuration the failed one is withdrawn, which
// leaves the domain unserved; ErrNoPrevious reports that case when the withdrawal itself worked.
// Any other error is a RollbackFailed failure.
func (m *Manager) Restore(ctx context.Context, domain string, previous *model.Configuration) error {
	if previous == nil {
		return m.withdraw(ctx, domain)
	}

	logger := m.logger.With("domain", domain, "version", previous.Version, "ref", previous.CertRef)
	logger.Warn("rolling back to last verified configuration")

	if !previous.Verified {
		return model.NewFailure(model.RollbackFailed, errors.Errorf("configuration v%d was never verified", previous.Version))
	}

	cert, err := m.certs.Load(domain, previous.CertRef)
	if err != nil {
		return model.NewFailure(model.RollbackFailed, errors.Wrapf(err, "while loading certificate %s", previous.CertRef))
	}
	if err := m.store.Activate(previous); err != nil {
		return model.NewFailure(model.RollbackFailed, errors.Wrap(err, "while reactivating previous configuration"))
	}
	if _, err := m.deployer.Post(ctx, cert); err != nil {
		return model.NewFailure(model.RollbackFailed, errors.Wrap(err, "while redeploying previous certificate"))
	}
	if err := m.verifier.Verify(ctx, domain, "https"); err != nil {
		return model.NewFailure(model.RollbackFailed, errors.Wrap(err, "previous configuration did not recover"))
	}

	logger.Info("rollback complete")
	return nil
}

// ErrNoPrevious is returned when there was no configuration to go back to.
var ErrNoPrevious = errors.New("no previously verified configuration")

func (m *Manager) withdraw(ctx context.Context, domain string) error {
	logger := m.logger.With("domain", domain)
	logger.Warn("no verified configuration to restore, withdrawing the new one")

	var result *multierror.Error
	if err := m.store.Deactivate(domain); err != nil {
		result = multierror.Append(result, err)
	}
	if m.proxy.IsHealthy(ctx) {
		if err := m.proxy.Reload(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return model.NewFailure(model.RollbackFailed, errors.Wrap(err, "while withdrawing configuration"))
	}
	return ErrNoPrevious
}
