package certmanager

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/model"
)

// ACMEClient obtains a certificate for a single domain using the given challenge strategy.
type ACMEClient interface {
	Obtain(ctx context.Context, domain string, strategy model.Strategy) (*certificate.Resource, error)
}

type CertManager struct {
	appContext appcontext.AppContext
	client     ACMEClient
	storage    *Storage
	retries    uint64
	timeout    time.Duration
	newBackoff func() backoff.BackOff
	logger     *zap.SugaredLogger
}

type Option func(*CertManager)

// WithBackoff replaces the exponential backoff used between transient failures.
func WithBackoff(fn func() backoff.BackOff) Option {
	return func(c *CertManager) {
		c.newBackoff = fn
	}
}

func New(appContext appcontext.AppContext, client ACMEClient, opts ...Option) (*CertManager, error) {
	storage, err := NewStorage(appContext)
	if err != nil {
		return nil, err
	}

	cm := &CertManager{
		appContext: appContext,
		client:     client,
		storage:    storage,
		retries:    appContext.Settings.AcquireRetries,
		timeout:    appContext.Settings.AcquireTimeout,
		logger:     appContext.Logger.With("process", "cert_manager"),
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 5 * time.Second
			b.MaxInterval = 2 * time.Minute
			b.MaxElapsedTime = 0
			return b
		},
	}

	for _, opt := range opts {
		opt(cm)
	}

	return cm, nil
}

var _ appcontext.CertManager = &CertManager{}

// Acquire obtains a new certificate and stores it as a new certificate set. Transient CA errors
// are retried with exponential backoff up to the configured count; anything else fails at once.
func (c *CertManager) Acquire(ctx context.Context, domain string, strategy model.Strategy) (*model.Certificate, error) {
	logger := c.logger.With("domain", domain, "strategy", strategy)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var res *certificate.Resource
	attempt := 0

	op := func() error {
		attempt++
		r, err := c.client.Obtain(ctx, domain, strategy)
		if err != nil {
			if IsTransient(err) && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}

	notify := func(err error, wait time.Duration) {
		logger.With("error", err, "attempt", attempt, "wait", wait).Warn("transient acquisition failure, retrying")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackoff(), c.retries), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		logger.With("error", err, "attempts", attempt).Error("while acquiring certificate")
		return nil, model.NewFailure(model.AcquisitionFailed, errors.Wrapf(err, "while obtaining certificate for %s after %d attempt(s)", domain, attempt))
	}

	if err := verifyResource(res, domain); err != nil {
		return nil, model.NewFailure(model.AcquisitionFailed, err)
	}

	cert, err := c.storage.Write(domain, res)
	if err != nil {
		return nil, err
	}

	logger.With("ref", cert.Ref, "expiresAt", cert.ExpiresAt).Info("certificate acquired")
	return cert, nil
}

func (c *CertManager) Load(domain, ref string) (*model.Certificate, error) {
	return c.storage.Load(domain, ref)
}

func (c *CertManager) Prune(domain string, keep []string, max int) error {
	return c.storage.Prune(domain, keep, max)
}

func verifyResource(res *certificate.Resource, domain string) error {
	if res == nil || len(res.Certificate) == 0 || len(res.PrivateKey) == 0 {
		return errors.New("empty certificate payload received from ACME server")
	}

	pair, err := tls.X509KeyPair(res.Certificate, res.PrivateKey)
	if err != nil {
		return errors.Wrap(err, "while parsing certificate")
	}

	leaf, err := leafFromChain(res.Certificate)
	if err != nil {
		return err
	}
	if len(pair.Certificate) == 0 {
		return errors.New("certificate chain is empty")
	}

	if err := leaf.VerifyHostname(domain); err != nil {
		return errors.Wrap(err, "while checking certificate names")
	}
	return nil
}
