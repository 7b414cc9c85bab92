package health

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/model"
)

const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// Verifier polls the health endpoint of a domain through the local proxy listeners, so the
// request exercises the configuration that was just activated rather than public DNS.
type Verifier struct {
	path      string
	status    int
	attempts  uint64
	interval  time.Duration
	timeout   time.Duration
	httpAddr  string
	httpsAddr string
	tls       *tls.Config
	logger    *zap.SugaredLogger
}

func New(appCtx appcontext.AppContext) (*Verifier, error) {
	s := appCtx.Settings

	tlsConfig := &tls.Config{InsecureSkipVerify: s.HealthInsecure}
	if s.HealthRootCA != "" {
		pem, err := os.ReadFile(s.HealthRootCA)
		if err != nil {
			return nil, errors.Wrap(err, "while reading health check root CA")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificate found in %s", s.HealthRootCA)
		}
		tlsConfig.RootCAs = pool
	}

	attempts := s.HealthAttempts
	if attempts == 0 {
		attempts = 1
	}

	return &Verifier{
		path:      s.HealthPath,
		status:    s.HealthStatus,
		attempts:  attempts,
		interval:  s.HealthInterval,
		timeout:   s.HealthTimeout,
		httpAddr:  s.ProxyHTTPAddr,
		httpsAddr: s.ProxyHTTPSAddr,
		tls:       tlsConfig,
		logger:    appCtx.Logger.With("process", "health"),
	}, nil
}

// Verify returns nil once the endpoint answers with the expected status, or an
// ActivationUnhealthy failure when attempts or the total timeout run out.
func (v *Verifier) Verify(ctx context.Context, domain, scheme string) error {
	logger := v.logger.With("domain", domain, "scheme", scheme)

	client, err := v.client(domain, scheme)
	if err != nil {
		return err
	}
	url := scheme + "://" + domain + v.path

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	attempt := 0
	var last error
	op := func() error {
		attempt++
		last = v.check(ctx, client, url)
		return last
	}
	notify := func(err error, wait time.Duration) {
		logger.With("error", err, "attempt", attempt, "wait", wait).Debug("health check failed")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(v.interval), v.attempts-1), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		if last == nil {
			last = err
		}
		logger.With("error", last, "attempts", attempt).Warn("endpoint unhealthy")
		return model.NewFailure(model.ActivationUnhealthy, errors.Wrapf(last, "%s unhealthy after %d attempt(s)", url, attempt))
	}

	logger.With("attempts", attempt).Info("endpoint healthy")
	return nil
}

func (v *Verifier) check(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(errors.Wrap(err, "while creating health request"))
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode != v.status {
		return errors.Errorf("got status %d, want %d", resp.StatusCode, v.status)
	}
	return nil
}

func (v *Verifier) client(domain, scheme string) (*http.Client, error) {
	var addr string
	switch scheme {
	case SchemeHTTP:
		addr = v.httpAddr
	case SchemeHTTPS:
		addr = v.httpsAddr
	default:
		return nil, errors.Errorf("unsupported health check scheme %q", scheme)
	}

	tlsConfig := v.tls.Clone()
	tlsConfig.ServerName = domain
	dialer := &net.Dialer{Timeout: 5 * time.Second}

	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, addr)
			},
			TLSClientConfig:   tlsConfig,
			DisableKeepAlives: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}
