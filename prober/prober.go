package prober

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/model"
)

const (
	resolvConf     = "/etc/resolv.conf"
	challengePath  = ".well-known/acme-challenge"
	requestTimeout = 10 * time.Second
)

// Prober checks that a domain can pass an HTTP-01 challenge before the CA is asked to verify
// it: the name must resolve to this host and, for webroot, the proxy must serve the challenge
// directory.
type Prober struct {
	resolver  string
	expected  map[string]bool
	webroot   string
	proxyAddr string
	dns       *dns.Client
	http      *http.Client
	logger    *zap.SugaredLogger
}

func New(appCtx appcontext.AppContext) (*Prober, error) {
	s := appCtx.Settings

	resolver := s.Resolver
	if resolver == "" {
		cc, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, errors.Wrap(err, "while reading resolver configuration")
		}
		if len(cc.Servers) == 0 {
			return nil, errors.Errorf("no nameserver in %s", resolvConf)
		}
		resolver = net.JoinHostPort(cc.Servers[0], cc.Port)
	} else if _, _, err := net.SplitHostPort(resolver); err != nil {
		resolver = net.JoinHostPort(resolver, "53")
	}

	expected := map[string]bool{}
	for _, ip := range s.ExpectedIPs {
		parsed := net.ParseIP(ip)
		if parsed == nil {
			return nil, errors.Errorf("invalid expected address %q", ip)
		}
		expected[parsed.String()] = true
	}

	proxyAddr := s.ProxyHTTPAddr
	dialer := &net.Dialer{Timeout: requestTimeout}

	return &Prober{
		resolver:  resolver,
		expected:  expected,
		webroot:   s.Webroot,
		proxyAddr: proxyAddr,
		dns:       &dns.Client{Timeout: 5 * time.Second},
		http: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, network, proxyAddr)
				},
				DisableKeepAlives: true,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: appCtx.Logger.With("process", "prober"),
	}, nil
}

// Probe returns nil when domain is ready for the given strategy, a DomainNotReady failure
// when it may become ready by itself, and ChallengeRoutingMissing when the proxy needs fixing.
func (p *Prober) Probe(ctx context.Context, domain string, strategy model.Strategy) error {
	logger := p.logger.With("domain", domain, "strategy", strategy)

	addrs, err := p.Resolve(ctx, domain)
	if err != nil {
		return err
	}
	logger.With("addresses", addrs).Debug("domain resolves")

	if strategy != model.StrategyWebroot {
		return nil
	}

	if err := p.probeChallengeRoute(ctx, domain); err != nil {
		return err
	}
	logger.Debug("challenge path routed to webroot")
	return nil
}

// Resolve looks up the A and AAAA records of domain and checks them against the expected
// addresses, when configured.
func (p *Prober) Resolve(ctx context.Context, domain string) ([]string, error) {
	var addrs []string
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(domain), qtype)
		msg.RecursionDesired = true

		in, _, err := p.dns.ExchangeContext(ctx, msg, p.resolver)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, model.NewFailure(model.DomainNotReady, errors.Wrapf(err, "while resolving %s", domain))
		}
		switch in.Rcode {
		case dns.RcodeSuccess, dns.RcodeNameError:
		default:
			return nil, model.NewFailure(model.DomainNotReady, errors.Errorf("resolver answered %s for %s", dns.RcodeToString[in.Rcode], domain))
		}

		for _, rr := range in.Answer {
			switch r := rr.(type) {
			case *dns.A:
				addrs = append(addrs, r.A.String())
			case *dns.AAAA:
				addrs = append(addrs, r.AAAA.String())
			}
		}
	}

	if len(addrs) == 0 {
		return nil, model.NewFailure(model.DomainNotReady, errors.Errorf("%s does not resolve", domain))
	}

	if len(p.expected) > 0 {
		for _, a := range addrs {
			if !p.expected[a] {
				return nil, model.NewFailure(model.DomainNotReady, errors.Errorf("%s resolves to %s, which is not an expected address", domain, a))
			}
		}
	}

	return addrs, nil
}

// probeChallengeRoute drops a token into the webroot and fetches it back through the proxy,
// the same way the CA will. The token is removed afterwards.
func (p *Prober) probeChallengeRoute(ctx context.Context, domain string) error {
	dir := filepath.Join(p.webroot, filepath.FromSlash(challengePath))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "while creating challenge directory")
	}

	token := "certpilot-probe-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	tokenPath := filepath.Join(dir, token)
	if err := os.WriteFile(tokenPath, []byte(token), 0o644); err != nil {
		return errors.Wrap(err, "while writing probe token")
	}
	defer func() {
		if err := os.Remove(tokenPath); err != nil && !os.IsNotExist(err) {
			p.logger.With("error", err, "path", tokenPath).Warn("while removing probe token")
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+domain+"/"+challengePath+"/"+token, nil)
	if err != nil {
		return errors.Wrap(err, "while creating probe request")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return model.NewFailure(model.DomainNotReady, errors.Wrapf(err, "while fetching challenge token through %s", p.proxyAddr))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return model.NewFailure(model.DomainNotReady, errors.Wrap(err, "while reading challenge token response"))
	}

	if resp.StatusCode != http.StatusOK {
		return model.NewFailure(model.ChallengeRoutingMissing, errors.Errorf("proxy answered %d for /%s/ on %s", resp.StatusCode, challengePath, domain))
	}
	if strings.TrimSpace(string(body)) != token {
		return model.NewFailure(model.ChallengeRoutingMissing, errors.Errorf("proxy does not serve /%s/ on %s from %s", challengePath, domain, p.webroot))
	}
	return nil
}
