package prober_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/config"
	"github.com/numtide/certpilot/model"
	"github.com/numtide/certpilot/prober"
)

const domain = "app.example.test"

var zone = map[string][]string{
	"app.example.test.":     {"app.example.test. 60 IN A 203.0.113.10"},
	"moved.example.test.":   {"moved.example.test. 60 IN A 198.51.100.7"},
	"dual.example.test.":    {"dual.example.test. 60 IN A 203.0.113.10", "dual.example.test. 60 IN AAAA 2001:db8::10"},
	"pending.example.test.": nil,
}

func startDNS(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	server := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			q := r.Question[0]
			records, known := zone[q.Name]
			if !known {
				m.SetRcode(r, dns.RcodeNameError)
			}
			for _, s := range records {
				rr, err := dns.NewRR(s)
				if err == nil && rr.Header().Rrtype == q.Qtype {
					m.Answer = append(m.Answer, rr)
				}
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = server.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = server.Shutdown() })
	return pc.LocalAddr().String()
}

func newProber(t *testing.T, mutate func(*config.Settings)) (*prober.Prober, config.Settings) {
	t.Helper()
	settings := config.Defaults(t.TempDir())
	settings.Resolver = startDNS(t)
	if mutate != nil {
		mutate(&settings)
	}
	p, err := prober.New(appcontext.AppContext{
		Settings: settings,
		Logger:   zap.NewNop().Sugar(),
		Clock:    clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	return p, settings
}

func TestResolve(t *testing.T) {
	p, _ := newProber(t, nil)

	addrs, err := p.Resolve(context.Background(), "dual.example.test")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"203.0.113.10", "2001:db8::10"}, addrs)

	_, err = p.Resolve(context.Background(), "pending.example.test")
	assert.True(t, errors.Is(err, model.ErrDomainNotReady))

	_, err = p.Resolve(context.Background(), "unknown.example.test")
	assert.Equal(t, model.DomainNotReady, model.ReasonOf(err))
}

func TestProbeChecksExpectedAddresses(t *testing.T) {
	p, _ := newProber(t, func(s *config.Settings) {
		s.ExpectedIPs = []string{"203.0.113.10"}
	})

	require.NoError(t, p.Probe(context.Background(), domain, model.StrategyStandalone))

	err := p.Probe(context.Background(), "moved.example.test", model.StrategyStandalone)
	assert.True(t, errors.Is(err, model.ErrDomainNotReady))

	err = p.Probe(context.Background(), "dual.example.test", model.StrategyStandalone)
	assert.True(t, errors.Is(err, model.ErrDomainNotReady), "an unexpected AAAA record would misroute the challenge")
}

func TestProbeWebrootRouted(t *testing.T) {
	webroot := t.TempDir()
	files := http.FileServer(http.Dir(webroot))
	var hosts []string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hosts = append(hosts, r.Host)
		files.ServeHTTP(w, r)
	}))
	defer proxy.Close()

	p, _ := newProber(t, func(s *config.Settings) {
		s.Webroot = webroot
		s.ProxyHTTPAddr = proxy.Listener.Addr().String()
	})

	require.NoError(t, p.Probe(context.Background(), domain, model.StrategyWebroot))
	assert.Equal(t, []string{domain}, hosts)

	entries, err := os.ReadDir(filepath.Join(webroot, ".well-known", "acme-challenge"))
	require.NoError(t, err)
	assert.Empty(t, entries, "probe token is removed")
}

func TestProbeWebrootNotRouted(t *testing.T) {
	proxy := httptest.NewServer(http.NotFoundHandler())
	defer proxy.Close()

	p, _ := newProber(t, func(s *config.Settings) {
		s.ProxyHTTPAddr = proxy.Listener.Addr().String()
	})

	err := p.Probe(context.Background(), domain, model.StrategyWebroot)
	assert.True(t, errors.Is(err, model.ErrChallengeRoutingMissing))
	assert.False(t, model.ChallengeRoutingMissing.Retryable())
}

func TestProbeWebrootWrongContent(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("default site"))
	}))
	defer proxy.Close()

	p, _ := newProber(t, func(s *config.Settings) {
		s.ProxyHTTPAddr = proxy.Listener.Addr().String()
	})

	err := p.Probe(context.Background(), domain, model.StrategyWebroot)
	assert.Equal(t, model.ChallengeRoutingMissing, model.ReasonOf(err))
}

func TestProbeWebrootProxyDown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	p, _ := newProber(t, func(s *config.Settings) {
		s.ProxyHTTPAddr = addr
	})

	err = p.Probe(context.Background(), domain, model.StrategyWebroot)
	assert.Equal(t, model.DomainNotReady, model.ReasonOf(err))
}
