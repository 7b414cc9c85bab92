package main

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/certmanager"
	"github.com/numtide/certpilot/config"
	"github.com/numtide/certpilot/dispatcher"
	"github.com/numtide/certpilot/event"
	"github.com/numtide/certpilot/generator"
	"github.com/numtide/certpilot/health"
	"github.com/numtide/certpilot/lock"
	"github.com/numtide/certpilot/metrics"
	"github.com/numtide/certpilot/model"
	"github.com/numtide/certpilot/orchestrator"
	"github.com/numtide/certpilot/prober"
	"github.com/numtide/certpilot/publisher"
	"github.com/numtide/certpilot/registry"
	"github.com/numtide/certpilot/service"
	"github.com/numtide/certpilot/store"
)

func env(name string) []string {
	return []string{"CERTPILOT_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))}
}

func globalFlags(d config.Settings) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "log-level", Value: "info", EnvVars: env("log-level")},
		&cli.StringFlag{Name: "log-format", Value: "json", Usage: "json or console", EnvVars: env("log-format")},

		&cli.StringFlag{Name: "state-dir", Value: d.StateDir, EnvVars: env("state-dir")},
		&cli.StringFlag{Name: "cert-dir", Usage: "default: <state-dir>/certs", EnvVars: env("cert-dir")},
		&cli.StringFlag{Name: "config-dir", Usage: "default: <state-dir>/configs", EnvVars: env("config-dir")},
		&cli.StringFlag{Name: "proxy-conf-dir", Usage: "directory the proxy includes rendered configurations from", EnvVars: env("proxy-conf-dir")},
		&cli.StringFlag{Name: "live-dir", Usage: "default: <state-dir>/live", EnvVars: env("live-dir")},
		&cli.StringFlag{Name: "lock-dir", Usage: "default: <state-dir>/locks", EnvVars: env("lock-dir")},
		&cli.StringFlag{Name: "webroot", Usage: "directory served by the proxy under /.well-known/acme-challenge/", EnvVars: env("webroot")},
		&cli.StringFlag{Name: "template", Usage: "proxy configuration template (default: built in)", EnvVars: env("template")},

		&cli.StringFlag{Name: "email", Usage: "contact email for the certificate authority", EnvVars: env("email")},
		&cli.StringFlag{Name: "directory-url", Value: d.DirectoryURL, EnvVars: env("directory-url")},
		&cli.StringFlag{Name: "key-type", Value: d.KeyType, EnvVars: env("key-type")},
		&cli.StringFlag{Name: "http01-address", Value: d.HTTP01Address, Usage: "listen address of the standalone challenge server", EnvVars: env("http01-address")},
		&cli.DurationFlag{Name: "renewal-window", Value: d.RenewalWindow, EnvVars: env("renewal-window")},
		&cli.StringFlag{Name: "schedule", Value: d.Schedule, Usage: "cron schedule of the daemon", EnvVars: env("schedule")},
		&cli.DurationFlag{Name: "acquire-timeout", Value: d.AcquireTimeout, EnvVars: env("acquire-timeout")},
		&cli.Uint64Flag{Name: "acquire-retries", Value: d.AcquireRetries, EnvVars: env("acquire-retries")},

		&cli.StringFlag{Name: "resolver", Usage: "DNS resolver (default: first nameserver of /etc/resolv.conf)", EnvVars: env("resolver")},
		&cli.StringSliceFlag{Name: "expected-ip", Usage: "address the domain must resolve to, repeatable", EnvVars: env("expected-ips")},

		&cli.StringFlag{Name: "proxy-http-addr", Value: d.ProxyHTTPAddr, EnvVars: env("proxy-http-addr")},
		&cli.StringFlag{Name: "proxy-https-addr", Value: d.ProxyHTTPSAddr, EnvVars: env("proxy-https-addr")},
		&cli.StringFlag{Name: "health-path", Value: d.HealthPath, EnvVars: env("health-path")},
		&cli.IntFlag{Name: "health-status", Value: d.HealthStatus, EnvVars: env("health-status")},
		&cli.Uint64Flag{Name: "health-attempts", Value: d.HealthAttempts, EnvVars: env("health-attempts")},
		&cli.DurationFlag{Name: "health-interval", Value: d.HealthInterval, EnvVars: env("health-interval")},
		&cli.DurationFlag{Name: "health-timeout", Value: d.HealthTimeout, EnvVars: env("health-timeout")},
		&cli.BoolFlag{Name: "health-insecure", Usage: "skip certificate verification in health checks", EnvVars: env("health-insecure")},
		&cli.StringFlag{Name: "health-root-ca", Usage: "PEM file trusted by health checks", EnvVars: env("health-root-ca")},

		&cli.StringFlag{Name: "upstream", Value: d.Upstream, EnvVars: env("upstream")},
		&cli.StringSliceFlag{Name: "header", Usage: "extra response header as 'Name: value', repeatable", EnvVars: env("headers")},

		&cli.StringFlag{Name: "service-backend", Value: d.ServiceBackend, Usage: "command or systemd", EnvVars: env("service-backend")},
		&cli.StringFlag{Name: "systemd-unit", Value: d.SystemdUnit, EnvVars: env("systemd-unit")},
		&cli.StringFlag{Name: "start-command", Value: strings.Join(d.StartCommand, " "), EnvVars: env("start-command")},
		&cli.StringFlag{Name: "stop-command", Value: strings.Join(d.StopCommand, " "), EnvVars: env("stop-command")},
		&cli.StringFlag{Name: "reload-command", Value: strings.Join(d.ReloadCommand, " "), EnvVars: env("reload-command")},
		&cli.StringFlag{Name: "status-command", Value: strings.Join(d.StatusCommand, " "), EnvVars: env("status-command")},
		&cli.StringFlag{Name: "validate-command", Value: strings.Join(d.ValidateCommand, " "), Usage: "{config} and {snippet} are substituted", EnvVars: env("validate-command")},
		&cli.StringFlag{Name: "deploy-command", Usage: "run after new certificate files are deployed", EnvVars: env("deploy-command")},

		&cli.IntFlag{Name: "history-limit", Value: d.HistoryLimit, EnvVars: env("history-limit")},
		&cli.IntFlag{Name: "keep-certs", Value: d.KeepCerts, EnvVars: env("keep-certs")},
		&cli.DurationFlag{Name: "lock-ttl", Value: d.LockTTL, EnvVars: env("lock-ttl")},
		&cli.DurationFlag{Name: "proxy-lock-wait", Value: d.ProxyLockWait, EnvVars: env("proxy-lock-wait")},

		&cli.StringFlag{Name: "metrics-addr", Usage: "serve /metrics and /healthz in daemon mode", EnvVars: env("metrics-addr")},
		&cli.StringFlag{Name: "metrics-textfile", Usage: "write metrics to this file after one-shot runs", EnvVars: env("metrics-textfile")},

		&cli.BoolFlag{Name: "publish-vault", EnvVars: env("publish-vault")},
		&cli.StringFlag{Name: "vault-mount", Value: d.VaultMount, EnvVars: env("vault-mount")},
		&cli.StringFlag{Name: "vault-username", EnvVars: []string{"VAULT_USERNAME"}},
		&cli.StringFlag{Name: "vault-password", EnvVars: []string{"VAULT_PASSWORD"}},
		&cli.BoolFlag{Name: "publish-kube", EnvVars: env("publish-kube")},
		&cli.StringFlag{Name: "kubeconfig", EnvVars: []string{"KUBECONFIG"}},
		&cli.StringFlag{Name: "kube-namespace", Value: d.KubeNamespace, EnvVars: env("kube-namespace")},
		&cli.StringFlag{Name: "kube-secret-name", Value: d.KubeSecretName, Usage: "{domain} is substituted", EnvVars: env("kube-secret-name")},
	}
}

func settingsFrom(c *cli.Context) (config.Settings, error) {
	s := config.Defaults(c.String("state-dir"))

	dirs := map[string]*string{
		"cert-dir":       &s.CertDir,
		"config-dir":     &s.ConfigDir,
		"proxy-conf-dir": &s.ProxyConfDir,
		"live-dir":       &s.LiveDir,
		"lock-dir":       &s.LockDir,
		"webroot":        &s.Webroot,
	}
	for name, dst := range dirs {
		if v := c.String(name); v != "" {
			*dst = v
		}
	}
	s.TemplatePath = c.String("template")

	s.Email = c.String("email")
	s.DirectoryURL = c.String("directory-url")
	s.KeyType = c.String("key-type")
	s.HTTP01Address = c.String("http01-address")
	s.RenewalWindow = c.Duration("renewal-window")
	s.Schedule = c.String("schedule")
	s.AcquireTimeout = c.Duration("acquire-timeout")
	s.AcquireRetries = c.Uint64("acquire-retries")

	s.Resolver = c.String("resolver")
	s.ExpectedIPs = c.StringSlice("expected-ip")

	s.ProxyHTTPAddr = c.String("proxy-http-addr")
	s.ProxyHTTPSAddr = c.String("proxy-https-addr")
	s.HealthPath = c.String("health-path")
	s.HealthStatus = c.Int("health-status")
	s.HealthAttempts = c.Uint64("health-attempts")
	s.HealthInterval = c.Duration("health-interval")
	s.HealthTimeout = c.Duration("health-timeout")
	s.HealthInsecure = c.Bool("health-insecure")
	s.HealthRootCA = c.String("health-root-ca")

	s.Upstream = c.String("upstream")
	headers := c.StringSlice("header")
	if len(headers) > 0 {
		s.ExtraHeaders = map[string]string{}
	}
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return s, errors.Errorf("invalid header %q, expected 'Name: value'", h)
		}
		s.ExtraHeaders[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}

	s.ServiceBackend = c.String("service-backend")
	s.SystemdUnit = c.String("systemd-unit")
	s.StartCommand = strings.Fields(c.String("start-command"))
	s.StopCommand = strings.Fields(c.String("stop-command"))
	s.ReloadCommand = strings.Fields(c.String("reload-command"))
	s.StatusCommand = strings.Fields(c.String("status-command"))
	s.ValidateCommand = strings.Fields(c.String("validate-command"))
	s.DeployCommand = strings.Fields(c.String("deploy-command"))

	s.HistoryLimit = c.Int("history-limit")
	s.KeepCerts = c.Int("keep-certs")
	s.LockTTL = c.Duration("lock-ttl")
	s.ProxyLockWait = c.Duration("proxy-lock-wait")

	s.MetricsAddr = c.String("metrics-addr")
	s.MetricsTextfile = c.String("metrics-textfile")

	s.PublishToVault = c.Bool("publish-vault")
	s.VaultMount = c.String("vault-mount")
	s.PublishToKube = c.Bool("publish-kube")
	s.KubeconfigPath = c.String("kubeconfig")
	s.KubeNamespace = c.String("kube-namespace")
	s.KubeSecretName = c.String("kube-secret-name")

	return s, s.Validate()
}

func newLogger(c *cli.Context) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(c.String("log-level"))
	if err != nil {
		return nil, errors.Wrap(err, "while parsing log level")
	}

	lc := zap.NewProductionConfig()
	lc.Level = zap.NewAtomicLevelAt(level)
	lc.EncoderConfig.TimeKey = "timestamp"
	lc.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	// stdout carries the status line only
	lc.OutputPaths = []string{"stderr"}
	switch f := c.String("log-format"); f {
	case "json":
	case "console":
		lc.Encoding = "console"
		lc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, errors.Errorf("unknown log format %q", f)
	}

	z, err := lc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "while creating logger")
	}
	return z.Sugar(), nil
}

type app struct {
	appCtx  appcontext.AppContext
	orch    *orchestrator.Orchestrator
	proxy   service.Controller
	metrics *metrics.Metrics

	events     chan event.Event
	dispatched chan struct{}
}

// setup builds every component from the command line. Without acme the CA is never contacted,
// which is enough for read-only commands.
func setup(ctx context.Context, c *cli.Context, acme bool) (*app, error) {
	logger, err := newLogger(c)
	if err != nil {
		return nil, err
	}

	settings, err := settingsFrom(c)
	if err != nil {
		return nil, model.NewFailure(model.Internal, errors.Wrap(err, "invalid settings"))
	}

	appCtx := appcontext.AppContext{
		Settings: settings,
		Logger:   logger,
		Clock:    clockwork.NewRealClock(),
	}

	var client certmanager.ACMEClient
	if acme {
		if err := settings.RequireACME(); err != nil {
			return nil, model.NewFailure(model.Internal, err)
		}
		if client, err = certmanager.NewLegoClient(appCtx); err != nil {
			return nil, err
		}
	}
	certs, err := certmanager.New(appCtx, client)
	if err != nil {
		return nil, err
	}
	appCtx.CertManager = certs

	sinks, err := sinksFor(&appCtx, c)
	if err != nil {
		return nil, err
	}

	proxy, err := service.New(ctx, appCtx)
	if err != nil {
		return nil, err
	}
	verifier, err := health.New(appCtx)
	if err != nil {
		return nil, err
	}
	locker, err := lock.New(appCtx)
	if err != nil {
		return nil, err
	}
	st, err := store.New(appCtx)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(settings.StateDir)
	if err != nil {
		return nil, err
	}

	deps := orchestrator.Deps{
		Locker:    locker,
		Registry:  reg,
		Store:     st,
		Certs:     certs,
		Generator: generator.New(appCtx),
		Proxy:     proxy,
		Verifier:  verifier,
		Metrics:   metrics.New(),
	}
	if acme {
		if deps.Prober, err = prober.New(appCtx); err != nil {
			return nil, err
		}
	}

	a := &app{appCtx: appCtx, proxy: proxy, metrics: deps.Metrics}
	if len(sinks) > 0 {
		a.events = make(chan event.Event, 16)
		a.dispatched = make(chan struct{})
		deps.Events = a.events
		go func() {
			dispatcher.Dispatch(a.events, appCtx, sinks)
			close(a.dispatched)
		}()
	}

	a.orch = orchestrator.New(appCtx, deps)
	return a, nil
}

func sinksFor(appCtx *appcontext.AppContext, c *cli.Context) ([]publisher.Sink, error) {
	s := appCtx.Settings
	var sinks []publisher.Sink

	if s.PublishToVault {
		vc, err := publisher.NewVaultClient(c.String("vault-username"), c.String("vault-password"))
		if err != nil {
			return nil, err
		}
		appCtx.VaultClient = vc
		sinks = append(sinks, publisher.NewVault(vc, s.VaultMount))
	}

	if s.PublishToKube {
		kc, err := publisher.NewKubeClient(s.KubeconfigPath)
		if err != nil {
			return nil, err
		}
		appCtx.KubeClient = kc
		sinks = append(sinks, publisher.NewKubernetes(kc, s.KubeNamespace, s.KubeSecretName))
	}

	return sinks, nil
}

// refreshExpiry sets the expiry gauge of every registered certificate.
func (a *app) refreshExpiry() {
	statuses, err := a.orch.Status()
	if err != nil {
		a.appCtx.Logger.With("error", err).Warn("while reading certificate status")
		return
	}
	for _, st := range statuses {
		if st.Certificate != nil {
			a.metrics.SetCertificate(st.Certificate)
		}
	}
}

// shutdown drains the publishers and writes the metrics textfile, if configured.
func (a *app) shutdown() {
	if a.events != nil {
		close(a.events)
		<-a.dispatched
		a.events = nil
	}

	if path := a.appCtx.Settings.MetricsTextfile; path != "" {
		a.refreshExpiry()
		if err := a.metrics.WriteTextfile(filepath.Clean(path)); err != nil {
			a.appCtx.Logger.With("error", err, "path", path).Warn("while writing metrics textfile")
		}
	}

	_ = a.appCtx.Logger.Sync()
}
