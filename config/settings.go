package config

import (
	"net"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultDirectoryURL   = "https://acme-v02.api.letsencrypt.org/directory"
	DefaultRenewalWindow  = 30 * 24 * time.Hour
	DefaultSchedule       = "0 0,12 * * *"
	DefaultHealthPath     = "/healthz"
	DefaultHealthStatus   = 200
	DefaultHistoryLimit   = 3
	DefaultKeepCerts      = 3
	DefaultLockTTL        = 30 * time.Minute
	DefaultProxyLockWait  = 2 * time.Minute
	DefaultAcquireTimeout = 10 * time.Minute
	DefaultHealthTimeout  = 60 * time.Second
	DefaultHealthAttempts = 10
)

// Settings is the complete runtime configuration, assembled from flags and environment.
type Settings struct {
	StateDir     string
	CertDir      string
	ConfigDir    string
	ProxyConfDir string
	LiveDir      string
	LockDir      string
	Webroot      string
	TemplatePath string

	Email          string
	DirectoryURL   string
	KeyType        string
	HTTP01Address  string
	RenewalWindow  time.Duration
	Schedule       string
	AcquireTimeout time.Duration
	AcquireRetries uint64

	Resolver    string
	ExpectedIPs []string

	ProxyHTTPAddr  string
	ProxyHTTPSAddr string
	HealthPath     string
	HealthStatus   int
	HealthAttempts uint64
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	HealthInsecure bool
	HealthRootCA   string

	Upstream     string
	ExtraHeaders map[string]string

	ServiceBackend  string
	SystemdUnit     string
	StartCommand    []string
	StopCommand     []string
	ReloadCommand   []string
	StatusCommand   []string
	ValidateCommand []string
	DeployCommand   []string

	HistoryLimit  int
	KeepCerts     int
	LockTTL       time.Duration
	ProxyLockWait time.Duration

	MetricsAddr     string
	MetricsTextfile string

	VaultMount     string
	KubeNamespace  string
	KubeSecretName string
	KubeconfigPath string
	PublishToVault bool
	PublishToKube  bool
}

// Defaults returns Settings rooted at stateDir with every optional value filled in.
func Defaults(stateDir string) Settings {
	return Settings{
		StateDir:        stateDir,
		CertDir:         filepath.Join(stateDir, "certs"),
		ConfigDir:       filepath.Join(stateDir, "configs"),
		ProxyConfDir:    filepath.Join(stateDir, "proxy"),
		LiveDir:         filepath.Join(stateDir, "live"),
		LockDir:         filepath.Join(stateDir, "locks"),
		Webroot:         filepath.Join(stateDir, "webroot"),
		DirectoryURL:    DefaultDirectoryURL,
		KeyType:         "EC256",
		HTTP01Address:   ":80",
		RenewalWindow:   DefaultRenewalWindow,
		Schedule:        DefaultSchedule,
		AcquireTimeout:  DefaultAcquireTimeout,
		AcquireRetries:  4,
		ProxyHTTPAddr:   "127.0.0.1:80",
		ProxyHTTPSAddr:  "127.0.0.1:443",
		HealthPath:      DefaultHealthPath,
		HealthStatus:    DefaultHealthStatus,
		HealthAttempts:  DefaultHealthAttempts,
		HealthInterval:  2 * time.Second,
		HealthTimeout:   DefaultHealthTimeout,
		Upstream:        "http://127.0.0.1:8000",
		ServiceBackend:  "command",
		SystemdUnit:     "nginx.service",
		StartCommand:    []string{"systemctl", "start", "nginx"},
		StopCommand:     []string{"systemctl", "stop", "nginx"},
		ReloadCommand:   []string{"nginx", "-s", "reload"},
		StatusCommand:   []string{"systemctl", "is-active", "--quiet", "nginx"},
		ValidateCommand: []string{"nginx", "-t", "-q", "-c", "{config}"},
		HistoryLimit:    DefaultHistoryLimit,
		KeepCerts:       DefaultKeepCerts,
		LockTTL:         DefaultLockTTL,
		ProxyLockWait:   DefaultProxyLockWait,
		VaultMount:      "secret",
		KubeSecretName:  "{domain}-tls",
		KubeNamespace:   "default",
	}
}

func (s Settings) Validate() error {
	for name, dir := range map[string]string{
		"cert dir":   s.CertDir,
		"config dir": s.ConfigDir,
		"proxy dir":  s.ProxyConfDir,
		"lock dir":   s.LockDir,
	} {
		if dir == "" {
			return errors.Errorf("%s is required", name)
		}
	}
	if s.RenewalWindow <= 0 {
		return errors.New("renewal window must be positive")
	}
	if s.HealthStatus < 100 || s.HealthStatus > 599 {
		return errors.Errorf("invalid health status code %d", s.HealthStatus)
	}
	if s.HistoryLimit < 2 {
		return errors.New("history limit must keep at least the previous configuration")
	}
	for _, addr := range []string{s.ProxyHTTPAddr, s.ProxyHTTPSAddr} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return errors.Wrapf(err, "while parsing proxy address %q", addr)
		}
	}
	for _, ip := range s.ExpectedIPs {
		if net.ParseIP(ip) == nil {
			return errors.Errorf("invalid expected address %q", ip)
		}
	}
	switch s.ServiceBackend {
	case "command", "systemd":
	default:
		return errors.Errorf("unknown service backend %q", s.ServiceBackend)
	}
	return nil
}

// RequireACME checks the settings that are only needed when talking to the CA.
func (s Settings) RequireACME() error {
	if s.Email == "" {
		return errors.New("contact email for the certificate authority is required")
	}
	if s.DirectoryURL == "" {
		return errors.New("ACME directory URL is required")
	}
	return nil
}
