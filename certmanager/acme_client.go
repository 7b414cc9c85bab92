package certmanager

import (
	"context"
	"crypto"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/providers/http/webroot"
	"github.com/go-acme/lego/v4/registration"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/model"
)

var keyTypes = map[string]certcrypto.KeyType{
	"EC256":   certcrypto.EC256,
	"EC384":   certcrypto.EC384,
	"RSA2048": certcrypto.RSA2048,
	"RSA3072": certcrypto.RSA3072,
	"RSA4096": certcrypto.RSA4096,
}

// LegoClient talks to the CA through lego. The account key is created once and kept next to
// the certificates so renewals reuse the same ACME account.
type LegoClient struct {
	email          string
	directoryURL   string
	keyType        certcrypto.KeyType
	webroot        string
	http01Host     string
	http01Port     string
	accountKeyPath string
	logger         *zap.SugaredLogger

	newClient func(*lego.Config) (legoAPI, error)
}

type legoAPI interface {
	ResolveAccount() (*registration.Resource, error)
	Register() (*registration.Resource, error)
	SetHTTP01Provider(provider challenge.Provider) error
	Obtain(request certificate.ObtainRequest) (*certificate.Resource, error)
}

func NewLegoClient(appCtx appcontext.AppContext) (*LegoClient, error) {
	s := appCtx.Settings
	if err := s.RequireACME(); err != nil {
		return nil, err
	}

	kt, ok := keyTypes[strings.ToUpper(s.KeyType)]
	if !ok {
		return nil, errors.Errorf("unsupported key type %q", s.KeyType)
	}

	host, port := "", "80"
	if s.HTTP01Address != "" {
		var err error
		host, port, err = net.SplitHostPort(s.HTTP01Address)
		if err != nil {
			return nil, errors.Wrapf(err, "while parsing http-01 address %q", s.HTTP01Address)
		}
	}

	return &LegoClient{
		email:          s.Email,
		directoryURL:   s.DirectoryURL,
		keyType:        kt,
		webroot:        s.Webroot,
		http01Host:     host,
		http01Port:     port,
		accountKeyPath: filepath.Join(s.CertDir, ".account", safeFileSegment(s.Email)+".key"),
		logger:         appCtx.Logger.With("process", "acme"),
		newClient:      newLegoAPI,
	}, nil
}

func (l *LegoClient) Obtain(ctx context.Context, domain string, strategy model.Strategy) (*certificate.Resource, error) {
	key, err := l.accountKey()
	if err != nil {
		return nil, err
	}

	user := &accountUser{email: l.email, key: key}
	cfg := lego.NewConfig(user)
	cfg.CADirURL = l.directoryURL
	cfg.Certificate.KeyType = l.keyType

	client, err := l.newClient(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "while creating acme client")
	}

	provider, err := l.provider(strategy)
	if err != nil {
		return nil, err
	}
	if err := client.SetHTTP01Provider(provider); err != nil {
		return nil, errors.Wrap(err, "while configuring http-01 provider")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reg, err := client.ResolveAccount()
	if err != nil {
		l.logger.With("email", l.email).Info("registering acme account")
		reg, err = client.Register()
		if err != nil {
			return nil, errors.Wrap(err, "while registering acme account")
		}
	}
	user.registration = reg

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.logger.With("domain", domain, "strategy", strategy).Info("requesting certificate")
	res, err := client.Obtain(certificate.ObtainRequest{
		Domains: []string{domain},
		Bundle:  true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "while obtaining certificate")
	}
	return res, nil
}

func (l *LegoClient) provider(strategy model.Strategy) (challenge.Provider, error) {
	switch strategy {
	case model.StrategyWebroot:
		p, err := webroot.NewHTTPProvider(l.webroot)
		if err != nil {
			return nil, errors.Wrap(err, "while creating webroot provider")
		}
		return p, nil
	case model.StrategyStandalone:
		return http01.NewProviderServer(l.http01Host, l.http01Port), nil
	}
	return nil, errors.Errorf("no challenge provider for strategy %q", strategy)
}

func (l *LegoClient) accountKey() (crypto.PrivateKey, error) {
	b, err := os.ReadFile(l.accountKeyPath)
	if err == nil {
		key, err := certcrypto.ParsePEMPrivateKey(b)
		return key, errors.Wrap(err, "while parsing acme account key")
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "while reading acme account key")
	}

	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return nil, errors.Wrap(err, "while generating acme account key")
	}
	if err := os.MkdirAll(filepath.Dir(l.accountKeyPath), 0o700); err != nil {
		return nil, errors.Wrap(err, "while creating account directory")
	}
	if err := os.WriteFile(l.accountKeyPath, certcrypto.PEMEncode(key), 0o600); err != nil {
		return nil, errors.Wrap(err, "while writing acme account key")
	}
	return key, nil
}

type legoAdapter struct {
	client *lego.Client
}

func newLegoAPI(cfg *lego.Config) (legoAPI, error) {
	c, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &legoAdapter{client: c}, nil
}

func (a *legoAdapter) ResolveAccount() (*registration.Resource, error) {
	return a.client.Registration.ResolveAccountByKey()
}

func (a *legoAdapter) Register() (*registration.Resource, error) {
	return a.client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
}

func (a *legoAdapter) SetHTTP01Provider(provider challenge.Provider) error {
	return a.client.Challenge.SetHTTP01Provider(provider)
}

func (a *legoAdapter) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	return a.client.Certificate.Obtain(request)
}

type accountUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *accountUser) GetEmail() string {
	return u.email
}

func (u *accountUser) GetRegistration() *registration.Resource {
	return u.registration
}

func (u *accountUser) GetPrivateKey() crypto.PrivateKey {
	return u.key
}

func safeFileSegment(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_', r == '@':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "account"
	}
	return b.String()
}
