package certmanager

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-acme/lego/v4/certificate"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/model"
)

const (
	FullchainFile = "fullchain.pem"
	PrivkeyFile   = "privkey.pem"
	refLayout     = "20060102T150405Z"
)

var ErrCertificateNotFound = errors.New("certificate not found")

// Storage keeps one immutable directory per issued certificate:
// <cert-dir>/<domain>/<ref>/{fullchain.pem,privkey.pem}.
type Storage struct {
	dir    string
	window time.Duration
	appCtx appcontext.AppContext
	logger *zap.SugaredLogger
}

func NewStorage(appCtx appcontext.AppContext) (*Storage, error) {
	if err := os.MkdirAll(appCtx.Settings.CertDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "while creating certificate directory")
	}
	return &Storage{
		dir:    appCtx.Settings.CertDir,
		window: appCtx.Settings.RenewalWindow,
		appCtx: appCtx,
		logger: appCtx.Logger.With("process", "cert_storage"),
	}, nil
}

// Write stores res as a new certificate set. The set directory appears atomically.
func (s *Storage) Write(domain string, res *certificate.Resource) (*model.Certificate, error) {
	base := filepath.Join(s.dir, domain)
	if err := os.MkdirAll(base, 0o700); err != nil {
		return nil, errors.Wrap(err, "while creating domain certificate directory")
	}

	ref := s.appCtx.Clock.Now().UTC().Format(refLayout)
	for i := 2; exists(filepath.Join(base, ref)); i++ {
		ref = fmt.Sprintf("%s-%d", s.appCtx.Clock.Now().UTC().Format(refLayout), i)
	}

	tmp, err := os.MkdirTemp(base, ".pending-")
	if err != nil {
		return nil, errors.Wrap(err, "while creating pending certificate directory")
	}

	if err := os.WriteFile(filepath.Join(tmp, PrivkeyFile), res.PrivateKey, 0o600); err != nil {
		_ = os.RemoveAll(tmp)
		return nil, errors.Wrap(err, "while writing private key")
	}
	if err := os.WriteFile(filepath.Join(tmp, FullchainFile), res.Certificate, 0o644); err != nil {
		_ = os.RemoveAll(tmp)
		return nil, errors.Wrap(err, "while writing certificate chain")
	}
	if err := os.Rename(tmp, filepath.Join(base, ref)); err != nil {
		_ = os.RemoveAll(tmp)
		return nil, errors.Wrap(err, "while finalizing certificate set")
	}

	return s.Load(domain, ref)
}

// Load reads the certificate set ref of domain and derives its status at the current time.
func (s *Storage) Load(domain, ref string) (*model.Certificate, error) {
	if ref == "" {
		return nil, errors.Wrap(ErrCertificateNotFound, domain)
	}
	dir := filepath.Join(s.dir, domain, ref)
	chain, err := os.ReadFile(filepath.Join(dir, FullchainFile))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrCertificateNotFound, "%s/%s", domain, ref)
	}
	if err != nil {
		return nil, errors.Wrap(err, "while reading certificate chain")
	}
	if !exists(filepath.Join(dir, PrivkeyFile)) {
		return nil, errors.Wrapf(ErrCertificateNotFound, "%s/%s has no private key", domain, ref)
	}

	leaf, err := leafFromChain(chain)
	if err != nil {
		return nil, err
	}

	cert := &model.Certificate{
		Domain:        domain,
		Ref:           ref,
		FullchainPath: filepath.Join(dir, FullchainFile),
		PrivkeyPath:   filepath.Join(dir, PrivkeyFile),
		IssuedAt:      leaf.NotBefore,
		ExpiresAt:     leaf.NotAfter,
	}
	cert.Status = cert.StatusAt(s.appCtx.Clock.Now(), s.windowFor(leaf))
	return cert, nil
}

// Refs lists the stored certificate sets of domain, oldest first.
func (s *Storage) Refs(domain string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, domain))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "while listing certificate sets")
	}
	var refs []string
	for _, e := range entries {
		if e.IsDir() && e.Name()[0] != '.' {
			refs = append(refs, e.Name())
		}
	}
	sort.Strings(refs)
	return refs, nil
}

// Prune removes the oldest certificate sets not listed in keep until at most max remain.
func (s *Storage) Prune(domain string, keep []string, max int) error {
	refs, err := s.Refs(domain)
	if err != nil {
		return err
	}
	kept := map[string]bool{}
	for _, k := range keep {
		kept[k] = true
	}
	remaining := len(refs)
	for _, ref := range refs {
		if remaining <= max {
			break
		}
		if kept[ref] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, domain, ref)); err != nil {
			return errors.Wrap(err, "while pruning certificate set")
		}
		remaining--
		s.logger.With("domain", domain, "ref", ref).Info("certificate set pruned")
	}
	return nil
}

// windowFor is the configured renewal window, except for a certificate whose whole lifetime
// fits inside it: that one gets a third of its lifetime, so it is not born "expiring".
func (s *Storage) windowFor(leaf *x509.Certificate) time.Duration {
	lifetime := leaf.NotAfter.Sub(leaf.NotBefore)
	if s.window < lifetime {
		return s.window
	}
	window := lifetime / 3
	s.logger.With("serial", leaf.SerialNumber, "lifetime", lifetime, "window", window).
		Warn("certificate lifetime is shorter than the renewal window, renewing after two thirds of it")
	return window
}

// leafFromChain returns the first non-CA certificate of a PEM bundle.
func leafFromChain(bb []byte) (*x509.Certificate, error) {
	var block *pem.Block
	for {
		block, bb = pem.Decode(bb)
		if block == nil {
			return nil, errors.New("no leaf certificate found in chain")
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "while parsing certificate")
		}
		if cert.IsCA {
			continue
		}
		return cert, nil
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
