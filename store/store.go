package store

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/model"
)

//go:embed default.conf.tmpl
var DefaultTemplate string

const (
	versionsDir = "versions"
	activeFile  = "active"
)

// Store keeps every rendered configuration as an immutable, numbered artifact and tracks which
// one is active through a pointer file. The file the proxy actually includes is a copy of the
// active artifact, replaced atomically.
type Store struct {
	dir          string
	proxyDir     string
	templatePath string
	appCtx       appcontext.AppContext
	logger       *zap.SugaredLogger
}

func New(appCtx appcontext.AppContext) (*Store, error) {
	s := appCtx.Settings
	for _, dir := range []string{s.ConfigDir, s.ProxyConfDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "while creating %s", dir)
		}
	}
	return &Store{
		dir:          s.ConfigDir,
		proxyDir:     s.ProxyConfDir,
		templatePath: s.TemplatePath,
		appCtx:       appCtx,
		logger:       appCtx.Logger.With("process", "store"),
	}, nil
}

// Template returns the operator supplied template, or the built-in nginx template.
func (s *Store) Template() (string, error) {
	if s.templatePath == "" {
		return DefaultTemplate, nil
	}
	b, err := os.ReadFile(s.templatePath)
	if err != nil {
		return "", errors.Wrap(err, "while reading proxy template")
	}
	return string(b), nil
}

// ActivePath is the file the proxy includes for domain.
func (s *Store) ActivePath(domain string) string {
	return filepath.Join(s.proxyDir, domain+".conf")
}

// Save persists cfg as a new version. When the newest version already has the same text and
// certificate it is returned instead, so re-rendering an unchanged input creates nothing.
func (s *Store) Save(cfg *model.Configuration) (*model.Configuration, error) {
	versions, err := s.List(cfg.Domain)
	if err != nil {
		return nil, err
	}

	next := 1
	if n := len(versions); n > 0 {
		latest := versions[n-1]
		if latest.CertRef == cfg.CertRef {
			text, err := s.readText(cfg.Domain, latest.Version)
			if err != nil {
				return nil, err
			}
			if text == cfg.RenderedText {
				latest.RenderedText = text
				return &latest, nil
			}
		}
		next = latest.Version + 1
	}

	dir := filepath.Join(s.dir, cfg.Domain, versionsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "while creating versions directory")
	}

	saved := *cfg
	saved.Version = next
	saved.Active = false
	saved.Verified = false
	saved.CreatedAt = s.appCtx.Clock.Now().UTC()

	if err := writeAtomic(s.textPath(cfg.Domain, next), []byte(cfg.RenderedText), 0o644); err != nil {
		return nil, errors.Wrap(err, "while writing configuration")
	}
	if err := s.writeMeta(&saved); err != nil {
		return nil, err
	}

	s.logger.With("domain", cfg.Domain, "version", next).Info("configuration saved")
	return &saved, nil
}

func (s *Store) Get(domain string, version int) (*model.Configuration, error) {
	b, err := os.ReadFile(s.metaPath(domain, version))
	if err != nil {
		return nil, errors.Wrapf(err, "while reading configuration %s v%d", domain, version)
	}
	cfg := &model.Configuration{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "while parsing configuration %s v%d", domain, version)
	}
	text, err := s.readText(domain, version)
	if err != nil {
		return nil, err
	}
	cfg.RenderedText = text
	cfg.Active = false
	if active, err := s.activeVersion(domain); err == nil && active == version {
		cfg.Active = true
	}
	return cfg, nil
}

// List returns the metadata of every stored version of domain, oldest first. RenderedText is
// left empty.
func (s *Store) List(domain string) ([]model.Configuration, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, domain, versionsDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "while listing configurations")
	}

	active, err := s.activeVersion(domain)
	if err != nil {
		return nil, err
	}

	var out []model.Configuration
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			continue
		}
		b, err := os.ReadFile(s.metaPath(domain, v))
		if err != nil {
			return nil, errors.Wrap(err, "while reading configuration metadata")
		}
		var cfg model.Configuration
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, errors.Wrap(err, "while parsing configuration metadata")
		}
		cfg.Active = v == active
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Active returns the active configuration of domain, or nil when there is none.
func (s *Store) Active(domain string) (*model.Configuration, error) {
	v, err := s.activeVersion(domain)
	if err != nil || v == 0 {
		return nil, err
	}
	return s.Get(domain, v)
}

// LastVerified returns the most recently verified configuration, or nil.
func (s *Store) LastVerified(domain string) (*model.Configuration, error) {
	versions, err := s.List(domain)
	if err != nil {
		return nil, err
	}
	var best *model.Configuration
	for i := range versions {
		c := &versions[i]
		if !c.Verified {
			continue
		}
		if best == nil || !c.VerifiedAt.Before(best.VerifiedAt) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	return s.Get(domain, best.Version)
}

// Activate makes cfg the file the proxy reads and moves the active pointer to it. The previous
// version stays in history. Reloading the proxy is up to the caller.
func (s *Store) Activate(cfg *model.Configuration) error {
	if cfg.Version == 0 {
		return errors.New("only saved configurations can be activated")
	}
	text, err := s.readText(cfg.Domain, cfg.Version)
	if err != nil {
		return err
	}
	if err := writeAtomic(s.ActivePath(cfg.Domain), []byte(text), 0o644); err != nil {
		return errors.Wrap(err, "while writing active configuration")
	}
	if err := writeAtomic(s.pointerPath(cfg.Domain), []byte(strconv.Itoa(cfg.Version)+"\n"), 0o644); err != nil {
		return errors.Wrap(err, "while updating active pointer")
	}
	cfg.Active = true

	s.logger.With("domain", cfg.Domain, "version", cfg.Version).Info("configuration activated")
	return nil
}

// Deactivate removes the proxy file and the active pointer of domain.
func (s *Store) Deactivate(domain string) error {
	for _, p := range []string{s.ActivePath(domain), s.pointerPath(domain)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "while removing %s", p)
		}
	}
	s.logger.With("domain", domain).Warn("configuration deactivated")
	return nil
}

func (s *Store) MarkVerified(cfg *model.Configuration) error {
	stored, err := s.Get(cfg.Domain, cfg.Version)
	if err != nil {
		return err
	}
	stored.Verified = true
	stored.VerifiedAt = s.appCtx.Clock.Now().UTC()
	if err := s.writeMeta(stored); err != nil {
		return err
	}
	cfg.Verified = true
	cfg.VerifiedAt = stored.VerifiedAt
	return nil
}

// Prune deletes versions beyond the newest limit, never touching the active or the last
// verified version.
func (s *Store) Prune(domain string, limit int) error {
	versions, err := s.List(domain)
	if err != nil {
		return err
	}
	if len(versions) <= limit {
		return nil
	}
	keep := map[int]bool{}
	for i := len(versions) - limit; i < len(versions); i++ {
		keep[versions[i].Version] = true
	}
	if lv, err := s.LastVerified(domain); err == nil && lv != nil {
		keep[lv.Version] = true
	}
	for _, v := range versions {
		if keep[v.Version] || v.Active {
			continue
		}
		for _, p := range []string{s.textPath(domain, v.Version), s.metaPath(domain, v.Version)} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return errors.Wrap(err, "while pruning configuration")
			}
		}
		s.logger.With("domain", domain, "version", v.Version).Debug("configuration pruned")
	}
	return nil
}

func (s *Store) activeVersion(domain string) (int, error) {
	b, err := os.ReadFile(s.pointerPath(domain))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "while reading active pointer")
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, errors.Wrap(err, "while parsing active pointer")
	}
	return v, nil
}

func (s *Store) readText(domain string, version int) (string, error) {
	b, err := os.ReadFile(s.textPath(domain, version))
	if err != nil {
		return "", errors.Wrapf(err, "while reading configuration %s v%d", domain, version)
	}
	return string(b), nil
}

func (s *Store) writeMeta(cfg *model.Configuration) error {
	meta := *cfg
	meta.Active = false
	b, err := yaml.Marshal(&meta)
	if err != nil {
		return errors.Wrap(err, "while encoding configuration metadata")
	}
	return errors.Wrap(writeAtomic(s.metaPath(cfg.Domain, cfg.Version), b, 0o644), "while writing configuration metadata")
}

func (s *Store) textPath(domain string, version int) string {
	return filepath.Join(s.dir, domain, versionsDir, fmt.Sprintf("%06d.conf", version))
}

func (s *Store) metaPath(domain string, version int) string {
	return filepath.Join(s.dir, domain, versionsDir, fmt.Sprintf("%06d.yaml", version))
}

func (s *Store) pointerPath(domain string) string {
	return filepath.Join(s.dir, domain, activeFile)
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
