package registry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/numtide/certpilot/model"
)

var ErrNotFound = errors.New("domain not registered")

type file struct {
	Domains []model.Domain `yaml:"domains"`
}

// Registry persists registered domains in a single YAML file shared by every domain. Each
// read-modify-write holds an exclusive flock on a sibling lock file, so runs for different
// domains in separate processes do not lose each other's updates.
type Registry struct {
	mu   sync.Mutex
	path string
	fl   *flock.Flock
}

func New(stateDir string) (*Registry, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "while creating state directory")
	}
	path := filepath.Join(stateDir, "domains.yaml")
	return &Registry{path: path, fl: flock.New(path + ".lock")}, nil
}

// locked runs fn under the in-process mutex and the registry file lock, shared for readers.
func (r *Registry) locked(exclusive bool, fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lockFn := r.fl.RLock
	if exclusive {
		lockFn = r.fl.Lock
	}
	if err := lockFn(); err != nil {
		return errors.Wrap(err, "while locking domain registry")
	}
	defer func() {
		_ = r.fl.Unlock()
	}()
	return fn()
}

func (r *Registry) Get(name string) (*model.Domain, error) {
	var found *model.Domain
	err := r.locked(false, func() error {
		f, err := r.load()
		if err != nil {
			return err
		}
		for _, d := range f.Domains {
			if d.Name == name {
				d := d
				found = &d
				return nil
			}
		}
		return errors.Wrap(ErrNotFound, name)
	})
	return found, err
}

func (r *Registry) List() ([]model.Domain, error) {
	var domains []model.Domain
	err := r.locked(false, func() error {
		f, err := r.load()
		if err != nil {
			return err
		}
		domains = f.Domains
		return nil
	})
	return domains, err
}

// Register adds the domain if absent and returns the registered record. Name and strategy of
// an existing record are never changed.
func (r *Registry) Register(name string, strategy model.Strategy) (*model.Domain, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	var registered *model.Domain
	err := r.locked(true, func() error {
		f, err := r.load()
		if err != nil {
			return err
		}
		for _, d := range f.Domains {
			if d.Name == name {
				d := d
				registered = &d
				return nil
			}
		}

		d := model.Domain{Name: name, Strategy: strategy}
		f.Domains = append(f.Domains, d)
		sort.Slice(f.Domains, func(i, j int) bool { return f.Domains[i].Name < f.Domains[j].Name })

		if err := r.save(f); err != nil {
			return err
		}
		registered = &d
		return nil
	})
	return registered, err
}

func (r *Registry) SetCertRef(name, ref string) error {
	return r.locked(true, func() error {
		f, err := r.load()
		if err != nil {
			return err
		}
		for i := range f.Domains {
			if f.Domains[i].Name == name {
				f.Domains[i].CertRef = ref
				return r.save(f)
			}
		}
		return errors.Wrap(ErrNotFound, name)
	})
}

func (r *Registry) load() (*file, error) {
	b, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return &file{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "while reading domain registry")
	}
	f := &file{}
	if err := yaml.Unmarshal(b, f); err != nil {
		return nil, errors.Wrap(err, "while parsing domain registry")
	}
	return f, nil
}

func (r *Registry) save(f *file) error {
	b, err := yaml.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "while encoding domain registry")
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".domains-*.yaml")
	if err != nil {
		return errors.Wrap(err, "while creating temporary domain registry")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "while writing domain registry")
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "while setting domain registry mode")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "while closing domain registry")
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return errors.Wrap(err, "while replacing domain registry")
	}
	return nil
}

// ValidateName accepts DNS host names only; wildcard names need DNS-01, which is not supported.
func ValidateName(name string) error {
	if name == "" || len(name) > 253 {
		return errors.Errorf("invalid domain name %q", name)
	}
	labels := strings.Split(name, ".")
	if len(labels) < 2 {
		return errors.Errorf("domain name %q is not fully qualified", name)
	}
	for _, l := range labels {
		if l == "" || len(l) > 63 || l[0] == '-' || l[len(l)-1] == '-' {
			return errors.Errorf("invalid label %q in domain name %q", l, name)
		}
		for _, c := range l {
			if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
				return errors.Errorf("invalid character %q in domain name %q", c, name)
			}
		}
	}
	return nil
}
