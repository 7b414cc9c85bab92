package lock

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/model"
)

const proxyLockName = "proxy"

// Locker hands out flock(2) based locks from a directory. The kernel releases a lock when its
// holder dies, so a crashed run never blocks the next one; the metadata it leaves behind is
// only reported.
type Locker struct {
	dir       string
	ttl       time.Duration
	proxyWait time.Duration
	appCtx    appcontext.AppContext
	logger    *zap.SugaredLogger
}

func New(appCtx appcontext.AppContext) (*Locker, error) {
	dir := appCtx.Settings.LockDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "while creating lock directory")
	}
	return &Locker{
		dir:       dir,
		ttl:       appCtx.Settings.LockTTL,
		proxyWait: appCtx.Settings.ProxyLockWait,
		appCtx:    appCtx,
		logger:    appCtx.Logger.With("process", "locker"),
	}, nil
}

// Lock is a held lock. Release is safe to call more than once.
type Lock struct {
	Meta model.RenewalLock

	fl     *flock.Flock
	once   sync.Once
	logger *zap.SugaredLogger
	ttl    time.Duration
}

// Acquire takes the renewal lock for domain without waiting. A held lock yields a LockHeld
// failure describing the current holder.
func (l *Locker) Acquire(ctx context.Context, domain, holderID string) (*Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fl := flock.New(l.path(domain))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "while locking %s", domain)
	}
	if !ok {
		_ = fl.Close()
		return nil, l.heldFailure(domain)
	}

	return l.claim(fl, domain, holderID)
}

// AcquireProxy takes the process-wide proxy lock that serializes activation across domains,
// waiting at most the configured proxy lock wait.
func (l *Locker) AcquireProxy(ctx context.Context, holderID string) (*Lock, error) {
	ctx, cancel := context.WithTimeout(ctx, l.proxyWait)
	defer cancel()

	fl := flock.New(l.path(proxyLockName))
	ok, err := fl.TryLockContext(ctx, 100*time.Millisecond)
	if !ok {
		_ = fl.Close()
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, model.NewFailure(model.LockHeld, errors.Wrapf(l.heldFailure(proxyLockName), "while waiting %s for proxy lock", l.proxyWait))
		}
		return nil, errors.Wrap(err, "while locking proxy")
	}

	return l.claim(fl, proxyLockName, holderID)
}

// Holder reports the metadata of the current holder of the domain lock, if any.
func (l *Locker) Holder(domain string) (*model.RenewalLock, error) {
	return readMeta(l.path(domain))
}

func (l *Locker) claim(fl *flock.Flock, name, holderID string) (*Lock, error) {
	logger := l.logger.With("lock", name, "holder", holderID)

	if prev, err := readMeta(fl.Path()); err == nil && prev != nil {
		logger.With("previousHolder", prev.HolderID, "acquiredAt", prev.AcquiredAt).Warn("recovered stale lock")
	}

	meta := model.RenewalLock{
		Domain:     name,
		HolderID:   holderID,
		AcquiredAt: l.appCtx.Clock.Now(),
	}
	if err := writeMeta(fl.Path(), &meta); err != nil {
		_ = fl.Unlock()
		return nil, err
	}

	logger.Debug("lock acquired")

	return &Lock{Meta: meta, fl: fl, logger: logger, ttl: l.ttl}, nil
}

func (l *Locker) heldFailure(name string) error {
	holder, err := readMeta(l.path(name))
	if err != nil || holder == nil {
		return model.NewFailure(model.LockHeld, errors.Errorf("%s is locked by another run", name))
	}
	msg := "%s is locked by %s since %s"
	if l.ttl > 0 && l.appCtx.Clock.Since(holder.AcquiredAt) > l.ttl {
		msg += " (exceeded lock ttl, holder still alive)"
	}
	return model.NewFailure(model.LockHeld, errors.Errorf(msg, name, holder.HolderID, holder.AcquiredAt.Format(time.RFC3339)))
}

func (l *Locker) path(name string) string {
	return filepath.Join(l.dir, safeName(name)+".lock")
}

// Deadline is the latest time the holder may keep working under this lock.
func (k *Lock) Deadline() time.Time {
	if k.ttl <= 0 {
		return time.Time{}
	}
	return k.Meta.AcquiredAt.Add(k.ttl)
}

func (k *Lock) Release() error {
	var err error
	k.once.Do(func() {
		if terr := os.Truncate(k.fl.Path(), 0); terr != nil {
			k.logger.With("error", terr).Warn("while clearing lock metadata")
		}
		err = errors.Wrap(k.fl.Unlock(), "while unlocking")
		k.logger.Debug("lock released")
	})
	return err
}

func readMeta(path string) (*model.RenewalLock, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "while reading lock metadata")
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, nil
	}
	var meta model.RenewalLock
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, errors.Wrap(err, "while decoding lock metadata")
	}
	return &meta, nil
}

func writeMeta(path string, meta *model.RenewalLock) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "while encoding lock metadata")
	}
	// written in place: the flock is bound to this inode
	return errors.Wrap(os.WriteFile(path, b, 0o644), "while writing lock metadata")
}

func safeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
