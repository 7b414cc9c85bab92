package hooks

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/model"
)

// Proxy is the part of the service controller the hooks drive.
type Proxy interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
	Reload(ctx context.Context) error
	IsHealthy(ctx context.Context) bool
}

// Hooks run around activation. Both are safe to repeat when nothing changed.
type Hooks struct {
	proxy   Proxy
	liveDir string
	deploy  []string
	logger  *zap.SugaredLogger
}

func New(appCtx appcontext.AppContext, proxy Proxy) *Hooks {
	return &Hooks{
		proxy:   proxy,
		liveDir: appCtx.Settings.LiveDir,
		deploy:  appCtx.Settings.DeployCommand,
		logger:  appCtx.Logger.With("process", "hooks"),
	}
}

// Pre frees the challenge port for standalone acquisition by stopping the proxy. It reports
// whether the proxy was running, so the caller knows to bring it back.
func (h *Hooks) Pre(ctx context.Context, strategy model.Strategy) (bool, error) {
	if strategy != model.StrategyStandalone {
		return false, nil
	}
	if !h.proxy.IsHealthy(ctx) {
		h.logger.Debug("proxy not running, challenge port is free")
		return false, nil
	}
	h.logger.Info("stopping proxy for standalone challenge")
	if err := h.proxy.Stop(ctx); err != nil {
		return false, errors.Wrap(err, "while stopping proxy for standalone challenge")
	}
	return true, nil
}

// Post copies the certificate into the live directory when it differs, runs the deploy command
// after a change and makes the proxy pick up the active configuration: a graceful reload when
// it runs, a start otherwise.
func (h *Hooks) Post(ctx context.Context, cert *model.Certificate) (bool, error) {
	logger := h.logger.With("domain", cert.Domain, "ref", cert.Ref)

	changed, err := h.install(cert)
	if err != nil {
		return false, err
	}

	if changed && len(h.deploy) > 0 {
		if err := h.runDeploy(ctx, cert); err != nil {
			return changed, err
		}
	}

	if h.proxy.IsHealthy(ctx) {
		if err := h.proxy.Reload(ctx); err != nil {
			return changed, errors.Wrap(err, "while reloading proxy")
		}
	} else {
		logger.Info("proxy not running, starting it")
		if err := h.proxy.Start(ctx); err != nil {
			return changed, errors.Wrap(err, "while starting proxy")
		}
	}

	logger.With("changed", changed).Info("certificate deployed")
	return changed, nil
}

// LivePaths are the stable locations of the deployed certificate of domain.
func (h *Hooks) LivePaths(domain string) (fullchain, privkey string) {
	dir := filepath.Join(h.liveDir, domain)
	return filepath.Join(dir, "fullchain.pem"), filepath.Join(dir, "privkey.pem")
}

func (h *Hooks) install(cert *model.Certificate) (bool, error) {
	if err := os.MkdirAll(filepath.Join(h.liveDir, cert.Domain), 0o700); err != nil {
		return false, errors.Wrap(err, "while creating live directory")
	}
	fullchain, privkey := h.LivePaths(cert.Domain)

	changed := false
	for _, f := range []struct {
		src, dst string
		mode     os.FileMode
	}{
		{cert.FullchainPath, fullchain, 0o644},
		{cert.PrivkeyPath, privkey, 0o600},
	} {
		c, err := copyIfDifferent(f.src, f.dst, f.mode)
		if err != nil {
			return false, err
		}
		changed = changed || c
	}
	return changed, nil
}

func (h *Hooks) runDeploy(ctx context.Context, cert *model.Certificate) error {
	fullchain, privkey := h.LivePaths(cert.Domain)
	replacer := strings.NewReplacer("{domain}", cert.Domain, "{fullchain}", fullchain, "{privkey}", privkey)
	argv := make([]string, len(h.deploy))
	for i, a := range h.deploy {
		argv[i] = replacer.Replace(a)
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.Env = append(os.Environ(), "CERTPILOT_DOMAIN="+cert.Domain, "CERTPILOT_FULLCHAIN="+fullchain, "CERTPILOT_PRIVKEY="+privkey)
	if err := cmd.Run(); err != nil {
		h.logger.With("error", err, "output", strings.TrimSpace(out.String())).Error("deploy command failed")
		return errors.Wrap(err, "while running deploy command")
	}
	return nil
}

func copyIfDifferent(src, dst string, mode os.FileMode) (bool, error) {
	want, err := os.ReadFile(src)
	if err != nil {
		return false, errors.Wrapf(err, "while reading %s", src)
	}
	have, err := os.ReadFile(dst)
	if err == nil && bytes.Equal(have, want) {
		return false, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-"+filepath.Base(dst))
	if err != nil {
		return false, errors.Wrap(err, "while creating temporary file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(want); err != nil {
		_ = tmp.Close()
		return false, errors.Wrapf(err, "while writing %s", dst)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return false, errors.Wrapf(err, "while setting mode of %s", dst)
	}
	if err := tmp.Close(); err != nil {
		return false, errors.Wrapf(err, "while closing %s", dst)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return false, errors.Wrapf(err, "while installing %s", dst)
	}
	return true, nil
}
