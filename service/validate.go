package service

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/numtide/certpilot/generator"
	"github.com/numtide/certpilot/model"
)

const (
	configPlaceholder  = "{config}"
	snippetPlaceholder = "{snippet}"
)

// validator dry-runs a candidate configuration. The rendered text is a set of server blocks,
// so it is wrapped in a minimal main configuration for checkers that need one.
type validator struct {
	command []string
	logger  *zap.SugaredLogger
}

func (v *validator) validate(ctx context.Context, cfg *model.Configuration) error {
	if err := generator.Lint(cfg.RenderedText); err != nil {
		return model.NewFailure(model.InvalidConfig, errors.Wrapf(err, "configuration %s v%d", cfg.Domain, cfg.Version))
	}
	if len(v.command) == 0 {
		v.logger.With("domain", cfg.Domain).Debug("no validate command configured, lint only")
		return nil
	}

	dir, err := os.MkdirTemp("", "certpilot-validate-")
	if err != nil {
		return errors.Wrap(err, "while creating validation directory")
	}
	defer os.RemoveAll(dir)

	snippet := filepath.Join(dir, cfg.Domain+".conf")
	if err := os.WriteFile(snippet, []byte(cfg.RenderedText), 0o600); err != nil {
		return errors.Wrap(err, "while writing candidate configuration")
	}
	mainConf := filepath.Join(dir, "main.conf")
	wrapper := "pid " + filepath.Join(dir, "nginx.pid") + ";\nevents {}\nhttp {\n    include " + snippet + ";\n}\n"
	if err := os.WriteFile(mainConf, []byte(wrapper), 0o600); err != nil {
		return errors.Wrap(err, "while writing validation wrapper")
	}

	argv := make([]string, len(v.command))
	for i, a := range v.command {
		a = strings.ReplaceAll(a, configPlaceholder, mainConf)
		argv[i] = strings.ReplaceAll(a, snippetPlaceholder, snippet)
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err = cmd.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return model.NewFailure(model.InvalidConfig, errors.Errorf("%s rejected %s v%d: %s", argv[0], cfg.Domain, cfg.Version, strings.TrimSpace(out.String())))
	}
	if err != nil {
		return errors.Wrapf(err, "while running %s", argv[0])
	}
	return nil
}
