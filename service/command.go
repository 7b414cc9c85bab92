package service

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/model"
)

// Command controls the proxy through external commands, e.g. `nginx -s reload`.
type Command struct {
	journal
	start, stop, reload, status []string
	validator                   validator
	logger                      *zap.SugaredLogger
}

var _ Controller = &Command{}

func NewCommand(appCtx appcontext.AppContext) *Command {
	s := appCtx.Settings
	logger := appCtx.Logger.With("process", "service", "backend", "command")
	return &Command{
		journal:   journal{clock: appCtx.Clock},
		start:     s.StartCommand,
		stop:      s.StopCommand,
		reload:    s.ReloadCommand,
		status:    s.StatusCommand,
		validator: validator{command: s.ValidateCommand, logger: logger},
		logger:    logger,
	}
}

func (c *Command) Stop(ctx context.Context) error {
	return c.transition(ctx, "stop", c.stop)
}

func (c *Command) Start(ctx context.Context) error {
	return c.transition(ctx, "start", c.start)
}

func (c *Command) Reload(ctx context.Context) error {
	return c.transition(ctx, "reload", c.reload)
}

func (c *Command) IsHealthy(ctx context.Context) bool {
	if len(c.status) == 0 {
		return false
	}
	_, err := run(ctx, c.status)
	return err == nil
}

func (c *Command) ValidateConfig(ctx context.Context, cfg *model.Configuration) error {
	started := c.clock.Now()
	err := c.validator.validate(ctx, cfg)
	c.record("validate "+cfg.Domain, started, err)
	return err
}

func (c *Command) transition(ctx context.Context, action string, argv []string) error {
	started := c.clock.Now()
	logger := c.logger.With("action", action, "at", started)

	if len(argv) == 0 {
		err := errors.Errorf("no %s command configured", action)
		c.record(action, started, err)
		return err
	}

	out, err := run(ctx, argv)
	c.record(action, started, err)
	if err != nil {
		logger.With("error", err, "output", out).Error("proxy transition failed")
		return errors.Wrapf(err, "while running %s command", action)
	}
	logger.Info("proxy transition")
	return nil
}

func run(ctx context.Context, argv []string) (string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return strings.TrimSpace(out.String()), err
}
