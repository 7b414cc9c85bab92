package service

import (
	"context"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/model"
)

const jobModeReplace = "replace"

// unitManager is the part of the systemd D-Bus API the controller uses.
type unitManager interface {
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	ReloadUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
}

// Systemd controls the proxy as a systemd unit over D-Bus.
type Systemd struct {
	journal
	conn      unitManager
	unit      string
	validator validator
	logger    *zap.SugaredLogger
}

var _ Controller = &Systemd{}

func NewSystemd(ctx context.Context, appCtx appcontext.AppContext) (*Systemd, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "while connecting to systemd")
	}
	return newSystemd(appCtx, conn), nil
}

func newSystemd(appCtx appcontext.AppContext, conn unitManager) *Systemd {
	logger := appCtx.Logger.With("process", "service", "backend", "systemd", "unit", appCtx.Settings.SystemdUnit)
	return &Systemd{
		journal:   journal{clock: appCtx.Clock},
		conn:      conn,
		unit:      appCtx.Settings.SystemdUnit,
		validator: validator{command: appCtx.Settings.ValidateCommand, logger: logger},
		logger:    logger,
	}
}

func (s *Systemd) Stop(ctx context.Context) error {
	return s.job(ctx, "stop", s.conn.StopUnitContext)
}

func (s *Systemd) Start(ctx context.Context) error {
	return s.job(ctx, "start", s.conn.StartUnitContext)
}

func (s *Systemd) Reload(ctx context.Context) error {
	return s.job(ctx, "reload", s.conn.ReloadUnitContext)
}

func (s *Systemd) IsHealthy(ctx context.Context) bool {
	props, err := s.conn.GetUnitPropertiesContext(ctx, s.unit)
	if err != nil {
		s.logger.With("error", err).Warn("while reading unit state")
		return false
	}
	state, _ := props["ActiveState"].(string)
	return state == "active"
}

func (s *Systemd) ValidateConfig(ctx context.Context, cfg *model.Configuration) error {
	started := s.clock.Now()
	err := s.validator.validate(ctx, cfg)
	s.record("validate "+cfg.Domain, started, err)
	return err
}

type jobFunc func(ctx context.Context, name string, mode string, ch chan<- string) (int, error)

func (s *Systemd) job(ctx context.Context, action string, fn jobFunc) error {
	started := s.clock.Now()
	logger := s.logger.With("action", action, "at", started)

	done := make(chan string, 1)
	_, err := fn(ctx, s.unit, jobModeReplace, done)
	if err == nil {
		select {
		case result := <-done:
			if result != "done" {
				err = errors.Errorf("%s job for %s finished with %q", action, s.unit, result)
			}
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	s.record(action, started, err)
	if err != nil {
		logger.With("error", err).Error("proxy transition failed")
		return errors.Wrapf(err, "while running %s job", action)
	}
	logger.Info("proxy transition")
	return nil
}
