package scheduler

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/event"
	"github.com/numtide/certpilot/model"
	"github.com/numtide/certpilot/orchestrator"
)

type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) model.Result
	Status() ([]orchestrator.DomainStatus, error)
}

// Scheduler renews registered domains on a cron schedule. Domains are handled one after the
// other; a domain whose lock is held is left for the next tick.
type Scheduler struct {
	runner Runner
	spec   string
	cron   *cron.Cron
	mu     sync.Mutex
	logger *zap.SugaredLogger

	events chan<- event.Event
	// known holds the domains seen on the previous tick.
	known map[string]bool
}

type Option func(*Scheduler)

// WithEvents sends a Removed event for every domain that left the registry between two ticks.
func WithEvents(ch chan<- event.Event) Option {
	return func(s *Scheduler) {
		s.events = ch
	}
}

func New(appCtx appcontext.AppContext, runner Runner, opts ...Option) (*Scheduler, error) {
	spec := appCtx.Settings.Schedule
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, errors.Wrapf(err, "while parsing schedule %q", spec)
	}

	logger := appCtx.Logger.With("process", "scheduler")
	cl := cronLogger{logger: logger}

	s := &Scheduler{
		runner: runner,
		spec:   spec,
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger: logger,
		known:  map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Tick renews every domain that has no usable certificate or is inside its renewal window and
// returns the results of the runs it started.
func (s *Scheduler) Tick(ctx context.Context) ([]model.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses, err := s.runner.Status()
	if err != nil {
		return nil, errors.Wrap(err, "while reading domain status")
	}
	s.forgetRemoved(statuses)

	var results []model.Result
	for _, st := range statuses {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}

		logger := s.logger.With("domain", st.Domain.Name)
		if !st.NeedsRenewal() {
			logger.With("expiresAt", st.Certificate.ExpiresAt).Debug("certificate valid, nothing to do")
			continue
		}

		logger.Info("renewal due")
		res := s.runner.Run(ctx, orchestrator.Request{Domain: st.Domain.Name, Mode: orchestrator.ModeRenew})
		results = append(results, res)

		if res.Reason == model.LockHeld {
			logger.Info("another run holds the lock, retrying next tick")
		}
	}
	return results, nil
}

func (s *Scheduler) forgetRemoved(statuses []orchestrator.DomainStatus) {
	current := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		current[st.Domain.Name] = true
	}
	for name := range s.known {
		if current[name] {
			continue
		}
		s.logger.With("domain", name).Info("domain no longer registered")
		if s.events != nil {
			s.events <- event.Event{Type: event.Removed, Result: model.Result{Domain: name}}
		}
	}
	s.known = current
}

// Start schedules ticks until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.Tick(ctx); err != nil {
			s.logger.With("error", err).Error("while running scheduled renewal")
		}
	})
	if err != nil {
		return errors.Wrap(err, "while scheduling renewals")
	}
	s.cron.Start()
	s.logger.With("schedule", s.spec).Info("scheduler started")
	return nil
}

// Stop prevents further ticks and waits for a running one to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

type cronLogger struct {
	logger *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.With("error", err).Errorw(msg, keysAndValues...)
}
