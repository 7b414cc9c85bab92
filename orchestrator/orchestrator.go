package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/certmanager"
	"github.com/numtide/certpilot/event"
	"github.com/numtide/certpilot/generator"
	"github.com/numtide/certpilot/health"
	"github.com/numtide/certpilot/hooks"
	"github.com/numtide/certpilot/lock"
	"github.com/numtide/certpilot/metrics"
	"github.com/numtide/certpilot/model"
	"github.com/numtide/certpilot/registry"
	"github.com/numtide/certpilot/rollback"
	"github.com/numtide/certpilot/service"
	"github.com/numtide/certpilot/store"
)

type Mode string

const (
	ModeIssue Mode = "issue"
	ModeRenew Mode = "renew"
)

type Request struct {
	Domain   string
	Strategy model.Strategy
	Mode     Mode
	// Force acquires a new certificate even when the current one is still valid.
	Force bool
}

type Prober interface {
	Probe(ctx context.Context, domain string, strategy model.Strategy) error
}

type Verifier interface {
	Verify(ctx context.Context, domain, scheme string) error
}

// Deps are the collaborators of a run. Metrics and Events are optional.
type Deps struct {
	Locker    *lock.Locker
	Registry  *registry.Registry
	Store     *store.Store
	Prober    Prober
	Certs     appcontext.CertManager
	Generator *generator.Generator
	Proxy     service.Controller
	Verifier  Verifier
	Metrics   *metrics.Metrics
	Events    chan<- event.Event
}

// Orchestrator drives one domain at a time through probe, acquisition, rendering, activation
// and verification, rolling back when the activated configuration turns out unhealthy.
type Orchestrator struct {
	Deps
	hooks    *hooks.Hooks
	rollback *rollback.Manager

	historyLimit    int
	keepCerts       int
	rollbackTimeout time.Duration

	appCtx appcontext.AppContext
	logger *zap.SugaredLogger
}

func New(appCtx appcontext.AppContext, deps Deps) *Orchestrator {
	h := hooks.New(appCtx, deps.Proxy)
	return &Orchestrator{
		Deps:            deps,
		hooks:           h,
		rollback:        rollback.New(appCtx, deps.Store, deps.Certs, h, deps.Proxy, deps.Verifier),
		historyLimit:    appCtx.Settings.HistoryLimit,
		keepCerts:       appCtx.Settings.KeepCerts,
		rollbackTimeout: appCtx.Settings.HealthTimeout + time.Minute,
		appCtx:          appCtx,
		logger:          appCtx.Logger.With("process", "orchestrator"),
	}
}

// run is the state of a single lifecycle run.
type run struct {
	model.LifecycleRun
	req    Request
	logger *zap.SugaredLogger

	strategy     model.Strategy
	registered   string
	current      *model.Certificate
	cert         *model.Certificate
	prevActive   *model.Configuration
	lastVerified *model.Configuration
	candidate    *model.Configuration

	// proxyStopped is set while the proxy is down for a standalone challenge.
	proxyStopped bool
	proxyLock    *lock.Lock
}

func (r *run) transition(to model.State) {
	r.logger.With("from", r.State, "to", to).Info("state transition")
	r.State = to
}

// Run executes one lifecycle run and always returns its terminal result.
func (o *Orchestrator) Run(ctx context.Context, req Request) model.Result {
	started := o.appCtx.Clock.Now()
	r := &run{
		LifecycleRun: model.LifecycleRun{
			ID:        uuid.NewString(),
			Domain:    req.Domain,
			State:     model.StateIdle,
			StartedAt: started,
		},
		req: req,
	}
	r.logger = o.logger.With("domain", req.Domain, "run", r.ID, "mode", req.Mode)

	res := o.execute(ctx, r)
	res.RunID = r.ID
	res.Domain = req.Domain
	res.At = o.appCtx.Clock.Now().UTC()

	o.report(r, res, res.At.Sub(started))
	return res
}

func (o *Orchestrator) execute(ctx context.Context, r *run) model.Result {
	if err := registry.ValidateName(r.Domain); err != nil {
		return o.fail(ctx, r, model.NewFailure(model.Internal, err))
	}

	// Idle -> Probing requires the renewal lock.
	lk, err := o.Locker.Acquire(ctx, r.Domain, r.ID)
	if err != nil {
		return o.fail(ctx, r, err)
	}
	defer func() {
		if err := lk.Release(); err != nil {
			r.logger.With("error", err).Warn("while releasing renewal lock")
		}
	}()
	defer o.releaseProxy(r)

	if dl := lk.Deadline(); !dl.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dl.Sub(o.appCtx.Clock.Now()))
		defer cancel()
	}

	if err := o.load(ctx, r); err != nil {
		return o.fail(ctx, r, err)
	}

	r.transition(model.StateProbing)
	if err := o.obtain(ctx, r); err != nil {
		return o.abort(ctx, r, err)
	}

	if err := checkpoint(ctx); err != nil {
		return o.abort(ctx, r, err)
	}
	r.transition(model.StateRendering)
	if err := o.render(ctx, r); err != nil {
		return o.abort(ctx, r, err)
	}

	if err := checkpoint(ctx); err != nil {
		return o.abort(ctx, r, err)
	}
	if r.proxyLock == nil {
		if r.proxyLock, err = o.Locker.AcquireProxy(ctx, r.ID); err != nil {
			return o.abort(ctx, r, err)
		}
	}

	// From here on the live service has been touched; every failure goes through rollback.
	r.transition(model.StateActivating)
	if err := o.activate(ctx, r); err != nil {
		return o.rollBack(ctx, r, err)
	}

	if err := checkpoint(ctx); err != nil {
		return o.rollBack(ctx, r, err)
	}
	r.transition(model.StateVerifying)
	if err := o.Verifier.Verify(ctx, r.Domain, health.SchemeHTTPS); err != nil {
		return o.rollBack(ctx, r, err)
	}

	if err := o.commit(r); err != nil {
		return o.rollBack(ctx, r, err)
	}
	return o.committed(r)
}

// load collects the state the run starts from and settles the challenge strategy.
func (o *Orchestrator) load(ctx context.Context, r *run) error {
	dom, err := o.Registry.Register(r.Domain, r.req.Strategy)
	if err != nil {
		return err
	}

	r.registered = dom.CertRef
	if dom.CertRef != "" {
		r.current, err = o.Certs.Load(r.Domain, dom.CertRef)
		if errors.Is(err, certmanager.ErrCertificateNotFound) {
			r.logger.With("ref", dom.CertRef).Warn("registered certificate is missing")
			r.current, err = nil, nil
		}
		if err != nil {
			return err
		}
	}

	if r.prevActive, err = o.Store.Active(r.Domain); err != nil {
		return err
	}
	if r.lastVerified, err = o.Store.LastVerified(r.Domain); err != nil {
		return err
	}

	r.strategy = o.selectStrategy(ctx, r.req.Strategy, dom, r.prevActive)
	r.logger = r.logger.With("strategy", r.strategy)
	return nil
}

// selectStrategy: explicit request, then a registered webroot, then webroot whenever a healthy
// proxy already serves a verified configuration for this domain. Standalone is left for
// bootstrap and for a proxy that is down, whatever strategy the domain was first issued with.
func (o *Orchestrator) selectStrategy(ctx context.Context, requested model.Strategy, dom *model.Domain, active *model.Configuration) model.Strategy {
	if requested != model.StrategyAuto {
		return requested
	}
	if dom.Strategy == model.StrategyWebroot {
		return model.StrategyWebroot
	}
	if active != nil && active.Verified && o.Proxy.IsHealthy(ctx) {
		return model.StrategyWebroot
	}
	return model.StrategyStandalone
}

// obtain covers Probing and Acquiring. A renewal keeps a certificate that is still valid unless
// forced, which makes repeated renewals converge on the same configuration.
func (o *Orchestrator) obtain(ctx context.Context, r *run) error {
	if r.req.Mode == ModeRenew && !r.req.Force && r.current != nil && r.current.Status == model.CertValid {
		r.logger.With("ref", r.current.Ref, "expiresAt", r.current.ExpiresAt).Info("certificate still valid, reusing it")
		r.cert = r.current
		return nil
	}

	if err := o.Prober.Probe(ctx, r.Domain, r.strategy); err != nil {
		return err
	}

	if err := checkpoint(ctx); err != nil {
		return err
	}
	r.transition(model.StateAcquiring)

	if r.strategy == model.StrategyStandalone {
		lk, err := o.Locker.AcquireProxy(ctx, r.ID)
		if err != nil {
			return err
		}
		r.proxyLock = lk
		if r.proxyStopped, err = o.hooks.Pre(ctx, r.strategy); err != nil {
			return err
		}
	}

	cert, err := o.Certs.Acquire(ctx, r.Domain, r.strategy)
	if err != nil {
		return err
	}
	r.cert = cert
	return nil
}

// render produces the candidate configuration and has the proxy check it. Only a configuration
// that passed the check is stored.
func (o *Orchestrator) render(ctx context.Context, r *run) error {
	tmpl, err := o.Store.Template()
	if err != nil {
		return err
	}
	cfg, err := o.Generator.Render(tmpl, r.Domain, r.cert)
	if err != nil {
		return err
	}
	if err := o.Proxy.ValidateConfig(ctx, cfg); err != nil {
		return err
	}
	saved, err := o.Store.Save(cfg)
	if err != nil {
		return err
	}
	r.candidate = saved
	r.logger.With("version", saved.Version).Debug("candidate configuration stored")
	return nil
}

func (o *Orchestrator) activate(ctx context.Context, r *run) error {
	if err := o.Store.Activate(r.candidate); err != nil {
		return err
	}
	if _, err := o.hooks.Post(ctx, r.cert); err != nil {
		return err
	}
	r.proxyStopped = false
	return nil
}

// commit records the verified configuration and its certificate. Either both are recorded or
// neither is, so the registry never points at a certificate the store cannot roll back to.
func (o *Orchestrator) commit(r *run) error {
	if err := o.Registry.SetCertRef(r.Domain, r.cert.Ref); err != nil {
		return model.NewFailure(model.Internal, errors.Wrap(err, "while recording certificate reference"))
	}
	if err := o.Store.MarkVerified(r.candidate); err != nil {
		if rerr := o.Registry.SetCertRef(r.Domain, r.registered); rerr != nil {
			r.logger.With("error", rerr, "ref", r.registered).Error("while restoring certificate reference")
		}
		return model.NewFailure(model.Internal, errors.Wrap(err, "while recording verification"))
	}
	return nil
}

func (o *Orchestrator) committed(r *run) model.Result {
	r.transition(model.StateCommitted)

	// The previous configuration and certificate are no longer needed for rollback.
	if err := o.Store.Prune(r.Domain, o.historyLimit); err != nil {
		r.logger.With("error", err).Warn("while pruning configuration history")
	}
	keep := []string{r.cert.Ref}
	if r.lastVerified != nil {
		keep = append(keep, r.lastVerified.CertRef)
	}
	if err := o.Certs.Prune(r.Domain, keep, o.keepCerts); err != nil {
		r.logger.With("error", err).Warn("while pruning certificate sets")
	}

	return model.Result{
		State:         model.StateCommitted,
		Certificate:   r.cert,
		Configuration: r.candidate,
	}
}

// abort ends a run that failed before activation. The live configuration is untouched; a proxy
// stopped for a standalone challenge is brought back.
func (o *Orchestrator) abort(ctx context.Context, r *run, err error) model.Result {
	if r.proxyStopped {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.rollbackTimeout)
		if serr := o.Proxy.Start(rctx); serr != nil {
			r.logger.With("error", serr).Error("while restarting proxy after standalone challenge")
			err = model.NewFailure(model.RollbackFailed, errors.Wrapf(serr, "proxy stays down after %v", err))
		} else {
			r.proxyStopped = false
		}
		cancel()
	}
	return o.fail(ctx, r, err)
}

// rollBack handles failures after activation, including cancellation and a commit that could
// not be recorded.
func (o *Orchestrator) rollBack(ctx context.Context, r *run, cause error) model.Result {
	reason := model.ActivationUnhealthy
	var f *model.Failure
	if errors.As(cause, &f) && f.Reason == model.Internal {
		reason = model.Internal
	}
	if ctx.Err() != nil {
		reason = model.Canceled
	}
	r.logger.With("error", cause, "reason", reason).Warn("activation failed, rolling back")
	r.transition(model.StateRollingBack)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.rollbackTimeout)
	defer cancel()

	err := o.rollback.Restore(rctx, r.Domain, r.lastVerified)
	switch {
	case err == nil:
		r.transition(model.StateFailed)
		return model.Result{
			State:         model.StateFailed,
			Reason:        reason,
			Err:           cause,
			RolledBack:    true,
			Certificate:   r.current,
			Configuration: r.lastVerified,
		}
	case errors.Is(err, rollback.ErrNoPrevious):
		r.transition(model.StateFailed)
		return model.Result{
			State:  model.StateFailed,
			Reason: reason,
			Err:    errors.Wrap(cause, "no previous configuration to restore"),
		}
	}

	r.logger.With("error", err).Error("rollback failed, manual intervention required")
	r.transition(model.StateFailed)
	return model.Result{
		State:  model.StateFailed,
		Reason: model.RollbackFailed,
		Err:    errors.Wrapf(err, "after %v", cause),
	}
}

func (o *Orchestrator) fail(ctx context.Context, r *run, err error) model.Result {
	reason := model.ReasonOf(err)
	if ctx.Err() != nil && reason != model.RollbackFailed {
		reason = model.Canceled
	}
	r.LastError = err
	r.transition(model.StateFailed)
	return model.Result{
		State:         model.StateFailed,
		Reason:        reason,
		Err:           err,
		Certificate:   r.current,
		Configuration: r.prevActive,
	}
}

func (o *Orchestrator) releaseProxy(r *run) {
	if r.proxyLock == nil {
		return
	}
	if err := r.proxyLock.Release(); err != nil {
		r.logger.With("error", err).Warn("while releasing proxy lock")
	}
}

func (o *Orchestrator) report(r *run, res model.Result, took time.Duration) {
	logger := r.logger.With("state", res.State, "took", took)
	switch {
	case res.State == model.StateCommitted:
		logger.With("version", res.Configuration.Version, "ref", res.Certificate.Ref).Info("run committed")
	case res.Reason == model.RollbackFailed || res.Reason == model.Internal:
		logger.With("reason", res.Reason, "error", res.Err).Error("run failed")
	default:
		logger.With("reason", res.Reason, "error", res.Err, "rolledBack", res.RolledBack).Warn("run failed")
	}

	if o.Metrics != nil {
		o.Metrics.ObserveResult(res, took)
	}
	if o.Events != nil {
		o.Events <- event.FromResult(res)
	}
}

// checkpoint is where a run observes cancellation between states.
func checkpoint(ctx context.Context) error {
	return ctx.Err()
}
