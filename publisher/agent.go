package publisher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/event"
	"github.com/numtide/certpilot/model"
)

const publishTimeout = 30 * time.Second

// Sink receives every newly committed certificate of a domain.
type Sink interface {
	Name() string
	Publish(ctx context.Context, cert *model.Certificate) error
}

type domainState struct {
	domain string
	sinks  []Sink

	// published maps a sink name to the certificate ref it last accepted.
	published map[string]string

	logger *zap.SugaredLogger
}

func newDomainState(domain string, appCtx appcontext.AppContext, sinks []Sink) *domainState {
	return &domainState{
		domain:    domain,
		sinks:     sinks,
		published: map[string]string{},
		logger:    appCtx.Logger.With("process", "publisher", "domain", domain),
	}
}

func (s *domainState) update(ev event.Event) {
	res := ev.Result
	switch ev.Type {
	case event.Failed:
		logger := s.logger.With("reason", res.Reason, "rolledBack", res.RolledBack)
		if res.Reason == model.RollbackFailed {
			logger.With("error", res.Err).Error("run left the domain in an unknown state")
		} else {
			logger.Debug("run did not commit, nothing to publish")
		}
		return
	case event.Committed:
	default:
		return
	}

	if res.Certificate == nil {
		s.logger.Warn("committed run without certificate")
		return
	}
	s.publish(res.Certificate)
}

func (s *domainState) publish(cert *model.Certificate) {
	for _, sink := range s.sinks {
		logger := s.logger.With("sink", sink.Name(), "ref", cert.Ref)
		if s.published[sink.Name()] == cert.Ref {
			logger.Debug("certificate already published")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := sink.Publish(ctx, cert)
		cancel()

		if err != nil {
			logger.With("error", err).Error("while publishing certificate")
			continue
		}
		s.published[sink.Name()] = cert.Ref
		logger.Info("certificate published")
	}
}

// Process publishes the certificates of one domain until input is closed.
func Process(input chan event.Event, appCtx appcontext.AppContext, sinks []Sink, terminate func()) {

	defer terminate()

	initial, ok := <-input
	if !ok {
		return
	}

	state := newDomainState(initial.Domain(), appCtx, sinks)

	state.update(initial)

	for ev := range input {
		state.update(ev)
	}

}
