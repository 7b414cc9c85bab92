package dispatcher_test

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/dispatcher"
	"github.com/numtide/certpilot/event"
	"github.com/numtide/certpilot/model"
	"github.com/numtide/certpilot/publisher"
)

type sink struct {
	mu        sync.Mutex
	published []string
}

func (s *sink) Name() string { return "test" }

func (s *sink) Publish(_ context.Context, cert *model.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, cert.Domain+"@"+cert.Ref)
	return nil
}

func committed(domain, ref string) event.Event {
	return event.FromResult(model.Result{
		Domain:      domain,
		State:       model.StateCommitted,
		Certificate: &model.Certificate{Domain: domain, Ref: ref},
	})
}

func TestDispatchFansOutPerDomain(t *testing.T) {
	s := &sink{}
	ch := make(chan event.Event)
	done := make(chan struct{})
	go func() {
		dispatcher.Dispatch(ch, appcontext.AppContext{Logger: zap.NewNop().Sugar()}, []publisher.Sink{s})
		close(done)
	}()

	ch <- committed("a.example.test", "r1")
	ch <- committed("b.example.test", "r1")
	ch <- event.Event{Type: event.Removed, Result: model.Result{Domain: "a.example.test"}}
	ch <- committed("a.example.test", "r1")
	ch <- committed("b.example.test", "r1")
	close(ch)
	<-done

	sort.Strings(s.published)
	assert.Equal(t, []string{
		"a.example.test@r1",
		"a.example.test@r1",
		"b.example.test@r1",
	}, s.published, "a removed domain starts over with a fresh agent")
}
