package dispatcher

import (
	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/event"
	"github.com/numtide/certpilot/publisher"
)

type agent struct {
	domain string
	ch     chan event.Event
	closed bool
}

func (a *agent) close() {
	if !a.closed {
		close(a.ch)
		a.closed = true
	}
}

// Dispatch fans run results out to one publisher agent per domain. It returns once ch is closed
// and every agent has finished.
func Dispatch(ch chan event.Event, appCtx appcontext.AppContext, sinks []publisher.Sink) {

	agents := map[string]*agent{}
	running := 0

	shutdownChan := make(chan *agent)

	defer func() {
		for _, a := range agents {
			a.close()
		}
		for ; running > 0; running-- {
			<-shutdownChan
		}
	}()

eventLoop:
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			key := ev.Domain()
			ag, found := agents[key]
			switch ev.Type {
			case event.Committed, event.Failed:
				if !found {
					ag = &agent{domain: key, ch: make(chan event.Event)}
					a := ag
					go publisher.Process(a.ch, appCtx, sinks, func() { shutdownChan <- a })
					agents[key] = ag
					running++
				}
			case event.Removed:
				if found {
					ag.close()
					delete(agents, key)
				}
				continue eventLoop
			}
			appCtx.Logger.With("domain", key, "state", ev.Result.State).Debug("sending event")
			ag.ch <- ev
		case a := <-shutdownChan:
			running--
			if agents[a.domain] == a {
				a.close()
				delete(agents, a.domain)
			}
			appCtx.Logger.With("domain", a.domain).Debug("publisher agent terminated")
		}
	}
}
