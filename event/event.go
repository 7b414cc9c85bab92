package event

import "github.com/numtide/certpilot/model"

type EventType int

const (
	Committed EventType = iota
	Failed
	// Removed ends the agent of a domain.
	Removed
)

type Event struct {
	Type   EventType
	Result model.Result
}

// FromResult turns the terminal result of a run into an event.
func FromResult(res model.Result) Event {
	t := Failed
	if res.State == model.StateCommitted {
		t = Committed
	}
	return Event{Type: t, Result: res}
}

func (e Event) Domain() string {
	return e.Result.Domain
}
