package service

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/model"
)

// Controller drives the reverse proxy process shared by every domain.
type Controller interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
	// Reload applies the files on disk gracefully, without dropping in-flight requests.
	Reload(ctx context.Context) error
	IsHealthy(ctx context.Context) bool
	// ValidateConfig returns nil when cfg would be accepted by the proxy, an InvalidConfig
	// failure when it would not.
	ValidateConfig(ctx context.Context, cfg *model.Configuration) error
	Journal() []Transition
}

// New picks the controller backend named in the settings.
func New(ctx context.Context, appCtx appcontext.AppContext) (Controller, error) {
	switch appCtx.Settings.ServiceBackend {
	case "", "command":
		return NewCommand(appCtx), nil
	case "systemd":
		return NewSystemd(ctx, appCtx)
	}
	return nil, errors.Errorf("unknown service backend %q", appCtx.Settings.ServiceBackend)
}

type Transition struct {
	At       time.Time
	Action   string
	Duration time.Duration
	Err      string
}

// journal keeps the most recent transitions in memory for postmortems.
type journal struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries []Transition
}

const journalSize = 256

func (j *journal) record(action string, started time.Time, err error) {
	t := Transition{At: started, Action: action, Duration: j.clock.Since(started)}
	if err != nil {
		t.Err = err.Error()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, t)
	if len(j.entries) > journalSize {
		j.entries = j.entries[len(j.entries)-journalSize:]
	}
}

func (j *journal) Journal() []Transition {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Transition(nil), j.entries...)
}
