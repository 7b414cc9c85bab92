package model

import (
	"strconv"
	"time"
)

type State string

const (
	StateIdle        State = "Idle"
	StateProbing     State = "Probing"
	StateAcquiring   State = "Acquiring"
	StateRendering   State = "Rendering"
	StateActivating  State = "Activating"
	StateVerifying   State = "Verifying"
	StateCommitted   State = "Committed"
	StateRollingBack State = "RollingBack"
	StateFailed      State = "Failed"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateFailed
}

// Result is the single structured outcome of a lifecycle run.
type Result struct {
	RunID         string
	Domain        string
	State         State
	Reason        Reason
	Err           error
	At            time.Time
	RolledBack    bool
	Certificate   *Certificate
	Configuration *Configuration
}

func (r Result) ExitCode() int {
	if r.State == StateCommitted {
		return 0
	}
	return r.Reason.ExitCode()
}

// StatusLine is the human readable one-liner printed by the CLI.
func (r Result) StatusLine() string {
	line := r.Domain + ": " + string(r.State)
	if r.State != StateCommitted {
		line += "(" + string(r.Reason) + ")"
	}
	if r.Configuration != nil && r.State == StateCommitted {
		line += " config=v" + strconv.Itoa(r.Configuration.Version)
	}
	if r.Certificate != nil && r.State == StateCommitted {
		line += " expires=" + r.Certificate.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if r.RolledBack {
		line += " rolled-back"
	}
	return line + " at " + r.At.UTC().Format(time.RFC3339)
}
