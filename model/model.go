package model

import (
	"time"

	"github.com/pkg/errors"
)

type Strategy string

const (
	// StrategyAuto lets the orchestrator pick webroot or standalone.
	StrategyAuto       Strategy = ""
	StrategyStandalone Strategy = "standalone"
	StrategyWebroot    Strategy = "webroot"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyAuto, StrategyStandalone, StrategyWebroot:
		return Strategy(s), nil
	}
	return StrategyAuto, NewFailure(Internal, errors.Errorf("unknown challenge strategy %q", s))
}

// Domain is identified by Name. Only CertRef changes after registration.
type Domain struct {
	Name     string   `yaml:"name"`
	Strategy Strategy `yaml:"strategy,omitempty"`
	CertRef  string   `yaml:"cert_ref,omitempty"`
}

type CertStatus string

const (
	CertValid    CertStatus = "valid"
	CertExpiring CertStatus = "expiring"
	CertExpired  CertStatus = "expired"
	CertPending  CertStatus = "pending"
)

type Certificate struct {
	Domain        string
	Ref           string
	FullchainPath string
	PrivkeyPath   string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Status        CertStatus
}

// StatusAt derives the status of the certificate at now, given the renewal window.
func (c *Certificate) StatusAt(now time.Time, window time.Duration) CertStatus {
	switch {
	case c.ExpiresAt.IsZero():
		return CertPending
	case !now.Before(c.ExpiresAt):
		return CertExpired
	case c.ExpiresAt.Sub(now) <= window:
		return CertExpiring
	}
	return CertValid
}

type Configuration struct {
	Version      int       `yaml:"version"`
	Domain       string    `yaml:"domain"`
	CertRef      string    `yaml:"cert_ref"`
	Active       bool      `yaml:"active"`
	Verified     bool      `yaml:"verified"`
	VerifiedAt   time.Time `yaml:"verified_at,omitempty"`
	CreatedAt    time.Time `yaml:"created_at"`
	RenderedText string    `yaml:"-"`
}

type RenewalLock struct {
	Domain     string    `json:"domain"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

type LifecycleRun struct {
	ID        string
	Domain    string
	State     State
	StartedAt time.Time
	LastError error
}
