package model

import (
	"github.com/pkg/errors"
)

// Reason classifies why a lifecycle run did not commit.
type Reason string

const (
	NoReason                Reason = ""
	DomainNotReady          Reason = "DomainNotReady"
	ChallengeRoutingMissing Reason = "ChallengeRoutingMissing"
	AcquisitionFailed       Reason = "AcquisitionFailed"
	InvalidConfig           Reason = "InvalidConfig"
	ActivationUnhealthy     Reason = "ActivationUnhealthy"
	RollbackFailed          Reason = "RollbackFailed"
	LockHeld                Reason = "LockHeld"
	Canceled                Reason = "Canceled"
	Internal                Reason = "Internal"
)

var exitCodes = map[Reason]int{
	Internal:                1,
	DomainNotReady:          10,
	ChallengeRoutingMissing: 11,
	AcquisitionFailed:       12,
	InvalidConfig:           13,
	ActivationUnhealthy:     14,
	RollbackFailed:          15,
	LockHeld:                16,
	Canceled:                17,
}

func (r Reason) ExitCode() int {
	if c, ok := exitCodes[r]; ok {
		return c
	}
	return 1
}

// Retryable reports whether the same run may succeed later without operator action.
func (r Reason) Retryable() bool {
	switch r {
	case DomainNotReady, LockHeld, Canceled, ActivationUnhealthy:
		return true
	}
	return false
}

// Failure carries a Reason through error wrapping.
type Failure struct {
	Reason Reason
	Err    error
}

func NewFailure(reason Reason, err error) *Failure {
	if err == nil {
		err = errors.New(string(reason))
	}
	return &Failure{Reason: reason, Err: err}
}

func (f *Failure) Error() string {
	return string(f.Reason) + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Is matches any *Failure with the same reason, so errors.Is(err, ErrLockHeld) works.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	if !ok {
		return false
	}
	return t.Reason == f.Reason
}

var (
	ErrDomainNotReady          = &Failure{Reason: DomainNotReady, Err: errors.New("domain not ready")}
	ErrChallengeRoutingMissing = &Failure{Reason: ChallengeRoutingMissing, Err: errors.New("challenge path not routed")}
	ErrAcquisitionFailed       = &Failure{Reason: AcquisitionFailed, Err: errors.New("acquisition failed")}
	ErrInvalidConfig           = &Failure{Reason: InvalidConfig, Err: errors.New("invalid configuration")}
	ErrActivationUnhealthy     = &Failure{Reason: ActivationUnhealthy, Err: errors.New("activation unhealthy")}
	ErrRollbackFailed          = &Failure{Reason: RollbackFailed, Err: errors.New("rollback failed")}
	ErrLockHeld                = &Failure{Reason: LockHeld, Err: errors.New("lock held")}
)

// ReasonOf extracts the Reason of err, falling back to Internal.
func ReasonOf(err error) Reason {
	if err == nil {
		return NoReason
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return Internal
}
