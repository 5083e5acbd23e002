package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/ledgerline/reconauth/internal/auth"
)

// ErrStorageUnavailable wraps every hard failure of the relational store or
// the cache. Callers must not treat it as an authentication outcome.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Service errors
var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrDeviceNotFound    = errors.New("trusted device not found")
	ErrMFAAlreadyEnabled = errors.New("MFA already enabled")
	ErrMFANotEnabled     = errors.New("MFA not enabled")
	ErrMFANotPending     = errors.New("MFA setup not started")
	ErrMFAInvalidCode    = errors.New("invalid MFA code")
	ErrInvalidPassword   = errors.New("invalid password")
	ErrPermissionDenied  = errors.New("permission denied")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

// FailureReason classifies an expected, caller-visible failure.
type FailureReason string

const (
	ReasonRateLimited        FailureReason = "rate_limited"
	ReasonInvalidCredentials FailureReason = "invalid_credentials"
	ReasonMFARequired        FailureReason = "mfa_required"
	ReasonMFAInvalid         FailureReason = "mfa_invalid"
	ReasonAccountLocked      FailureReason = "account_locked"
	ReasonAccountDisabled    FailureReason = "account_disabled"
	ReasonTokenExpired       FailureReason = "token_expired"
	ReasonTokenRevoked       FailureReason = "token_revoked"
	ReasonTokenInvalid       FailureReason = "token_invalid"
	ReasonPolicyViolation    FailureReason = "policy_violation"
)

// Failure describes why an operation was refused.
type Failure struct {
	Reason      FailureReason    `json:"reason"`
	RetryAfter  time.Duration    `json:"-"`
	LockedUntil *time.Time       `json:"lockedUntil,omitempty"`
	Violations  []auth.Violation `json:"violations,omitempty"`
	// AttemptsRemaining is set on credential failures close to a lockout.
	AttemptsRemaining int `json:"attemptsRemaining,omitempty"`
}

func (f *Failure) String() string {
	if f == nil {
		return "none"
	}
	return string(f.Reason)
}

// tokenFailure maps a token service error onto a Failure. Any other error is
// returned as a hard error.
func tokenFailure(err error) (*Failure, error) {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return &Failure{Reason: ReasonTokenExpired}, nil
	case errors.Is(err, auth.ErrTokenRevoked):
		return &Failure{Reason: ReasonTokenRevoked}, nil
	case errors.Is(err, auth.ErrTokenInvalid):
		return &Failure{Reason: ReasonTokenInvalid}, nil
	case errors.Is(err, auth.ErrRevocationUnavailable):
		return nil, unavailable("revocation check", err)
	}
	return nil, err
}
