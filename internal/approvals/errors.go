package approvals

import "errors"

var (
	// ErrRegistrationFailed wraps any failure to register a request. The
	// command must not run.
	ErrRegistrationFailed = errors.New("approval registration failed")
	// ErrDecisionTimeout means no decision arrived within the wait bound.
	ErrDecisionTimeout = errors.New("approval decision timeout")
	ErrUnknownRequest   = errors.New("unknown approval request")
	ErrAlreadyResolved  = errors.New("approval request already resolved")
	ErrDuplicateRequest = errors.New("duplicate approval request")
	ErrExpired          = errors.New("approval request expired")
)
