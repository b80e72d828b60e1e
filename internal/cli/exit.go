package cli

import (
	"fmt"

	"github.com/agentsh/execgate/internal/approvals"
)

// Process exit codes for check and analyze.
const (
	ExitAllowed = 0
	ExitFailure = 1
	ExitDenied  = 2
	ExitPending = 3
)

// ExitError is returned by commands that want to control the process exit code
// without necessarily printing an additional error message.
type ExitError struct {
	code    int
	message string
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.message != "" {
		return e.message
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *ExitError) Code() int {
	if e == nil {
		return ExitFailure
	}
	return e.code
}

func (e *ExitError) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// outcomeError maps a ticket to the exit code for its outcome; nil means
// allowed. The outcome line is already on stdout, so the error is silent.
func outcomeError(t approvals.Ticket) error {
	switch t.Outcome {
	case approvals.OutcomeAllowed:
		return nil
	case approvals.OutcomeDenied:
		return &ExitError{code: ExitDenied}
	default:
		return &ExitError{code: ExitPending}
	}
}
