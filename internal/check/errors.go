package check

import "errors"

var (
	// ErrRuleSnapshot means the rule set could not be loaded. Checking
	// never proceeds with a partial or empty rule set in that case.
	ErrRuleSnapshot = errors.New("rule snapshot unavailable")

	ErrNotLoaded     = errors.New("no month loaded")
	ErrClaimNotFound = errors.New("claim not in session")

	// ErrSuperseded means a newer Load or RecheckAll replaced the operation's data.
	ErrSuperseded = errors.New("superseded by a newer operation")
)

// OperationError records which session operation failed.
type OperationError struct {
	Op       string
	ClinicID string
	Err      error
}

func (e *OperationError) Error() string {
	return "check " + e.Op + " (clinic " + e.ClinicID + "): " + e.Err.Error()
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
