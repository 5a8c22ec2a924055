package domain

import (
	"time"
)

// CheckStatus is the display state of one claim in a checking session.
type CheckStatus string

const (
	StatusPending  CheckStatus = "pending"
	StatusChecking CheckStatus = "checking"
	StatusOK       CheckStatus = "ok"
	StatusWarn     CheckStatus = "warn"
	StatusError    CheckStatus = "error"
)

// Terminal reports whether evaluation of the claim has completed.
func (s CheckStatus) Terminal() bool {
	return s == StatusOK || s == StatusWarn || s == StatusError
}

// CheckResult is the session-scoped outcome for one claim.
type CheckResult struct {
	ClaimID     string      `json:"claimId"`
	PatientID   string      `json:"patientId"`
	PatientName string      `json:"patientName"`
	ClaimedAt   time.Time   `json:"claimedAt"`
	Status      CheckStatus `json:"status"`
	Errors      []string    `json:"errors"`
	Warnings    []string    `json:"warnings"`
	CheckedAt   *time.Time  `json:"checkedAt,omitempty"`
}

// StatusFor derives the terminal status: errors outrank warnings, which outrank ok.
func StatusFor(errors, warnings []string) CheckStatus {
	switch {
	case len(errors) > 0:
		return StatusError
	case len(warnings) > 0:
		return StatusWarn
	default:
		return StatusOK
	}
}

// Summary holds aggregate counts over a session's results.
type Summary struct {
	Total        int `json:"total"`
	Pending      int `json:"pending"`
	Checking     int `json:"checking"`
	OK           int `json:"ok"`
	Warn         int `json:"warn"`
	Error        int `json:"error"`
	SkippedRules int `json:"skippedRules"`
}

// Summarize counts results by status.
func Summarize(results []CheckResult) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case StatusPending:
			s.Pending++
		case StatusChecking:
			s.Checking++
		case StatusOK:
			s.OK++
		case StatusWarn:
			s.Warn++
		case StatusError:
			s.Error++
		}
	}
	return s
}
