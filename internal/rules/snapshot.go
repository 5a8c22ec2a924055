// Package rules compiles stored billing rules into an immutable snapshot and
// evaluates claims against it.
package rules

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dental-clinic-os/receiptcheck/internal/domain"
)

// DefaultConsultationPrefixes is the visit-only code family used by no_procedure.
var DefaultConsultationPrefixes = []string{"A0"}

// CompiledRule is an active calculation rule with its condition decoded.
type CompiledRule struct {
	ID         string
	Type       RuleType
	SourceCode string
	TargetCode string
	Condition  Condition
	Level      domain.ErrorLevel
	Message    string
	LegalBasis string
}

// SkippedRule records an active rule that could not be used.
type SkippedRule struct {
	ID       string `json:"id"`
	RuleType string `json:"ruleType"`
	Reason   string `json:"reason"`
}

// Snapshot is the read-only rule set for one checking session.
type Snapshot struct {
	Rules                []CompiledRule
	Requirements         []domain.DiagnosisRequirement
	Skipped              []SkippedRule
	ConsultationPrefixes []string
	CompiledAt           time.Time
}

// Compile builds a snapshot from raw rows. Inactive rows are dropped; rows
// with an unknown type or an invalid expression are logged and recorded in
// Skipped. Input order is preserved.
func Compile(rules []*domain.CalculationRule, reqs []*domain.DiagnosisRequirement, consultationPrefixes []string) (*Snapshot, error) {
	env, err := newExpressionEnv()
	if err != nil {
		return nil, err
	}

	if len(consultationPrefixes) == 0 {
		consultationPrefixes = DefaultConsultationPrefixes
	}

	snap := &Snapshot{
		Rules:                make([]CompiledRule, 0, len(rules)),
		Requirements:         make([]domain.DiagnosisRequirement, 0, len(reqs)),
		ConsultationPrefixes: append([]string(nil), consultationPrefixes...),
		CompiledAt:           time.Now(),
	}

	for _, r := range rules {
		if r == nil || !r.Active {
			continue
		}

		rt := RuleType(r.RuleType)
		if _, ok := evaluators[rt]; !ok {
			snap.skip(r, fmt.Sprintf("unknown rule type %q", r.RuleType))
			continue
		}

		var cond Condition = NoCondition{}
		switch rt {
		case RuleFrequencyMonth:
			cond = decodeFrequency(r.Condition)
		case RuleRequiresOther:
			cond = decodeRequiresOther(r.Condition)
		case RuleExpression:
			expr, err := compileExpression(env, r)
			if err != nil {
				snap.skip(r, err.Error())
				continue
			}
			cond = expr
		}

		snap.Rules = append(snap.Rules, CompiledRule{
			ID:         r.ID,
			Type:       rt,
			SourceCode: r.SourceCode,
			TargetCode: r.TargetCode,
			Condition:  cond,
			Level:      r.ErrorLevel,
			Message:    r.Message,
			LegalBasis: r.LegalBasis,
		})
	}

	for _, q := range reqs {
		if q == nil || !q.Active {
			continue
		}
		snap.Requirements = append(snap.Requirements, *q)
	}

	return snap, nil
}

func (s *Snapshot) skip(r *domain.CalculationRule, reason string) {
	slog.Warn("skipping calculation rule",
		"rule_id", r.ID,
		"rule_type", r.RuleType,
		"reason", reason,
	)
	s.Skipped = append(s.Skipped, SkippedRule{ID: r.ID, RuleType: r.RuleType, Reason: reason})
}

// RuleCount returns the number of usable calculation rules and requirements.
func (s *Snapshot) RuleCount() int {
	if s == nil {
		return 0
	}
	return len(s.Rules) + len(s.Requirements)
}
