package rules

import (
	"fmt"
	"math"
	"strings"

	"github.com/dental-clinic-os/receiptcheck/internal/domain"
)

// Outcome holds the ordered findings for one claim.
type Outcome struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Status derives the terminal status of the outcome.
func (o Outcome) Status() domain.CheckStatus {
	return domain.StatusFor(o.Errors, o.Warnings)
}

type input struct {
	claim     *domain.Claim
	diagnoses []*domain.Diagnosis
	scope     []*domain.Claim
	prefixes  []string
}

// evaluatorFunc returns one detail string per firing; "" means no detail.
type evaluatorFunc func(in *input, rule *CompiledRule) []string

var evaluators = map[RuleType]evaluatorFunc{
	RuleZeroPoints:       evalZeroPoints,
	RuleNoDiagnosis:      evalNoDiagnosis,
	RuleNoProcedure:      evalNoProcedure,
	RuleAllCured:         evalAllCured,
	RuleBurdenMismatch:   evalBurdenMismatch,
	RuleInsuranceMissing: evalInsuranceMissing,
	RuleCannotCombine:    evalCannotCombine,
	RuleFrequencyMonth:   evalFrequencyMonth,
	RuleToothConflict:    evalToothConflict,
	RuleRequiresOther:    evalRequiresOther,
	RuleExpression:       evalExpression,
}

// Supported reports whether a rule type has an evaluator.
func Supported(ruleType string) bool {
	_, ok := evaluators[RuleType(ruleType)]
	return ok
}

// Evaluate checks one claim. diagnoses are the patient's diagnoses and scope
// is the session's claim list used for cross-claim aggregation. It performs
// no I/O and never mutates its inputs.
func Evaluate(claim *domain.Claim, diagnoses []*domain.Diagnosis, scope []*domain.Claim, snap *Snapshot) Outcome {
	out := Outcome{Errors: []string{}, Warnings: []string{}}
	if claim == nil {
		return out
	}

	in := &input{claim: claim, diagnoses: diagnoses, scope: scope, prefixes: DefaultConsultationPrefixes}
	if snap != nil {
		if len(snap.ConsultationPrefixes) > 0 {
			in.prefixes = snap.ConsultationPrefixes
		}

		for i := range snap.Rules {
			rule := &snap.Rules[i]
			fn, ok := evaluators[rule.Type]
			if !ok {
				continue
			}
			for _, detail := range fn(in, rule) {
				out.add(rule.Level, formatIssue(rule.Message, detail, rule.LegalBasis))
			}
		}

		for i := range snap.Requirements {
			req := &snap.Requirements[i]
			if requirementFires(in, req) {
				out.add(req.ErrorLevel, formatIssue(req.Message, "", req.LegalBasis))
			}
		}
	}

	out.Warnings = append(out.Warnings, claim.AIWarnings...)
	return out
}

func (o *Outcome) add(level domain.ErrorLevel, msg string) {
	if level.IsError() {
		o.Errors = append(o.Errors, msg)
		return
	}
	o.Warnings = append(o.Warnings, msg)
}

func formatIssue(message, detail, legalBasis string) string {
	var b strings.Builder
	b.WriteString(message)
	if detail != "" {
		b.WriteString(" (")
		b.WriteString(detail)
		b.WriteString(")")
	}
	if legalBasis != "" {
		b.WriteString(" [")
		b.WriteString(legalBasis)
		b.WriteString("]")
	}
	return b.String()
}

// matchCode reports whether code equals pattern or starts with it.
func matchCode(code, pattern string) bool {
	return pattern != "" && strings.HasPrefix(code, pattern)
}

func hasLine(c *domain.Claim, pattern string) bool {
	for _, l := range c.Lines {
		if matchCode(l.Code, pattern) {
			return true
		}
	}
	return false
}

var fired = []string{""}

func evalZeroPoints(in *input, _ *CompiledRule) []string {
	if in.claim.TotalPoints <= 0 {
		return fired
	}
	return nil
}

func evalNoDiagnosis(in *input, _ *CompiledRule) []string {
	if len(in.diagnoses) == 0 {
		return fired
	}
	return nil
}

// evalNoProcedure fires when the claim has lines and all of them are consultation codes.
func evalNoProcedure(in *input, _ *CompiledRule) []string {
	if len(in.claim.Lines) == 0 {
		return nil
	}
	for _, l := range in.claim.Lines {
		consult := false
		for _, p := range in.prefixes {
			if matchCode(l.Code, p) {
				consult = true
				break
			}
		}
		if !consult {
			return nil
		}
	}
	return fired
}

func evalAllCured(in *input, _ *CompiledRule) []string {
	if len(in.diagnoses) == 0 || len(in.claim.Lines) == 0 {
		return nil
	}
	for _, d := range in.diagnoses {
		if d == nil || !d.Cured() {
			return nil
		}
	}
	return fired
}

func roundHalfUp(x float64) float64 {
	return math.Floor(x + 0.5)
}

// ExpectedBurden returns the copay for the given points and ratio, rounded to 10 yen.
func ExpectedBurden(points int, ratio float64) int {
	yen := roundHalfUp(float64(points*domain.YenPerPoint) * ratio)
	return int(roundHalfUp(yen/10)) * 10
}

func evalBurdenMismatch(in *input, _ *CompiledRule) []string {
	expected := ExpectedBurden(in.claim.TotalPoints, in.claim.BurdenRatio)
	actual := in.claim.PatientBurden
	diff := actual - expected
	if diff < 0 {
		diff = -diff
	}
	if diff > 10 {
		return []string{fmt.Sprintf("expected %d yen, billed %d yen", expected, actual)}
	}
	return nil
}

func evalInsuranceMissing(in *input, _ *CompiledRule) []string {
	if strings.TrimSpace(in.claim.InsuranceType) == "" {
		return fired
	}
	return nil
}

func evalCannotCombine(in *input, rule *CompiledRule) []string {
	if hasLine(in.claim, rule.SourceCode) && hasLine(in.claim, rule.TargetCode) {
		return fired
	}
	return nil
}

// evalFrequencyMonth totals matching units for the patient across the month.
// The evaluated claim is counted once from its passed version; the scope
// copy with the same ID is ignored.
func evalFrequencyMonth(in *input, rule *CompiledRule) []string {
	cond, ok := rule.Condition.(FrequencyCondition)
	if !ok {
		cond = FrequencyCondition{MaxPerMonth: DefaultMaxPerMonth}
	}

	year, month := in.claim.CreatedAt.Year(), in.claim.CreatedAt.Month()
	total := units(in.claim, rule.SourceCode)
	for _, other := range in.scope {
		if other == nil || other.ID == in.claim.ID || other.PatientID != in.claim.PatientID {
			continue
		}
		if other.CreatedAt.Year() != year || other.CreatedAt.Month() != month {
			continue
		}
		total += units(other, rule.SourceCode)
	}

	if total > cond.MaxPerMonth {
		return []string{fmt.Sprintf("%04d-%02d: %d times, limit %d", year, int(month), total, cond.MaxPerMonth)}
	}
	return nil
}

func units(c *domain.Claim, pattern string) int {
	n := 0
	for _, l := range c.Lines {
		if matchCode(l.Code, pattern) {
			n += l.Units()
		}
	}
	return n
}

// evalToothConflict fires once per line whose teeth overlap the source lines.
// A "*" target scans every non-source line; any other target scans only its own lines.
func evalToothConflict(in *input, rule *CompiledRule) []string {
	if rule.TargetCode == "" {
		return nil
	}

	teeth := make(map[string]bool)
	for _, l := range in.claim.Lines {
		if matchCode(l.Code, rule.SourceCode) {
			for _, t := range l.ToothNumbers {
				teeth[t] = true
			}
		}
	}
	if len(teeth) == 0 {
		return nil
	}

	var details []string
	for _, l := range in.claim.Lines {
		if matchCode(l.Code, rule.SourceCode) {
			continue
		}
		if rule.TargetCode != "*" && !matchCode(l.Code, rule.TargetCode) {
			continue
		}

		var overlap []string
		seen := make(map[string]bool)
		for _, t := range l.ToothNumbers {
			if teeth[t] && !seen[t] {
				seen[t] = true
				overlap = append(overlap, t)
			}
		}
		if len(overlap) == 0 {
			continue
		}

		label := l.Code
		if l.Name != "" {
			label += " " + l.Name
		}
		details = append(details, fmt.Sprintf("tooth %s: %s", strings.Join(overlap, ","), label))
	}
	return details
}

func evalRequiresOther(in *input, rule *CompiledRule) []string {
	if !hasLine(in.claim, rule.SourceCode) {
		return nil
	}
	if hasLine(in.claim, rule.TargetCode) {
		return nil
	}
	if cond, ok := rule.Condition.(RequiresOtherCondition); ok && hasLine(in.claim, cond.OrCode) {
		return nil
	}
	return fired
}

// requirementFires reports whether matching lines lack a supporting diagnosis.
func requirementFires(in *input, req *domain.DiagnosisRequirement) bool {
	if !hasLine(in.claim, req.ProcedureCodePattern) {
		return false
	}
	for _, d := range in.diagnoses {
		if d == nil {
			continue
		}
		for _, kw := range req.RequiredKeywords {
			if kw != "" && strings.Contains(d.Name, kw) {
				return false
			}
		}
		for _, p := range req.RequiredCodePrefixes {
			if matchCode(d.Code, p) {
				return false
			}
		}
	}
	return true
}
