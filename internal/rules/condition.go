package rules

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
)

// RuleType selects the evaluation algorithm of a calculation rule.
type RuleType string

const (
	RuleZeroPoints       RuleType = "zero_points"
	RuleNoDiagnosis      RuleType = "no_diagnosis"
	RuleNoProcedure      RuleType = "no_procedure"
	RuleAllCured         RuleType = "all_cured"
	RuleBurdenMismatch   RuleType = "burden_mismatch"
	RuleInsuranceMissing RuleType = "insurance_missing"
	RuleCannotCombine    RuleType = "cannot_combine"
	RuleFrequencyMonth   RuleType = "frequency_month"
	RuleToothConflict    RuleType = "tooth_conflict"
	RuleRequiresOther    RuleType = "requires_other"
	RuleExpression       RuleType = "expression"
)

// Condition is the decoded, per-type payload of a rule's condition map.
type Condition interface {
	isCondition()
}

// NoCondition is used by rule types that read nothing from the condition map.
type NoCondition struct{}

// FrequencyCondition caps the monthly units of a procedure per patient.
type FrequencyCondition struct {
	MaxPerMonth int
}

// RequiresOtherCondition names an alternative companion code.
type RequiresOtherCondition struct {
	OrCode string
}

// ExpressionCondition holds a compiled CEL predicate.
type ExpressionCondition struct {
	Source  string
	Program cel.Program
}

func (NoCondition) isCondition()            {}
func (FrequencyCondition) isCondition()     {}
func (RequiresOtherCondition) isCondition() {}
func (ExpressionCondition) isCondition()    {}

// DefaultMaxPerMonth applies when max_per_month is missing or unusable.
const DefaultMaxPerMonth = 1

// decodeFrequency never fails: a missing or malformed cap falls back to the default.
func decodeFrequency(raw map[string]any) FrequencyCondition {
	n, ok := intValue(raw["max_per_month"])
	if !ok || n < 1 {
		n = DefaultMaxPerMonth
	}
	return FrequencyCondition{MaxPerMonth: n}
}

func decodeRequiresOther(raw map[string]any) RequiresOtherCondition {
	code, _ := raw["or_code"].(string)
	return RequiresOtherCondition{OrCode: strings.TrimSpace(code)}
}

// intValue accepts the numeric shapes produced by JSON, YAML and hand-built maps.
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
		// Out-of-range conversions are implementation defined.
		switch {
		case n >= float64(math.MaxInt):
			return math.MaxInt, true
		case n <= float64(math.MinInt):
			return math.MinInt, true
		}
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return intValue(f)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
