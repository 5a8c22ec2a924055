package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/dental-clinic-os/receiptcheck/internal/domain"
)

// newExpressionEnv declares the variables visible to expression rules.
func newExpressionEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("claim", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("diagnosis_count", cel.IntType),
		cel.Variable("diagnosis_codes", cel.ListType(cel.StringType)),
		cel.Variable("diagnosis_names", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// compileExpression validates an expression rule. The expression must return bool.
func compileExpression(env *cel.Env, rule *domain.CalculationRule) (ExpressionCondition, error) {
	src, _ := rule.Condition["expression"].(string)
	if src == "" {
		return ExpressionCondition{}, fmt.Errorf("rule %s: condition.expression is required", rule.ID)
	}

	ast, issues := env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return ExpressionCondition{}, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return ExpressionCondition{}, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return ExpressionCondition{}, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return ExpressionCondition{Source: src, Program: program}, nil
}

// activation builds the CEL input for one claim.
func activation(in *input) map[string]any {
	codes := make([]string, 0, len(in.claim.Lines))
	for _, l := range in.claim.Lines {
		codes = append(codes, l.Code)
	}

	dxCodes := make([]string, 0, len(in.diagnoses))
	dxNames := make([]string, 0, len(in.diagnoses))
	for _, d := range in.diagnoses {
		dxCodes = append(dxCodes, d.Code)
		dxNames = append(dxNames, d.Name)
	}

	return map[string]any{
		"claim": map[string]any{
			"id":              in.claim.ID,
			"patient_id":      in.claim.PatientID,
			"total_points":    int64(in.claim.TotalPoints),
			"patient_burden":  int64(in.claim.PatientBurden),
			"insurance_claim": int64(in.claim.InsuranceClaim),
			"burden_ratio":    in.claim.BurdenRatio,
			"insurance_type":  in.claim.InsuranceType,
			"codes":           codes,
			"line_count":      int64(len(in.claim.Lines)),
		},
		"diagnosis_count": int64(len(in.diagnoses)),
		"diagnosis_codes": dxCodes,
		"diagnosis_names": dxNames,
	}
}

// evalExpression fires when the predicate is true. Evaluation errors
// (e.g. a missing map key) are treated as not firing.
func evalExpression(in *input, rule *CompiledRule) []string {
	cond, ok := rule.Condition.(ExpressionCondition)
	if !ok || cond.Program == nil {
		return nil
	}

	out, _, err := cond.Program.Eval(activation(in))
	if err != nil {
		return nil
	}
	if b, ok := out.(types.Bool); ok && bool(b) {
		return []string{""}
	}
	return nil
}
