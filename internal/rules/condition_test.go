package rules

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/dental-clinic-os/receiptcheck/internal/domain"
)

func TestIntValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want int
		ok   bool
	}{
		{"int", 3, 3, true},
		{"float", 2.0, 2, true},
		{"string", " 4 ", 4, true},
		{"huge float", 1e20, math.MaxInt, true},
		{"huge negative float", -1e20, math.MinInt, true},
		{"infinity", math.Inf(1), math.MaxInt, true},
		{"huge json number", json.Number("1e20"), math.MaxInt, true},
		{"json number", json.Number("5"), 5, true},
		{"nan", math.NaN(), 0, false},
		{"bool", true, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := intValue(tt.in)
			if got != tt.want || ok != tt.ok {
				t.Errorf("intValue(%v) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestFrequencyMonthHugeCapNeverFires(t *testing.T) {
	for name, limit := range map[string]any{
		"float":       1e20,
		"json number": json.Number("1e20"),
	} {
		t.Run(name, func(t *testing.T) {
			cond := map[string]any{"max_per_month": limit}
			snap := mustCompile(t, []*domain.CalculationRule{rule("r1", RuleFrequencyMonth, "SC", "", cond)}, nil)
			if out := Evaluate(newClaim("c-1", line("SC", 5)), nil, nil, snap); len(out.Errors) != 0 {
				t.Errorf("a huge cap must not fall back to the default, got %+v", out)
			}
		})
	}
}
