package domain

// ErrorLevel selects which list a finding is reported in.
type ErrorLevel string

const (
	LevelError   ErrorLevel = "error"
	LevelWarning ErrorLevel = "warning"
)

// IsError reports whether findings at this level are errors.
// Any value other than "error" is reported as a warning.
func (l ErrorLevel) IsError() bool {
	return l == LevelError
}

// CalculationRule is a stored billing rule. The meaning of SourceCode,
// TargetCode and Condition depends on RuleType.
type CalculationRule struct {
	ID         string         `json:"id" yaml:"id"`
	ClinicID   string         `json:"clinicId" yaml:"clinic_id"`
	RuleType   string         `json:"ruleType" yaml:"rule_type"`
	SourceCode string         `json:"sourceCode" yaml:"source_code"`
	TargetCode string         `json:"targetCode,omitempty" yaml:"target_code"`
	Condition  map[string]any `json:"condition,omitempty" yaml:"condition"`
	ErrorLevel ErrorLevel     `json:"errorLevel" yaml:"error_level"`
	Message    string         `json:"message" yaml:"message"`
	LegalBasis string         `json:"legalBasis,omitempty" yaml:"legal_basis"`
	Active     bool           `json:"active" yaml:"active"`
	SortOrder  int            `json:"sortOrder" yaml:"sort_order"`
}

// DiagnosisRequirement demands a supporting diagnosis for matching procedures.
type DiagnosisRequirement struct {
	ID                   string     `json:"id" yaml:"id"`
	ClinicID             string     `json:"clinicId" yaml:"clinic_id"`
	ProcedureCodePattern string     `json:"procedureCodePattern" yaml:"procedure_code_pattern"`
	RequiredKeywords     []string   `json:"requiredKeywords" yaml:"required_keywords"`
	RequiredCodePrefixes []string   `json:"requiredCodePrefixes" yaml:"required_code_prefixes"`
	ErrorLevel           ErrorLevel `json:"errorLevel" yaml:"error_level"`
	Message              string     `json:"message" yaml:"message"`
	LegalBasis           string     `json:"legalBasis,omitempty" yaml:"legal_basis"`
	Active               bool       `json:"active" yaml:"active"`
	SortOrder            int        `json:"sortOrder" yaml:"sort_order"`
}

// GlobalClinicID scopes rules that apply to every clinic.
const GlobalClinicID = "*"
