package repository

// Schema definitions for the receipt-check database.
// Compatible with both SQLite and PostgreSQL. Timestamps are stored as
// fixed-width UTC text so range filters compare correctly on both engines.

const schemaPatients = `
CREATE TABLE IF NOT EXISTS patients (
    id TEXT NOT NULL,
    clinic_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    insurance_type TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (clinic_id, id)
);
`

const schemaClaims = `
CREATE TABLE IF NOT EXISTS claims (
    id TEXT NOT NULL,
    clinic_id TEXT NOT NULL,
    patient_id TEXT NOT NULL,
    total_points INTEGER NOT NULL DEFAULT 0,
    patient_burden INTEGER NOT NULL DEFAULT 0,
    insurance_claim INTEGER NOT NULL DEFAULT 0,
    burden_ratio REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    created_at TEXT NOT NULL,
    lines TEXT NOT NULL,
    ai_warnings TEXT,
    PRIMARY KEY (clinic_id, id)
);

CREATE INDEX IF NOT EXISTS idx_claims_month ON claims(clinic_id, status, created_at);
CREATE INDEX IF NOT EXISTS idx_claims_patient ON claims(clinic_id, patient_id);
`

const schemaDiagnoses = `
CREATE TABLE IF NOT EXISTS diagnoses (
    id TEXT NOT NULL,
    clinic_id TEXT NOT NULL,
    patient_id TEXT NOT NULL,
    code TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    tooth_number TEXT NOT NULL DEFAULT '',
    start_date TEXT,
    outcome TEXT,
    PRIMARY KEY (clinic_id, id)
);

CREATE INDEX IF NOT EXISTS idx_diagnoses_patient ON diagnoses(clinic_id, patient_id);
`

// schemaCalculationRules holds billing rules. clinic_id '*' applies to every clinic.
const schemaCalculationRules = `
CREATE TABLE IF NOT EXISTS calculation_rules (
    id TEXT NOT NULL,
    clinic_id TEXT NOT NULL,
    rule_type TEXT NOT NULL,
    source_code TEXT NOT NULL DEFAULT '',
    target_code TEXT NOT NULL DEFAULT '',
    condition_json TEXT,
    error_level TEXT NOT NULL DEFAULT 'error',
    message TEXT NOT NULL,
    legal_basis TEXT NOT NULL DEFAULT '',
    is_active INTEGER NOT NULL DEFAULT 1,
    sort_order INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (clinic_id, id)
);

CREATE INDEX IF NOT EXISTS idx_calculation_rules_active ON calculation_rules(clinic_id, is_active);
`

const schemaDiagnosisRequirements = `
CREATE TABLE IF NOT EXISTS diagnosis_requirements (
    id TEXT NOT NULL,
    clinic_id TEXT NOT NULL,
    procedure_code_pattern TEXT NOT NULL,
    required_keywords TEXT,
    required_code_prefixes TEXT,
    error_level TEXT NOT NULL DEFAULT 'error',
    message TEXT NOT NULL,
    legal_basis TEXT NOT NULL DEFAULT '',
    is_active INTEGER NOT NULL DEFAULT 1,
    sort_order INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (clinic_id, id)
);

CREATE INDEX IF NOT EXISTS idx_diagnosis_requirements_active ON diagnosis_requirements(clinic_id, is_active);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaPatients,
		schemaClaims,
		schemaDiagnoses,
		schemaCalculationRules,
		schemaDiagnosisRequirements,
	}
}
