// Package repository provides the SQL store for claims, diagnoses and rules.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dental-clinic-os/receiptcheck/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// timeLayout is fixed width so text comparison matches time order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := NewWithDB(db, cfg.Driver)

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

// NewWithDB wraps an existing connection without running migrations.
func NewWithDB(db *sql.DB, driver string) *SQLRepository {
	return &SQLRepository{db: db, driver: driver}
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SavePatient upserts a patient.
func (r *SQLRepository) SavePatient(ctx context.Context, clinicID string, p *domain.Patient) error {
	if clinicID == "" {
		return fmt.Errorf("%w: clinicID is required", ErrInvalidInput)
	}
	if p == nil || p.ID == "" {
		return fmt.Errorf("%w: patient id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO patients (id, clinic_id, name, insurance_type)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(clinic_id, id) DO UPDATE SET
			name = excluded.name,
			insurance_type = excluded.insurance_type
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), p.ID, clinicID, p.Name, p.InsuranceType)
	return err
}

// SaveClaim upserts a claim with its procedure lines.
func (r *SQLRepository) SaveClaim(ctx context.Context, clinicID string, c *domain.Claim) error {
	if clinicID == "" {
		return fmt.Errorf("%w: clinicID is required", ErrInvalidInput)
	}
	if c == nil || c.ID == "" || c.PatientID == "" {
		return fmt.Errorf("%w: claim id and patient id are required", ErrInvalidInput)
	}

	lines, err := json.Marshal(nonNil(c.Lines))
	if err != nil {
		return fmt.Errorf("failed to encode claim lines: %w", err)
	}
	warnings, _ := json.Marshal(nonNil(c.AIWarnings))

	status := c.Status
	if status == "" {
		status = domain.ClaimStatusPaid
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO claims (
			id, clinic_id, patient_id, total_points, patient_burden, insurance_claim,
			burden_ratio, status, created_at, lines, ai_warnings
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(clinic_id, id) DO UPDATE SET
			patient_id = excluded.patient_id,
			total_points = excluded.total_points,
			patient_burden = excluded.patient_burden,
			insurance_claim = excluded.insurance_claim,
			burden_ratio = excluded.burden_ratio,
			status = excluded.status,
			created_at = excluded.created_at,
			lines = excluded.lines,
			ai_warnings = excluded.ai_warnings
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		c.ID, clinicID, c.PatientID,
		c.TotalPoints, c.PatientBurden, c.InsuranceClaim,
		c.BurdenRatio, status, formatTime(createdAt),
		string(lines), string(warnings),
	)
	return err
}

const claimColumns = `
	c.id, c.clinic_id, c.patient_id,
	COALESCE(p.name, ''), COALESCE(p.insurance_type, ''),
	c.total_points, c.patient_burden, c.insurance_claim, c.burden_ratio,
	c.status, c.created_at, c.lines, c.ai_warnings
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClaim(s rowScanner) (*domain.Claim, error) {
	var c domain.Claim
	var createdAt, lines string
	var warnings sql.NullString

	if err := s.Scan(
		&c.ID, &c.ClinicID, &c.PatientID,
		&c.PatientName, &c.InsuranceType,
		&c.TotalPoints, &c.PatientBurden, &c.InsuranceClaim, &c.BurdenRatio,
		&c.Status, &createdAt, &lines, &warnings,
	); err != nil {
		return nil, err
	}

	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", c.ID, err)
	}
	c.CreatedAt = t

	if err := json.Unmarshal([]byte(lines), &c.Lines); err != nil {
		return nil, fmt.Errorf("failed to parse lines for claim %s: %w", c.ID, err)
	}
	if warnings.Valid && warnings.String != "" {
		json.Unmarshal([]byte(warnings.String), &c.AIWarnings)
	}

	return &c, nil
}

// ListPaidClaims returns paid claims created in [from, to), oldest first.
func (r *SQLRepository) ListPaidClaims(ctx context.Context, clinicID string, from, to time.Time) ([]*domain.Claim, error) {
	if clinicID == "" {
		return nil, fmt.Errorf("%w: clinicID is required", ErrInvalidInput)
	}

	query := `
		SELECT` + claimColumns + `
		FROM claims c
		LEFT JOIN patients p ON p.clinic_id = c.clinic_id AND p.id = c.patient_id
		WHERE c.clinic_id = ?
		  AND c.status = ?
		  AND c.created_at >= ?
		  AND c.created_at < ?
		ORDER BY c.created_at, c.id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query),
		clinicID, domain.ClaimStatusPaid, formatTime(from), formatTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	claims := []*domain.Claim{}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}

	return claims, rows.Err()
}

// GetClaim retrieves a claim by ID with clinic isolation.
func (r *SQLRepository) GetClaim(ctx context.Context, clinicID string, claimID string) (*domain.Claim, error) {
	if clinicID == "" {
		return nil, fmt.Errorf("%w: clinicID is required", ErrInvalidInput)
	}

	query := `
		SELECT` + claimColumns + `
		FROM claims c
		LEFT JOIN patients p ON p.clinic_id = c.clinic_id AND p.id = c.patient_id
		WHERE c.clinic_id = ? AND c.id = ?
	`

	c, err := scanClaim(r.db.QueryRowContext(ctx, r.rebind(query), clinicID, claimID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SaveDiagnosis upserts a diagnosis. An empty outcome is stored as NULL.
func (r *SQLRepository) SaveDiagnosis(ctx context.Context, clinicID string, d *domain.Diagnosis) error {
	if clinicID == "" {
		return fmt.Errorf("%w: clinicID is required", ErrInvalidInput)
	}
	if d == nil || d.ID == "" || d.PatientID == "" {
		return fmt.Errorf("%w: diagnosis id and patient id are required", ErrInvalidInput)
	}

	var startDate, outcome sql.NullString
	if d.StartDate != nil {
		startDate = sql.NullString{String: formatTime(*d.StartDate), Valid: true}
	}
	if d.Outcome != domain.OutcomeActive {
		outcome = sql.NullString{String: d.Outcome, Valid: true}
	}

	query := `
		INSERT INTO diagnoses (id, clinic_id, patient_id, code, name, tooth_number, start_date, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(clinic_id, id) DO UPDATE SET
			patient_id = excluded.patient_id,
			code = excluded.code,
			name = excluded.name,
			tooth_number = excluded.tooth_number,
			start_date = excluded.start_date,
			outcome = excluded.outcome
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		d.ID, clinicID, d.PatientID, d.Code, d.Name, d.ToothNumber, startDate, outcome)
	return err
}

// ListDiagnosesByPatient returns every diagnosis of the patient regardless of date.
func (r *SQLRepository) ListDiagnosesByPatient(ctx context.Context, clinicID string, patientID string) ([]*domain.Diagnosis, error) {
	if clinicID == "" {
		return nil, fmt.Errorf("%w: clinicID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, clinic_id, patient_id, code, name, tooth_number, start_date, outcome
		FROM diagnoses
		WHERE clinic_id = ? AND patient_id = ?
		ORDER BY start_date, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), clinicID, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	diagnoses := []*domain.Diagnosis{}
	for rows.Next() {
		var d domain.Diagnosis
		var startDate, outcome sql.NullString

		if err := rows.Scan(
			&d.ID, &d.ClinicID, &d.PatientID, &d.Code, &d.Name, &d.ToothNumber,
			&startDate, &outcome,
		); err != nil {
			return nil, err
		}

		if startDate.Valid && startDate.String != "" {
			t, err := parseTime(startDate.String)
			if err != nil {
				return nil, fmt.Errorf("diagnosis %s: %w", d.ID, err)
			}
			d.StartDate = &t
		}
		d.Outcome = outcome.String
		diagnoses = append(diagnoses, &d)
	}

	return diagnoses, rows.Err()
}

// SaveCalculationRule upserts a rule. Use domain.GlobalClinicID for shared rules.
func (r *SQLRepository) SaveCalculationRule(ctx context.Context, clinicID string, rule *domain.CalculationRule) error {
	if clinicID == "" {
		return fmt.Errorf("%w: clinicID is required", ErrInvalidInput)
	}
	if rule == nil || rule.ID == "" || rule.RuleType == "" {
		return fmt.Errorf("%w: rule id and rule type are required", ErrInvalidInput)
	}

	var condition sql.NullString
	if len(rule.Condition) > 0 {
		data, err := json.Marshal(rule.Condition)
		if err != nil {
			return fmt.Errorf("failed to encode rule condition: %w", err)
		}
		condition = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO calculation_rules (
			id, clinic_id, rule_type, source_code, target_code, condition_json,
			error_level, message, legal_basis, is_active, sort_order
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(clinic_id, id) DO UPDATE SET
			rule_type = excluded.rule_type,
			source_code = excluded.source_code,
			target_code = excluded.target_code,
			condition_json = excluded.condition_json,
			error_level = excluded.error_level,
			message = excluded.message,
			legal_basis = excluded.legal_basis,
			is_active = excluded.is_active,
			sort_order = excluded.sort_order
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, clinicID, rule.RuleType, rule.SourceCode, rule.TargetCode, condition,
		string(levelOrDefault(rule.ErrorLevel)), rule.Message, rule.LegalBasis,
		boolInt(rule.Active), rule.SortOrder,
	)
	return err
}

// ListActiveCalculationRules returns the clinic's and the global active rules
// in evaluation order.
func (r *SQLRepository) ListActiveCalculationRules(ctx context.Context, clinicID string) ([]*domain.CalculationRule, error) {
	if clinicID == "" {
		return nil, fmt.Errorf("%w: clinicID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, clinic_id, rule_type, source_code, target_code, condition_json,
			   error_level, message, legal_basis, is_active, sort_order
		FROM calculation_rules
		WHERE (clinic_id = ? OR clinic_id = ?) AND is_active = 1
		ORDER BY sort_order, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), clinicID, domain.GlobalClinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := []*domain.CalculationRule{}
	for rows.Next() {
		var rule domain.CalculationRule
		var condition sql.NullString
		var level string
		var active int

		if err := rows.Scan(
			&rule.ID, &rule.ClinicID, &rule.RuleType, &rule.SourceCode, &rule.TargetCode, &condition,
			&level, &rule.Message, &rule.LegalBasis, &active, &rule.SortOrder,
		); err != nil {
			return nil, err
		}

		rule.ErrorLevel = domain.ErrorLevel(level)
		rule.Active = active == 1
		// A malformed condition decodes to nil and the rule falls back to its defaults.
		if condition.Valid && condition.String != "" {
			json.Unmarshal([]byte(condition.String), &rule.Condition)
		}
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// SaveDiagnosisRequirement upserts a diagnosis requirement.
func (r *SQLRepository) SaveDiagnosisRequirement(ctx context.Context, clinicID string, req *domain.DiagnosisRequirement) error {
	if clinicID == "" {
		return fmt.Errorf("%w: clinicID is required", ErrInvalidInput)
	}
	if req == nil || req.ID == "" || req.ProcedureCodePattern == "" {
		return fmt.Errorf("%w: requirement id and procedure code pattern are required", ErrInvalidInput)
	}

	keywords, _ := json.Marshal(nonNil(req.RequiredKeywords))
	prefixes, _ := json.Marshal(nonNil(req.RequiredCodePrefixes))

	query := `
		INSERT INTO diagnosis_requirements (
			id, clinic_id, procedure_code_pattern, required_keywords, required_code_prefixes,
			error_level, message, legal_basis, is_active, sort_order
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(clinic_id, id) DO UPDATE SET
			procedure_code_pattern = excluded.procedure_code_pattern,
			required_keywords = excluded.required_keywords,
			required_code_prefixes = excluded.required_code_prefixes,
			error_level = excluded.error_level,
			message = excluded.message,
			legal_basis = excluded.legal_basis,
			is_active = excluded.is_active,
			sort_order = excluded.sort_order
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		req.ID, clinicID, req.ProcedureCodePattern, string(keywords), string(prefixes),
		string(levelOrDefault(req.ErrorLevel)), req.Message, req.LegalBasis,
		boolInt(req.Active), req.SortOrder,
	)
	return err
}

// ListActiveDiagnosisRequirements returns the clinic's and the global active
// requirements in evaluation order.
func (r *SQLRepository) ListActiveDiagnosisRequirements(ctx context.Context, clinicID string) ([]*domain.DiagnosisRequirement, error) {
	if clinicID == "" {
		return nil, fmt.Errorf("%w: clinicID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, clinic_id, procedure_code_pattern, required_keywords, required_code_prefixes,
			   error_level, message, legal_basis, is_active, sort_order
		FROM diagnosis_requirements
		WHERE (clinic_id = ? OR clinic_id = ?) AND is_active = 1
		ORDER BY sort_order, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), clinicID, domain.GlobalClinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reqs := []*domain.DiagnosisRequirement{}
	for rows.Next() {
		var req domain.DiagnosisRequirement
		var keywords, prefixes sql.NullString
		var level string
		var active int

		if err := rows.Scan(
			&req.ID, &req.ClinicID, &req.ProcedureCodePattern, &keywords, &prefixes,
			&level, &req.Message, &req.LegalBasis, &active, &req.SortOrder,
		); err != nil {
			return nil, err
		}

		req.ErrorLevel = domain.ErrorLevel(level)
		req.Active = active == 1
		if keywords.Valid {
			json.Unmarshal([]byte(keywords.String), &req.RequiredKeywords)
		}
		if prefixes.Valid {
			json.Unmarshal([]byte(prefixes.String), &req.RequiredCodePrefixes)
		}
		reqs = append(reqs, &req)
	}

	return reqs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by other tools may carry RFC 3339 offsets.
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
	}
	return t.UTC(), nil
}

func levelOrDefault(l domain.ErrorLevel) domain.ErrorLevel {
	if l == "" {
		return domain.LevelError
	}
	return l
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// compile-time interface check
var _ domain.Repository = (*SQLRepository)(nil)
