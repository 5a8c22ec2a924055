// Package seed imports YAML fixtures into the repository. It backs the
// `receiptcheck seed` command and test setup; the checking engine itself
// never writes.
package seed

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dental-clinic-os/receiptcheck/internal/domain"
)

// Writer is the write half of domain.Repository.
type Writer interface {
	SavePatient(ctx context.Context, clinicID string, p *domain.Patient) error
	SaveClaim(ctx context.Context, clinicID string, c *domain.Claim) error
	SaveDiagnosis(ctx context.Context, clinicID string, d *domain.Diagnosis) error
	SaveCalculationRule(ctx context.Context, clinicID string, rule *domain.CalculationRule) error
	SaveDiagnosisRequirement(ctx context.Context, clinicID string, req *domain.DiagnosisRequirement) error
}

// Fixture is one clinic's data set. Rules and requirements without a
// clinic_id belong to ClinicID; use "*" for rules shared by every clinic.
type Fixture struct {
	ClinicID     string                        `yaml:"clinic_id"`
	Patients     []domain.Patient              `yaml:"patients"`
	Diagnoses    []domain.Diagnosis            `yaml:"diagnoses"`
	Claims       []domain.Claim                `yaml:"claims"`
	Rules        []domain.CalculationRule      `yaml:"rules"`
	Requirements []domain.DiagnosisRequirement `yaml:"requirements"`
}

// activeFlags captures whether active was written at all.
type activeFlags struct {
	Rules []struct {
		Active *bool `yaml:"active"`
	} `yaml:"rules"`
	Requirements []struct {
		Active *bool `yaml:"active"`
	} `yaml:"requirements"`
}

// Counts reports how many rows Apply wrote.
type Counts struct {
	Patients     int
	Diagnoses    int
	Claims       int
	Rules        int
	Requirements int
}

// LoadFile reads a fixture. Rules and requirements default to active.
func LoadFile(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return Parse(data)
}

// Parse decodes fixture YAML.
func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	var flags activeFlags
	if err := yaml.Unmarshal(data, &flags); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}

	for i := range f.Rules {
		if i < len(flags.Rules) && flags.Rules[i].Active == nil {
			f.Rules[i].Active = true
		}
	}
	for i := range f.Requirements {
		if i < len(flags.Requirements) && flags.Requirements[i].Active == nil {
			f.Requirements[i].Active = true
		}
	}

	if f.ClinicID == "" {
		return nil, fmt.Errorf("fixture: clinic_id is required")
	}
	return &f, nil
}

// Apply writes the fixture. Patients go first so claims can denormalize them.
func Apply(ctx context.Context, w Writer, f *Fixture) (Counts, error) {
	var n Counts

	for i := range f.Patients {
		if err := w.SavePatient(ctx, f.ClinicID, &f.Patients[i]); err != nil {
			return n, fmt.Errorf("patient %s: %w", f.Patients[i].ID, err)
		}
		n.Patients++
	}
	for i := range f.Diagnoses {
		if err := w.SaveDiagnosis(ctx, f.ClinicID, &f.Diagnoses[i]); err != nil {
			return n, fmt.Errorf("diagnosis %s: %w", f.Diagnoses[i].ID, err)
		}
		n.Diagnoses++
	}
	for i := range f.Claims {
		if err := w.SaveClaim(ctx, f.ClinicID, &f.Claims[i]); err != nil {
			return n, fmt.Errorf("claim %s: %w", f.Claims[i].ID, err)
		}
		n.Claims++
	}
	for i := range f.Rules {
		r := &f.Rules[i]
		if err := w.SaveCalculationRule(ctx, scope(r.ClinicID, f.ClinicID), r); err != nil {
			return n, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		n.Rules++
	}
	for i := range f.Requirements {
		req := &f.Requirements[i]
		if err := w.SaveDiagnosisRequirement(ctx, scope(req.ClinicID, f.ClinicID), req); err != nil {
			return n, fmt.Errorf("requirement %s: %w", req.ID, err)
		}
		n.Requirements++
	}
	return n, nil
}

func scope(own, fallback string) string {
	if own != "" {
		return own
	}
	return fallback
}
