package domain

import (
	"time"
)

// YenPerPoint is the fixed insurance point to currency conversion.
const YenPerPoint = 10

// ClaimStatusPaid marks a finalized bill that is eligible for checking.
const ClaimStatusPaid = "paid"

// Claim is one finalized bill submitted for insurance reimbursement.
type Claim struct {
	ID       string `json:"id" yaml:"id"`
	ClinicID string `json:"clinicId" yaml:"clinic_id"`

	// Patient attributes denormalized onto the claim when it is read.
	PatientID     string `json:"patientId" yaml:"patient_id"`
	PatientName   string `json:"patientName" yaml:"-"`
	InsuranceType string `json:"insuranceType" yaml:"-"`

	// Amounts. TotalPoints is in insurance points, the others in yen.
	TotalPoints    int     `json:"totalPoints" yaml:"total_points"`
	PatientBurden  int     `json:"patientBurden" yaml:"patient_burden"`
	InsuranceClaim int     `json:"insuranceClaim" yaml:"insurance_claim"`
	BurdenRatio    float64 `json:"burdenRatio" yaml:"burden_ratio"`

	Status    string    `json:"status" yaml:"status"`
	CreatedAt time.Time `json:"createdAt" yaml:"created_at"`

	Lines []ProcedureLine `json:"lines" yaml:"lines"`

	// AIWarnings are advisory strings produced upstream; passed through verbatim.
	AIWarnings []string `json:"aiWarnings,omitempty" yaml:"ai_warnings"`
}

// ProcedureLine is one billed treatment item within a claim.
type ProcedureLine struct {
	Code         string   `json:"code" yaml:"code"`
	Name         string   `json:"name" yaml:"name"`
	Points       int      `json:"points" yaml:"points"`
	Count        int      `json:"count" yaml:"count"`
	Category     string   `json:"category,omitempty" yaml:"category"`
	Note         string   `json:"note,omitempty" yaml:"note"`
	ToothNumbers []string `json:"toothNumbers,omitempty" yaml:"tooth_numbers"`
}

// Units returns the repetition count, treating a missing count as one.
func (l ProcedureLine) Units() int {
	if l.Count < 1 {
		return 1
	}
	return l.Count
}

// Patient holds the insurance attributes the checks read from a patient record.
type Patient struct {
	ID            string `json:"id" yaml:"id"`
	ClinicID      string `json:"clinicId" yaml:"clinic_id"`
	Name          string `json:"name" yaml:"name"`
	InsuranceType string `json:"insuranceType" yaml:"insurance_type"`
}

// Diagnosis outcomes. An empty outcome means the diagnosis is still active.
const (
	OutcomeActive = ""
	OutcomeCured  = "cured"
)

// Diagnosis is a diagnosed condition recorded on a patient's chart.
type Diagnosis struct {
	ID          string     `json:"id" yaml:"id"`
	ClinicID    string     `json:"clinicId" yaml:"clinic_id"`
	PatientID   string     `json:"patientId" yaml:"patient_id"`
	Code        string     `json:"code" yaml:"code"`
	Name        string     `json:"name" yaml:"name"`
	ToothNumber string     `json:"toothNumber,omitempty" yaml:"tooth_number"`
	StartDate   *time.Time `json:"startDate,omitempty" yaml:"start_date"`
	Outcome     string     `json:"outcome,omitempty" yaml:"outcome"`
}

// Cured reports whether the diagnosis has been resolved as cured.
func (d Diagnosis) Cured() bool {
	return d.Outcome == OutcomeCured
}
