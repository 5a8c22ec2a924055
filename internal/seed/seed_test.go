package seed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dental-clinic-os/receiptcheck/internal/domain"
	"github.com/dental-clinic-os/receiptcheck/internal/repository"
)

func TestLoadFile(t *testing.T) {
	f, err := LoadFile("testdata/clinic.yaml")
	require.NoError(t, err)

	assert.Equal(t, "clinic-001", f.ClinicID)
	require.Len(t, f.Claims, 2)
	assert.Equal(t, time.Date(2025, 6, 3, 1, 0, 0, 0, time.UTC), f.Claims[0].CreatedAt.UTC())
	assert.Equal(t, []string{"36", "37"}, f.Claims[0].Lines[1].ToothNumbers)
	assert.Equal(t, []string{"chart note mentions pain but no procedure was billed"}, f.Claims[1].AIWarnings)

	require.Len(t, f.Rules, 4)
	assert.True(t, f.Rules[0].Active, "active defaults to true")
	assert.False(t, f.Rules[3].Active, "explicit active: false is kept")
	assert.Equal(t, domain.LevelWarning, f.Rules[2].ErrorLevel)
	assert.Equal(t, 1, f.Rules[2].Condition["max_per_month"])

	require.Len(t, f.Requirements, 1)
	assert.True(t, f.Requirements[0].Active)
	assert.Equal(t, []string{"K05"}, f.Requirements[0].RequiredCodePrefixes)

	require.NotNil(t, f.Diagnoses[0].StartDate)
	assert.True(t, domain.Diagnosis{Outcome: f.Diagnoses[1].Outcome}.Cured())
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("patients: []"))
	assert.Error(t, err, "clinic_id is required")

	_, err = Parse([]byte("clinic_id: [unterminated"))
	assert.Error(t, err)

	_, err = LoadFile("testdata/absent.yaml")
	assert.Error(t, err)
}

func TestApply(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "receiptcheck-seed-*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	f, err := LoadFile("testdata/clinic.yaml")
	require.NoError(t, err)

	ctx := context.Background()
	n, err := Apply(ctx, repo, f)
	require.NoError(t, err)
	assert.Equal(t, Counts{Patients: 2, Diagnoses: 2, Claims: 2, Rules: 4, Requirements: 1}, n)

	june := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	claims, err := repo.ListPaidClaims(ctx, "clinic-001", june, june.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.Len(t, claims, 2)
	assert.Equal(t, "Sato Hanako", claims[0].PatientName)
	assert.Equal(t, "", claims[1].InsuranceType)

	rules, err := repo.ListActiveCalculationRules(ctx, "clinic-001")
	require.NoError(t, err)
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	assert.ElementsMatch(t, []string{"zero-points", "burden", "sc-monthly"}, ids)

	other, err := repo.ListActiveCalculationRules(ctx, "clinic-002")
	require.NoError(t, err)
	assert.Len(t, other, 2, "global rules apply to every clinic")

	// Applying twice upserts.
	_, err = Apply(ctx, repo, f)
	require.NoError(t, err)
	claims, _ = repo.ListPaidClaims(ctx, "clinic-001", june, june.AddDate(0, 1, 0))
	assert.Len(t, claims, 2)
}
