// Package domain defines the core interfaces and types for receipt checking.
package domain

import (
	"context"
	"time"
)

// FactSource is the read contract the checker depends on.
// All methods require clinicID for strict clinic isolation.
type FactSource interface {
	// Rule snapshot
	ListActiveCalculationRules(ctx context.Context, clinicID string) ([]*CalculationRule, error)
	ListActiveDiagnosisRequirements(ctx context.Context, clinicID string) ([]*DiagnosisRequirement, error)

	// Claims, ordered by creation time ascending
	ListPaidClaims(ctx context.Context, clinicID string, from, to time.Time) ([]*Claim, error)
	GetClaim(ctx context.Context, clinicID string, claimID string) (*Claim, error)

	// Diagnoses of one patient, regardless of start date
	ListDiagnosesByPatient(ctx context.Context, clinicID string, patientID string) ([]*Diagnosis, error)
}

// Repository defines the interface for data persistence.
type Repository interface {
	FactSource

	// Seeding operations. The checker itself never writes.
	SavePatient(ctx context.Context, clinicID string, p *Patient) error
	SaveClaim(ctx context.Context, clinicID string, c *Claim) error
	SaveDiagnosis(ctx context.Context, clinicID string, d *Diagnosis) error
	SaveCalculationRule(ctx context.Context, clinicID string, r *CalculationRule) error
	SaveDiagnosisRequirement(ctx context.Context, clinicID string, r *DiagnosisRequirement) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}
