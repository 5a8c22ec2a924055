package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dental-clinic-os/receiptcheck/internal/domain"
)

// ErrSourceRequired is returned when a Loader has no rule source.
var ErrSourceRequired = errors.New("rule source is required")

// snapshotKey is the per-clinic cache key for raw rule rows.
const snapshotKey = "rules:snapshot"

// Source reads the active rule rows for a clinic.
type Source interface {
	ListActiveCalculationRules(ctx context.Context, clinicID string) ([]*domain.CalculationRule, error)
	ListActiveDiagnosisRequirements(ctx context.Context, clinicID string) ([]*domain.DiagnosisRequirement, error)
}

// Loader produces rule snapshots, caching the raw rows per clinic.
// Rows are compiled after every read, cached or not.
type Loader struct {
	source   Source
	cache    domain.Cache
	ttl      time.Duration
	prefixes []string
}

type cachedRules struct {
	Rules        []*domain.CalculationRule      `json:"rules"`
	Requirements []*domain.DiagnosisRequirement `json:"requirements"`
}

// NewLoader creates a loader. cache may be nil.
func NewLoader(source Source, cache domain.Cache, ttl time.Duration, consultationPrefixes []string) *Loader {
	return &Loader{
		source:   source,
		cache:    cache,
		ttl:      ttl,
		prefixes: consultationPrefixes,
	}
}

// Load returns a freshly compiled snapshot for the clinic. Cache failures
// fall through to the source; source failures are returned.
func (l *Loader) Load(ctx context.Context, clinicID string) (*Snapshot, error) {
	if l.source == nil {
		return nil, ErrSourceRequired
	}

	raw, hit := l.fromCache(ctx, clinicID)
	if !hit {
		rules, err := l.source.ListActiveCalculationRules(ctx, clinicID)
		if err != nil {
			return nil, fmt.Errorf("failed to load calculation rules: %w", err)
		}
		reqs, err := l.source.ListActiveDiagnosisRequirements(ctx, clinicID)
		if err != nil {
			return nil, fmt.Errorf("failed to load diagnosis requirements: %w", err)
		}
		raw = cachedRules{Rules: rules, Requirements: reqs}
		l.toCache(ctx, clinicID, raw)
	}

	snap, err := Compile(raw.Rules, raw.Requirements, l.prefixes)
	if err != nil {
		return nil, err
	}

	slog.Debug("rule snapshot loaded",
		"clinic_id", clinicID,
		"rules", len(snap.Rules),
		"requirements", len(snap.Requirements),
		"skipped", len(snap.Skipped),
		"cache_hit", hit,
	)
	return snap, nil
}

// Invalidate drops the cached rows for a clinic.
func (l *Loader) Invalidate(ctx context.Context, clinicID string) error {
	if l.cache == nil {
		return nil
	}
	return l.cache.Delete(ctx, clinicID, snapshotKey)
}

func (l *Loader) fromCache(ctx context.Context, clinicID string) (cachedRules, bool) {
	var raw cachedRules
	if l.cache == nil {
		return raw, false
	}

	data, err := l.cache.Get(ctx, clinicID, snapshotKey)
	if err != nil {
		slog.Warn("rule cache read failed", "clinic_id", clinicID, "error", err)
		return raw, false
	}
	if data == nil {
		return raw, false
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Warn("rule cache entry unreadable", "clinic_id", clinicID, "error", err)
		return raw, false
	}
	return raw, true
}

func (l *Loader) toCache(ctx context.Context, clinicID string, raw cachedRules) {
	if l.cache == nil || l.ttl <= 0 {
		return
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return
	}
	if err := l.cache.Set(ctx, clinicID, snapshotKey, data, l.ttl); err != nil {
		slog.Warn("rule cache write failed", "clinic_id", clinicID, "error", err)
	}
}
