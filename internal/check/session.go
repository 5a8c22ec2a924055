// Package check runs the rule evaluator over a month of claims, one claim at
// a time, and publishes each status transition as it happens.
package check

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dental-clinic-os/receiptcheck/internal/domain"
	"github.com/dental-clinic-os/receiptcheck/internal/rules"
)

var tracer = otel.Tracer("receiptcheck-check")

// State is the session-wide checking state.
type State string

const (
	StateIdle    State = "idle"
	StateLoaded  State = "loaded"
	StateRunning State = "running"
	StateDone    State = "done"
)

// RuleLoader produces the rule snapshot for a clinic.
type RuleLoader interface {
	Load(ctx context.Context, clinicID string) (*rules.Snapshot, error)
}

// Options holds the dependencies shared by every session.
type Options struct {
	Source    domain.FactSource
	Rules     RuleLoader
	Pacer     Pacer
	Publisher Publisher
	Location  *time.Location
}

// Session checks one clinic's claims for one month.
//
// Every Load, RunAll and RecheckAll starts a new generation and cancels the
// previous one; work tagged with an older generation is discarded instead
// of being written over newer results. RecheckOne keeps the current
// generation and is discarded if another operation starts meanwhile.
type Session struct {
	clinicID  string
	source    domain.FactSource
	rules     RuleLoader
	pacer     Pacer
	publisher Publisher
	loc       *time.Location

	// evalMu keeps at most one claim in the checking state.
	evalMu sync.Mutex

	mu         sync.Mutex
	state      State
	month      Month
	claims     []*domain.Claim // replaced on every refresh, never edited
	results    []*domain.CheckResult
	index      map[string]int
	generation uint64
	cancelGen  context.CancelFunc
	snapshot   *rules.Snapshot
}

// NewSession creates an idle session.
func NewSession(clinicID string, opts Options) *Session {
	pacer := opts.Pacer
	if pacer == nil {
		pacer = NoDwell{}
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	return &Session{
		clinicID:  clinicID,
		source:    opts.Source,
		rules:     opts.Rules,
		pacer:     pacer,
		publisher: opts.Publisher,
		loc:       loc,
		state:     StateIdle,
		index:     make(map[string]int),
	}
}

// advance starts a new generation. Caller must hold s.mu.
func (s *Session) advance(ctx context.Context) (uint64, context.Context) {
	if s.cancelGen != nil {
		s.cancelGen()
	}
	s.generation++
	genCtx, cancel := context.WithCancel(ctx)
	s.cancelGen = cancel
	return s.generation, genCtx
}

// abandon supersedes whatever the session is doing.
func (s *Session) abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance(context.Background())
	s.cancelGen()
}

func (s *Session) fail(op string, err error) error {
	return &OperationError{Op: op, ClinicID: s.clinicID, Err: err}
}

// Load fetches the rule snapshot (first time only) and the month's paid
// claims, and resets every result to pending. Nothing is evaluated.
func (s *Session) Load(ctx context.Context, month Month) error {
	ctx, span := tracer.Start(ctx, "check.Load", trace.WithAttributes(
		attribute.String("clinic.id", s.clinicID),
		attribute.String("check.month", month.String()),
	))
	defer span.End()

	s.mu.Lock()
	g, genCtx := s.advance(ctx)
	snap := s.snapshot
	s.mu.Unlock()

	err := s.load(genCtx, g, month, snap, "load")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Session) load(ctx context.Context, g uint64, month Month, snap *rules.Snapshot, op string) error {
	if snap == nil {
		loaded, err := s.rules.Load(ctx, s.clinicID)
		if err != nil {
			s.clear(g, month, nil)
			return s.fail(op, fmt.Errorf("%w: %w", ErrRuleSnapshot, err))
		}
		snap = loaded
	}

	from, to := month.Bounds(s.loc)
	claims, err := s.source.ListPaidClaims(ctx, s.clinicID, from, to)
	if err != nil {
		s.clear(g, month, snap)
		return s.fail(op, fmt.Errorf("failed to fetch claims: %w", err))
	}

	for _, c := range claims {
		c.CreatedAt = c.CreatedAt.In(s.loc)
	}
	results, index := pendingResults(claims)

	s.mu.Lock()
	if s.generation != g {
		s.mu.Unlock()
		return s.fail(op, ErrSuperseded)
	}
	s.snapshot = snap
	s.month = month
	s.claims = claims
	s.results = results
	s.index = index
	s.state = StateLoaded
	ev := s.stateEventLocked()
	s.mu.Unlock()

	slog.Info("claims loaded",
		"clinic_id", s.clinicID,
		"month", month.String(),
		"claims", len(claims),
		"rules", len(snap.Rules),
		"requirements", len(snap.Requirements),
		"skipped_rules", len(snap.Skipped),
		"generation", g,
	)
	s.publish(ctx, domain.TopicSessionState, ev)
	return nil
}

// clear empties the session after a failed fetch so no stale rows remain visible.
func (s *Session) clear(g uint64, month Month, snap *rules.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != g {
		return
	}
	if snap != nil {
		s.snapshot = snap
	}
	s.month = month
	s.claims = nil
	s.results = nil
	s.index = make(map[string]int)
	s.state = StateIdle
}

func pendingResults(claims []*domain.Claim) ([]*domain.CheckResult, map[string]int) {
	results := make([]*domain.CheckResult, len(claims))
	index := make(map[string]int, len(claims))
	for i, c := range claims {
		results[i] = &domain.CheckResult{
			ClaimID:     c.ID,
			PatientID:   c.PatientID,
			PatientName: c.PatientName,
			ClaimedAt:   c.CreatedAt,
			Status:      domain.StatusPending,
			Errors:      []string{},
			Warnings:    []string{},
		}
		index[c.ID] = i
	}
	return results, index
}

// RunAll evaluates every loaded claim in load order, one at a time.
func (s *Session) RunAll(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return s.fail("run", ErrNotLoaded)
	}
	g, genCtx := s.advance(ctx)
	s.mu.Unlock()

	return s.run(genCtx, g, "run")
}

// RecheckAll re-fetches the month's claims and evaluates all of them again.
// The rule snapshot is kept.
func (s *Session) RecheckAll(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "check.RecheckAll", trace.WithAttributes(
		attribute.String("clinic.id", s.clinicID),
	))
	defer span.End()

	s.mu.Lock()
	if s.state == StateIdle && s.month.IsZero() {
		s.mu.Unlock()
		return s.fail("recheck_all", ErrNotLoaded)
	}
	month := s.month
	snap := s.snapshot
	g, genCtx := s.advance(ctx)
	s.mu.Unlock()

	if err := s.load(genCtx, g, month, snap, "recheck_all"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return s.run(genCtx, g, "recheck_all")
}

func (s *Session) run(ctx context.Context, g uint64, op string) error {
	s.mu.Lock()
	if s.generation != g {
		s.mu.Unlock()
		return s.fail(op, ErrSuperseded)
	}
	resets := make([]ResultEvent, len(s.results))
	for i, r := range s.results {
		resetResult(r)
		resets[i] = s.resultEventLocked(r)
	}
	ids := make([]string, len(s.claims))
	for i, c := range s.claims {
		ids[i] = c.ID
	}
	snap := s.snapshot
	month := s.month
	s.state = StateRunning
	ev := s.stateEventLocked()
	s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "check.RunAll", trace.WithAttributes(
		attribute.String("clinic.id", s.clinicID),
		attribute.String("check.month", month.String()),
		attribute.Int("check.claims", len(ids)),
		attribute.Int64("check.generation", int64(g)),
	))
	defer span.End()

	s.publish(ctx, domain.TopicSessionState, ev)
	for _, reset := range resets {
		s.publish(ctx, domain.TopicCheckResult, reset)
	}
	start := time.Now()

	for _, id := range ids {
		if _, err := s.checkClaim(ctx, g, id, snap); err != nil {
			if !errors.Is(err, ErrSuperseded) {
				s.mu.Lock()
				if s.generation == g {
					s.state = StateLoaded
				}
				s.mu.Unlock()
			}
			span.RecordError(err)
			return s.fail(op, err)
		}
	}

	s.mu.Lock()
	if s.generation != g {
		s.mu.Unlock()
		return s.fail(op, ErrSuperseded)
	}
	s.state = StateDone
	ev = s.stateEventLocked()
	s.mu.Unlock()

	slog.Info("check run finished",
		"clinic_id", s.clinicID,
		"month", month.String(),
		"generation", g,
		"total", ev.Summary.Total,
		"ok", ev.Summary.OK,
		"warn", ev.Summary.Warn,
		"error", ev.Summary.Error,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	s.publish(ctx, domain.TopicSessionState, ev)
	return nil
}

func resetResult(r *domain.CheckResult) {
	r.Status = domain.StatusPending
	r.Errors = []string{}
	r.Warnings = []string{}
	r.CheckedAt = nil
}

// RecheckOne re-fetches one claim, swaps it into the aggregation scope and
// evaluates it alone. Other claims' results are untouched.
func (s *Session) RecheckOne(ctx context.Context, claimID string) (domain.CheckResult, error) {
	ctx, span := tracer.Start(ctx, "check.RecheckOne", trace.WithAttributes(
		attribute.String("clinic.id", s.clinicID),
		attribute.String("claim.id", claimID),
	))
	defer span.End()

	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return domain.CheckResult{}, s.fail("recheck", ErrNotLoaded)
	}
	if _, ok := s.index[claimID]; !ok {
		s.mu.Unlock()
		return domain.CheckResult{}, s.fail("recheck", fmt.Errorf("%w: %s", ErrClaimNotFound, claimID))
	}
	g := s.generation
	s.mu.Unlock()

	fresh, err := s.source.GetClaim(ctx, s.clinicID, claimID)
	if err != nil {
		span.RecordError(err)
		return domain.CheckResult{}, s.fail("recheck", fmt.Errorf("failed to fetch claim %s: %w", claimID, err))
	}
	fresh.CreatedAt = fresh.CreatedAt.In(s.loc)

	s.mu.Lock()
	if s.generation != g {
		s.mu.Unlock()
		return domain.CheckResult{}, s.fail("recheck", ErrSuperseded)
	}
	scope := make([]*domain.Claim, len(s.claims))
	copy(scope, s.claims)
	scope[s.index[claimID]] = fresh
	s.claims = scope
	snap := s.snapshot
	s.mu.Unlock()

	res, err := s.checkClaim(ctx, g, claimID, snap)
	if err != nil {
		span.RecordError(err)
		return domain.CheckResult{}, s.fail("recheck", err)
	}
	return res, nil
}

// checkClaim moves one result through checking to its terminal status. The
// claim and scope are read after evalMu is held, so the last evaluation of
// a claim always sees the latest version swapped in by RecheckOne.
func (s *Session) checkClaim(ctx context.Context, g uint64, claimID string, snap *rules.Snapshot) (domain.CheckResult, error) {
	s.evalMu.Lock()
	defer s.evalMu.Unlock()

	s.mu.Lock()
	if s.generation != g {
		s.mu.Unlock()
		return domain.CheckResult{}, ErrSuperseded
	}
	idx, ok := s.index[claimID]
	if !ok {
		s.mu.Unlock()
		return domain.CheckResult{}, fmt.Errorf("%w: %s", ErrClaimNotFound, claimID)
	}
	claim := s.claims[idx]
	scope := s.claims
	r := s.results[idx]
	prev := copyResult(r)
	r.Status = domain.StatusChecking
	checking := s.resultEventLocked(r)
	s.mu.Unlock()

	s.publish(ctx, domain.TopicCheckResult, checking)
	start := time.Now()

	outcome := s.evaluate(ctx, claim, scope, snap)

	if err := s.pacer.Dwell(ctx, start); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.generation != g {
			return domain.CheckResult{}, ErrSuperseded
		}
		*r = prev
		return domain.CheckResult{}, err
	}

	s.mu.Lock()
	if s.generation != g {
		s.mu.Unlock()
		return domain.CheckResult{}, ErrSuperseded
	}
	now := time.Now()
	r.PatientID = claim.PatientID
	r.PatientName = claim.PatientName
	r.ClaimedAt = claim.CreatedAt
	r.Status = outcome.Status()
	r.Errors = outcome.Errors
	r.Warnings = outcome.Warnings
	r.CheckedAt = &now
	done := s.resultEventLocked(r)
	s.mu.Unlock()

	slog.Debug("claim checked",
		"clinic_id", s.clinicID,
		"claim_id", claim.ID,
		"status", done.Result.Status,
		"errors", len(done.Result.Errors),
		"warnings", len(done.Result.Warnings),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	s.publish(ctx, domain.TopicCheckResult, done)
	return done.Result, nil
}

// evaluate fetches diagnoses and runs the rules. A failed fetch becomes an
// error on this claim only.
func (s *Session) evaluate(ctx context.Context, claim *domain.Claim, scope []*domain.Claim, snap *rules.Snapshot) rules.Outcome {
	diagnoses, err := s.source.ListDiagnosesByPatient(ctx, s.clinicID, claim.PatientID)
	if err != nil {
		slog.Warn("diagnosis fetch failed",
			"clinic_id", s.clinicID,
			"claim_id", claim.ID,
			"patient_id", claim.PatientID,
			"error", err,
		)
		return rules.Outcome{
			Errors:   []string{"diagnosis lookup failed: " + err.Error()},
			Warnings: []string{},
		}
	}
	return rules.Evaluate(claim, diagnoses, scope, snap)
}

func copyResult(r *domain.CheckResult) domain.CheckResult {
	c := *r
	c.Errors = append([]string{}, r.Errors...)
	c.Warnings = append([]string{}, r.Warnings...)
	if r.CheckedAt != nil {
		t := *r.CheckedAt
		c.CheckedAt = &t
	}
	return c
}

func (s *Session) resultEventLocked(r *domain.CheckResult) ResultEvent {
	return ResultEvent{
		ClinicID:   s.clinicID,
		Month:      s.month.String(),
		Generation: s.generation,
		Result:     copyResult(r),
	}
}

func (s *Session) stateEventLocked() StateEvent {
	return StateEvent{
		ClinicID:   s.clinicID,
		Month:      s.month.String(),
		Generation: s.generation,
		State:      s.state,
		Summary:    s.summaryLocked(),
	}
}

func (s *Session) summaryLocked() domain.Summary {
	results := make([]domain.CheckResult, len(s.results))
	for i, r := range s.results {
		results[i] = *r
	}
	sum := domain.Summarize(results)
	if s.snapshot != nil {
		sum.SkippedRules = len(s.snapshot.Skipped)
	}
	return sum
}

// ClinicID returns the clinic this session checks.
func (s *Session) ClinicID() string {
	return s.clinicID
}

// State returns the session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Month returns the loaded month, zero if none.
func (s *Session) Month() Month {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.month
}

// Generation returns the current generation counter.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Results returns copies of every result in load order.
func (s *Session) Results() []domain.CheckResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.CheckResult, len(s.results))
	for i, r := range s.results {
		out[i] = copyResult(r)
	}
	return out
}

// Result returns a copy of one claim's result.
func (s *Session) Result(claimID string) (domain.CheckResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.index[claimID]
	if !ok {
		return domain.CheckResult{}, false
	}
	return copyResult(s.results[idx]), true
}

// Summary counts results by status.
func (s *Session) Summary() domain.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryLocked()
}

// Scope returns the current aggregation scope. Callers must not modify it.
func (s *Session) Scope() []*domain.Claim {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims
}

// Snapshot returns the session's rule snapshot, nil before the first Load.
func (s *Session) Snapshot() *rules.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}
