package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dental-clinic-os/receiptcheck/internal/check"
	"github.com/dental-clinic-os/receiptcheck/internal/domain"
	"github.com/dental-clinic-os/receiptcheck/internal/report"
	"github.com/dental-clinic-os/receiptcheck/internal/repository"
	"github.com/dental-clinic-os/receiptcheck/internal/rules"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	checks  *check.Manager
	rules   *rules.Loader
	version string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		repo:    deps.Repo,
		cache:   deps.Cache,
		bus:     deps.Bus,
		checks:  deps.Checks,
		rules:   deps.Rules,
		version: deps.Version,
	}
}

// SessionResponse is a clinic's checking session as seen by the UI.
type SessionResponse struct {
	ClinicID     string               `json:"clinicId"`
	Month        string               `json:"month"`
	State        check.State          `json:"state"`
	Generation   uint64               `json:"generation"`
	Summary      domain.Summary       `json:"summary"`
	Results      []domain.CheckResult `json:"results"`
	SkippedRules []rules.SkippedRule  `json:"skippedRules,omitempty"`
}

func sessionResponse(clinicID string, s *check.Session, status domain.CheckStatus) SessionResponse {
	resp := SessionResponse{
		ClinicID: clinicID,
		State:    check.StateIdle,
		Results:  []domain.CheckResult{},
	}
	if s == nil {
		return resp
	}

	resp.Month = s.Month().String()
	resp.State = s.State()
	resp.Generation = s.Generation()
	resp.Summary = s.Summary()
	if snap := s.Snapshot(); snap != nil {
		resp.SkippedRules = snap.Skipped
	}
	for _, r := range s.Results() {
		if status == "" || r.Status == status {
			resp.Results = append(resp.Results, r)
		}
	}
	return resp
}

// writeCheckError maps orchestrator failures onto HTTP statuses.
func writeCheckError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, check.ErrNotLoaded), errors.Is(err, check.ErrSuperseded):
		status = http.StatusConflict
	case errors.Is(err, check.ErrClaimNotFound), errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, check.ErrRuleSnapshot):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

// LoadRequest is the request body for POST /checks/load.
type LoadRequest struct {
	Month string `json:"month"`
}

// Load handles POST /checks/load: fetch the month's claims, evaluate nothing.
func (h *Handler) Load(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clinicID := GetClinicID(ctx)

	var req LoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	month, err := check.ParseMonth(req.Month)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	s := h.checks.Session(clinicID)
	if err := s.Load(ctx, month); err != nil {
		slog.Error("failed to load month", "clinic_id", clinicID, "month", req.Month, "error", err)
		writeCheckError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse(clinicID, s, ""))
}

// RunAll handles POST /checks/run. The sweep runs in the background; watch
// GET /checks or the result topic for progress.
func (h *Handler) RunAll(w http.ResponseWriter, r *http.Request) {
	clinicID := GetClinicID(r.Context())

	if err := h.checks.StartRunAll(clinicID); err != nil {
		writeCheckError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "check run started",
	})
}

// RecheckAll handles POST /checks/recheck.
func (h *Handler) RecheckAll(w http.ResponseWriter, r *http.Request) {
	clinicID := GetClinicID(r.Context())

	if err := h.checks.StartRecheckAll(clinicID); err != nil {
		writeCheckError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "recheck started",
	})
}

// RecheckOne handles POST /checks/claims/{id}/recheck synchronously.
func (h *Handler) RecheckOne(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clinicID := GetClinicID(ctx)
	claimID := chi.URLParam(r, "id")

	s, ok := h.checks.Lookup(clinicID)
	if !ok {
		writeCheckError(w, check.ErrNotLoaded)
		return
	}

	res, err := s.RecheckOne(ctx, claimID)
	if err != nil {
		slog.Warn("claim recheck failed", "clinic_id", clinicID, "claim_id", claimID, "error", err)
		writeCheckError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// ListResults handles GET /checks with an optional status filter.
func (h *Handler) ListResults(w http.ResponseWriter, r *http.Request) {
	clinicID := GetClinicID(r.Context())

	status := domain.CheckStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.StatusPending, domain.StatusChecking, domain.StatusOK, domain.StatusWarn, domain.StatusError:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("unknown status %q", status),
		})
		return
	}

	s, _ := h.checks.Lookup(clinicID)
	writeJSON(w, http.StatusOK, sessionResponse(clinicID, s, status))
}

// GetResult handles GET /checks/claims/{id}.
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	clinicID := GetClinicID(r.Context())
	claimID := chi.URLParam(r, "id")

	s, ok := h.checks.Lookup(clinicID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "claim not in session",
		})
		return
	}

	res, ok := s.Result(claimID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "claim not in session",
		})
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// Export handles GET /checks/export.xlsx.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	clinicID := GetClinicID(r.Context())

	s, ok := h.checks.Lookup(clinicID)
	if !ok || s.Month().IsZero() {
		writeCheckError(w, check.ErrNotLoaded)
		return
	}

	month := s.Month().String()
	data, err := report.Generate(report.Input{
		ClinicID: clinicID,
		Month:    month,
		Results:  s.Results(),
		Summary:  s.Summary(),
	})
	if err != nil {
		slog.Error("failed to build report", "clinic_id", clinicID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to build report",
		})
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="receipt-check-%s.xlsx"`, month))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// RuleView is a compiled rule as listed by GET /rules.
type RuleView struct {
	ID         string            `json:"id"`
	Type       rules.RuleType    `json:"ruleType"`
	SourceCode string            `json:"sourceCode"`
	TargetCode string            `json:"targetCode,omitempty"`
	Level      domain.ErrorLevel `json:"errorLevel"`
	Message    string            `json:"message"`
	LegalBasis string            `json:"legalBasis,omitempty"`
}

// ListRules returns the rule snapshot in use. Before a month is loaded the
// snapshot is read fresh from storage.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clinicID := GetClinicID(ctx)

	source := "session"
	var snap *rules.Snapshot
	if s, ok := h.checks.Lookup(clinicID); ok {
		snap = s.Snapshot()
	}
	if snap == nil {
		if h.rules == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "rule loader not available",
			})
			return
		}
		loaded, err := h.rules.Load(ctx, clinicID)
		if err != nil {
			slog.Error("failed to load rules", "clinic_id", clinicID, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "failed to load rules",
			})
			return
		}
		snap = loaded
		source = "storage"
	}

	views := make([]RuleView, len(snap.Rules))
	for i, rule := range snap.Rules {
		views[i] = RuleView{
			ID:         rule.ID,
			Type:       rule.Type,
			SourceCode: rule.SourceCode,
			TargetCode: rule.TargetCode,
			Level:      rule.Level,
			Message:    rule.Message,
			LegalBasis: rule.LegalBasis,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":        views,
		"requirements": snap.Requirements,
		"skipped":      snap.Skipped,
		"count":        len(views),
		"compiledAt":   snap.CompiledAt.Format(time.RFC3339),
		"source":       source,
	})
}

// ReloadRules drops the cached rule rows and the clinic's session. The next
// load compiles a new snapshot.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clinicID := GetClinicID(ctx)

	if h.rules != nil {
		if err := h.rules.Invalidate(ctx, clinicID); err != nil {
			slog.Warn("failed to invalidate rule cache", "clinic_id", clinicID, "error", err)
		}
	}
	h.checks.Reset(clinicID)

	slog.Info("rule snapshot reset", "clinic_id", clinicID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rules will be reloaded on the next load",
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
