package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/dental-clinic-os/receiptcheck/internal/bus"
	"github.com/dental-clinic-os/receiptcheck/internal/cache"
	"github.com/dental-clinic-os/receiptcheck/internal/check"
	"github.com/dental-clinic-os/receiptcheck/internal/domain"
	"github.com/dental-clinic-os/receiptcheck/internal/report"
	"github.com/dental-clinic-os/receiptcheck/internal/repository"
	"github.com/dental-clinic-os/receiptcheck/internal/rules"
)

const testClinic = "clinic-001"

var june = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	server  *Server
	repo    *repository.SQLRepository
	manager *check.Manager
}

// createTestServer wires a server over a temp SQLite database seeded with
// two claims for one patient and a frequency cap of two SC units.
func createTestServer(t *testing.T) *testEnv {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "receiptcheck-api-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	ctx := context.Background()
	repo.SavePatient(ctx, testClinic, &domain.Patient{ID: "p-1", Name: "Sato", InsuranceType: "social"})
	repo.SaveCalculationRule(ctx, domain.GlobalClinicID, &domain.CalculationRule{
		ID: "sc-cap", RuleType: "frequency_month", SourceCode: "SC",
		Condition: map[string]any{"max_per_month": 2}, ErrorLevel: domain.LevelError,
		Message: "SC billed too often", LegalBasis: "notice 3-1", Active: true,
	})
	repo.SaveCalculationRule(ctx, testClinic, &domain.CalculationRule{
		ID: "legacy", RuleType: "retired_type", Active: true, SortOrder: 9,
	})
	repo.SaveClaim(ctx, testClinic, &domain.Claim{
		ID: "c-1", PatientID: "p-1", TotalPoints: 100, PatientBurden: 300, BurdenRatio: 0.3,
		CreatedAt: june.Add(24 * time.Hour),
		Lines:     []domain.ProcedureLine{{Code: "SC", Count: 1}},
	})
	repo.SaveClaim(ctx, testClinic, &domain.Claim{
		ID: "c-2", PatientID: "p-1", TotalPoints: 100, PatientBurden: 300, BurdenRatio: 0.3,
		CreatedAt: june.Add(48 * time.Hour),
		Lines:     []domain.ProcedureLine{{Code: "M001", Count: 1}},
	})

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })
	lru := cache.NewLRUCache(10)

	loader := rules.NewLoader(repo, lru, time.Minute, nil)
	manager := check.NewManager(check.Options{
		Source:    repo,
		Rules:     loader,
		Publisher: eventBus,
		Location:  time.UTC,
	})
	t.Cleanup(manager.Close)

	server := NewServer(domain.ServerConfig{Host: "localhost", Port: 8080}, Deps{
		Repo:    repo,
		Cache:   lru,
		Bus:     eventBus,
		Checks:  manager,
		Rules:   loader,
		Version: "test-v1",
	})
	return &testEnv{server: server, repo: repo, manager: manager}
}

func (e *testEnv) do(method, path string, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ClinicIDHeader, testClinic)

	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decodeSession(t *testing.T, rr *httptest.ResponseRecorder) SessionResponse {
	t.Helper()
	var resp SessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v (%s)", err, rr.Body.String())
	}
	return resp
}

// waitDone polls until a sweep newer than generation after has finished.
func (e *testEnv) waitDone(t *testing.T, after uint64) SessionResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp := decodeSession(t, e.do(http.MethodGet, "/checks", ""))
		if resp.Generation > after && resp.State == check.StateDone {
			return resp
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session never reached done")
	return SessionResponse{}
}

func TestCheckEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("IdleSession", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/checks", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		resp := decodeSession(t, rr)
		if resp.State != check.StateIdle || len(resp.Results) != 0 {
			t.Errorf("expected empty idle session, got %+v", resp)
		}
	})

	t.Run("RunBeforeLoad", func(t *testing.T) {
		if rr := env.do(http.MethodPost, "/checks/run", ""); rr.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", rr.Code)
		}
		if rr := env.do(http.MethodPost, "/checks/claims/c-1/recheck", ""); rr.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", rr.Code)
		}
		if rr := env.do(http.MethodGet, "/checks/export.xlsx", ""); rr.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", rr.Code)
		}
	})

	t.Run("InvalidLoad", func(t *testing.T) {
		if rr := env.do(http.MethodPost, "/checks/load", "not-json"); rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for bad JSON, got %d", rr.Code)
		}
		if rr := env.do(http.MethodPost, "/checks/load", `{"month":"June"}`); rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for bad month, got %d", rr.Code)
		}
	})

	t.Run("Load", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/checks/load", `{"month":"2025-06"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}

		resp := decodeSession(t, rr)
		if resp.State != check.StateLoaded || resp.Month != "2025-06" {
			t.Errorf("unexpected session %s/%s", resp.State, resp.Month)
		}
		if len(resp.Results) != 2 || resp.Results[0].ClaimID != "c-1" || resp.Results[0].Status != domain.StatusPending {
			t.Errorf("unexpected results %+v", resp.Results)
		}
		if resp.Summary.Pending != 2 || resp.Summary.SkippedRules != 1 {
			t.Errorf("unexpected summary %+v", resp.Summary)
		}
		if len(resp.SkippedRules) != 1 || resp.SkippedRules[0].ID != "legacy" {
			t.Errorf("expected legacy rule to be reported as skipped, got %+v", resp.SkippedRules)
		}
	})

	t.Run("Run", func(t *testing.T) {
		before := decodeSession(t, env.do(http.MethodGet, "/checks", "")).Generation
		rr := env.do(http.MethodPost, "/checks/run", "")
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", rr.Code)
		}

		resp := env.waitDone(t, before)
		if resp.Summary.OK != 2 {
			t.Errorf("expected 2 ok, got %+v", resp.Summary)
		}
	})

	t.Run("GetResult", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/checks/claims/c-2", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var res domain.CheckResult
		json.Unmarshal(rr.Body.Bytes(), &res)
		if res.ClaimID != "c-2" || res.PatientName != "Sato" || res.Status != domain.StatusOK {
			t.Errorf("unexpected result %+v", res)
		}

		if rr := env.do(http.MethodGet, "/checks/claims/missing", ""); rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("RecheckOne", func(t *testing.T) {
		env.repo.SaveClaim(context.Background(), testClinic, &domain.Claim{
			ID: "c-2", PatientID: "p-1", TotalPoints: 100, PatientBurden: 300, BurdenRatio: 0.3,
			CreatedAt: june.Add(48 * time.Hour),
			Lines:     []domain.ProcedureLine{{Code: "SC", Count: 2}},
		})

		rr := env.do(http.MethodPost, "/checks/claims/c-2/recheck", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var res domain.CheckResult
		json.Unmarshal(rr.Body.Bytes(), &res)
		if res.Status != domain.StatusError || len(res.Errors) != 1 {
			t.Fatalf("expected one error, got %+v", res)
		}
		want := "SC billed too often (2025-06: 3 times, limit 2) [notice 3-1]"
		if res.Errors[0] != want {
			t.Errorf("got %q, want %q", res.Errors[0], want)
		}

		if rr := env.do(http.MethodPost, "/checks/claims/zzz/recheck", ""); rr.Code != http.StatusNotFound {
			t.Errorf("expected 404 for unknown claim, got %d", rr.Code)
		}
	})

	t.Run("StatusFilter", func(t *testing.T) {
		resp := decodeSession(t, env.do(http.MethodGet, "/checks?status=error", ""))
		if len(resp.Results) != 1 || resp.Results[0].ClaimID != "c-2" {
			t.Errorf("expected only c-2, got %+v", resp.Results)
		}
		if resp.Summary.Total != 2 {
			t.Errorf("summary should cover every claim, got %+v", resp.Summary)
		}

		if rr := env.do(http.MethodGet, "/checks?status=bogus", ""); rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("Export", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/checks/export.xlsx", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != xlsxContentType {
			t.Errorf("unexpected content type %s", ct)
		}

		f, err := excelize.OpenReader(bytes.NewReader(rr.Body.Bytes()))
		if err != nil {
			t.Fatalf("response is not a workbook: %v", err)
		}
		defer f.Close()

		rows, _ := f.GetRows(report.ResultsSheet)
		if len(rows) != 3 {
			t.Errorf("expected header and 2 rows, got %d", len(rows))
		}
	})

	t.Run("RecheckAll", func(t *testing.T) {
		before := decodeSession(t, env.do(http.MethodGet, "/checks", "")).Generation
		rr := env.do(http.MethodPost, "/checks/recheck", "")
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", rr.Code)
		}

		resp := env.waitDone(t, before)
		if resp.Summary.Error != 2 {
			t.Errorf("both claims should now exceed the cap, got %+v", resp.Summary)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("ListFromStorage", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/rules", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}

		var resp struct {
			Rules   []RuleView          `json:"rules"`
			Skipped []rules.SkippedRule `json:"skipped"`
			Count   int                 `json:"count"`
			Source  string              `json:"source"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp.Count != 1 || resp.Rules[0].ID != "sc-cap" || resp.Rules[0].Type != rules.RuleFrequencyMonth {
			t.Errorf("unexpected rules %+v", resp.Rules)
		}
		if len(resp.Skipped) != 1 {
			t.Errorf("expected 1 skipped rule, got %d", len(resp.Skipped))
		}
		if resp.Source != "storage" {
			t.Errorf("expected storage source, got %s", resp.Source)
		}
	})

	t.Run("ListFromSession", func(t *testing.T) {
		env.do(http.MethodPost, "/checks/load", `{"month":"2025-06"}`)

		var resp map[string]any
		json.Unmarshal(env.do(http.MethodGet, "/rules", "").Body.Bytes(), &resp)
		if resp["source"] != "session" {
			t.Errorf("expected session source, got %v", resp["source"])
		}
	})

	t.Run("Reload", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/rules/reload", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if _, ok := env.manager.Lookup(testClinic); ok {
			t.Error("expected session to be reset")
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	env := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("MissingClinicID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/checks", nil)

		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("ClinicMiddlewareExtractsID", func(t *testing.T) {
		var captured string

		handler := ClinicMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = GetClinicID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Clinic-ID", "my-clinic-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if captured != "my-clinic-123" {
			t.Errorf("expected clinic ID 'my-clinic-123', got '%s'", captured)
		}
	})

	t.Run("ClinicMiddlewareRejectsGlobal", func(t *testing.T) {
		handler := ClinicMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Clinic-ID", domain.GlobalClinicID)

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}
		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		handler := CORS(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("preflight should not reach the handler")
		}))

		req := httptest.NewRequest(http.MethodOptions, "/checks", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
			t.Error("expected origin to be echoed")
		}
	})

	t.Run("CORSAllowList", func(t *testing.T) {
		reached := 0
		handler := CORS([]string{"https://reception.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reached++
		}))

		req := httptest.NewRequest(http.MethodOptions, "/checks", nil)
		req.Header.Set("Origin", "https://elsewhere.example")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403, got %d", rr.Code)
		}

		req = httptest.NewRequest(http.MethodGet, "/checks", nil)
		req.Header.Set("Origin", "https://reception.example")
		rr = httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Header().Get("Access-Control-Allow-Origin") != "https://reception.example" {
			t.Error("expected allowed origin to be echoed")
		}
		if !strings.Contains(rr.Header().Get("Access-Control-Expose-Headers"), "Content-Disposition") {
			t.Error("expected Content-Disposition to be exposed")
		}
		if reached != 1 {
			t.Errorf("expected one request to reach the handler, got %d", reached)
		}
	})

	t.Run("RecoverKeepsRequestID", func(t *testing.T) {
		handler := TracingMiddleware(RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		})))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-42")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		var body map[string]string
		json.NewDecoder(rr.Body).Decode(&body)
		if rr.Code != http.StatusInternalServerError || body["requestId"] != "req-42" {
			t.Errorf("unexpected response %d %v", rr.Code, body)
		}
	})
}
