//go:build integration

// End-to-end checks against a running server.
//
// Seed and start it first:
//
//	receiptcheck seed --file internal/seed/testdata/clinic.yaml
//	receiptcheck serve
//
// Run with: RECEIPTCHECK_TEST_URL=http://localhost:8080 go test -tags=integration ./internal/api/...
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/dental-clinic-os/receiptcheck/internal/domain"
)

const liveClinic = "clinic-001"

func liveURL() string {
	if u := os.Getenv("RECEIPTCHECK_TEST_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func call(t *testing.T, method, path, clinicID string, body any) (int, []byte) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, liveURL()+path, rd)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if clinicID != "" {
		req.Header.Set(ClinicIDHeader, clinicID)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp.StatusCode, data
}

func liveSession(t *testing.T) SessionResponse {
	t.Helper()
	code, data := call(t, http.MethodGet, "/checks", liveClinic, nil)
	if code != http.StatusOK {
		t.Fatalf("GET /checks: %d %s", code, data)
	}
	var s SessionResponse
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("Failed to decode session: %v (body: %s)", err, data)
	}
	return s
}

func TestLiveMonthlyCheck(t *testing.T) {
	code, data := call(t, http.MethodPost, "/checks/load", liveClinic, LoadRequest{Month: "2025-06"})
	if code != http.StatusOK {
		t.Fatalf("load: %d %s", code, data)
	}

	code, data = call(t, http.MethodPost, "/checks/run", liveClinic, nil)
	if code != http.StatusAccepted {
		t.Fatalf("run: %d %s", code, data)
	}

	var s SessionResponse
	deadline := time.Now().Add(30 * time.Second)
	for {
		s = liveSession(t)
		if s.State == "done" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not finish, state %s", s.State)
		}
		time.Sleep(200 * time.Millisecond)
	}

	byID := map[string]domain.CheckResult{}
	for _, r := range s.Results {
		byID[r.ClaimID] = r
	}
	if got := byID["c-1"].Status; got != domain.StatusOK {
		t.Errorf("c-1: expected ok, got %s (%v)", got, byID["c-1"].Errors)
	}

	c2 := byID["c-2"]
	if c2.Status != domain.StatusError {
		t.Fatalf("c-2: expected error, got %s", c2.Status)
	}
	if len(c2.Errors) != 1 || c2.Errors[0] != "claim has no points [billing manual 1-1]" {
		t.Errorf("c-2 errors: %v", c2.Errors)
	}
	if len(c2.Warnings) == 0 || c2.Warnings[len(c2.Warnings)-1] != "chart note mentions pain but no procedure was billed" {
		t.Errorf("c-2 warnings should end with the AI warning: %v", c2.Warnings)
	}

	t.Run("RecheckOne", func(t *testing.T) {
		code, data := call(t, http.MethodPost, "/checks/claims/c-2/recheck", liveClinic, nil)
		if code != http.StatusOK {
			t.Fatalf("recheck: %d %s", code, data)
		}
		var r domain.CheckResult
		json.Unmarshal(data, &r)
		if r.Status != domain.StatusError {
			t.Errorf("expected error, got %s", r.Status)
		}
	})

	t.Run("Export", func(t *testing.T) {
		code, data := call(t, http.MethodGet, "/checks/export.xlsx", liveClinic, nil)
		if code != http.StatusOK || len(data) == 0 {
			t.Fatalf("export: %d, %d bytes", code, len(data))
		}
	})
}

func TestLiveMissingClinicHeader(t *testing.T) {
	code, data := call(t, http.MethodGet, "/checks", "", nil)
	if code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", code, data)
	}
}

func TestLiveUnknownClaim(t *testing.T) {
	code, _ := call(t, http.MethodGet, "/checks/claims/does-not-exist", liveClinic, nil)
	if code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}
