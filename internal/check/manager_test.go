package check

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dental-clinic-os/receiptcheck/internal/domain"
)

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session stuck in %s, want %s", s.State(), want)
}

func TestManager(t *testing.T) {
	src, _, _ := fixture(t)
	m := NewManager(Options{Source: src, Rules: staticRules(t), Location: tokyo})
	defer m.Close()

	t.Run("NotLoaded", func(t *testing.T) {
		if err := m.StartRunAll("clinic-1"); !errors.Is(err, ErrNotLoaded) {
			t.Errorf("expected ErrNotLoaded, got %v", err)
		}
		if err := m.StartRecheckAll("clinic-1"); !errors.Is(err, ErrNotLoaded) {
			t.Errorf("expected ErrNotLoaded, got %v", err)
		}
	})

	t.Run("SessionPerClinic", func(t *testing.T) {
		a := m.Session("clinic-1")
		if m.Session("clinic-1") != a {
			t.Error("expected the same session for the same clinic")
		}
		if m.Session("clinic-2") == a {
			t.Error("clinics must not share a session")
		}
	})

	t.Run("BackgroundRun", func(t *testing.T) {
		s := m.Session("clinic-1")
		if err := s.Load(context.Background(), june); err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if err := m.StartRunAll("clinic-1"); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		waitForState(t, s, StateDone)

		if sum := s.Summary(); sum.OK != 3 {
			t.Errorf("expected 3 ok, got %+v", sum)
		}

		if err := m.StartRecheckAll("clinic-1"); err != nil {
			t.Fatalf("start recheck failed: %v", err)
		}
		waitForState(t, s, StateDone)
	})

	t.Run("Reset", func(t *testing.T) {
		m.Reset("clinic-1")
		if _, ok := m.Lookup("clinic-1"); ok {
			t.Error("expected session to be dropped")
		}
	})
}

func TestManagerCloseStopsSweeps(t *testing.T) {
	src, _, _ := fixture(t)
	pacer := &gatePacer{entered: make(chan struct{}, 1)}
	m := NewManager(Options{Source: src, Rules: staticRules(t), Pacer: pacer})

	s := m.Session("clinic-1")
	s.Load(context.Background(), june)
	if err := m.StartRunAll("clinic-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	<-pacer.entered

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not stop the sweep")
	}
	for _, r := range s.Results() {
		if r.Status == domain.StatusChecking {
			t.Errorf("claim %s left in checking", r.ClaimID)
		}
	}
}
