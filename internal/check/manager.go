package check

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Manager owns one session per clinic and runs long sweeps in the background.
type Manager struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a manager whose sessions share opts.
func NewManager(opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Session returns the clinic's session, creating it on first use.
func (m *Manager) Session(clinicID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[clinicID]
	if !ok {
		s = NewSession(clinicID, m.opts)
		m.sessions[clinicID] = s
	}
	return s
}

// Lookup returns the clinic's session if one exists.
func (m *Manager) Lookup(clinicID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[clinicID]
	return s, ok
}

// Reset drops the clinic's session so the next Load fetches a new rule
// snapshot. Work still running on the dropped session is superseded.
func (m *Manager) Reset(clinicID string) {
	m.mu.Lock()
	s, ok := m.sessions[clinicID]
	delete(m.sessions, clinicID)
	m.mu.Unlock()

	if ok {
		s.abandon()
	}
}

// StartRunAll runs RunAll in the background.
func (m *Manager) StartRunAll(clinicID string) error {
	s, ok := m.Lookup(clinicID)
	if !ok || s.State() == StateIdle {
		return &OperationError{Op: "run", ClinicID: clinicID, Err: ErrNotLoaded}
	}
	m.background(s, "run", s.RunAll)
	return nil
}

// StartRecheckAll runs RecheckAll in the background.
func (m *Manager) StartRecheckAll(clinicID string) error {
	s, ok := m.Lookup(clinicID)
	if !ok || s.Month().IsZero() {
		return &OperationError{Op: "recheck_all", ClinicID: clinicID, Err: ErrNotLoaded}
	}
	m.background(s, "recheck_all", s.RecheckAll)
	return nil
}

func (m *Manager) background(s *Session, op string, fn func(context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		err := fn(m.ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrSuperseded), errors.Is(err, context.Canceled):
			slog.Info("background check stopped",
				"clinic_id", s.ClinicID(),
				"op", op,
				"reason", err.Error(),
			)
		default:
			slog.Error("background check failed",
				"clinic_id", s.ClinicID(),
				"op", op,
				"error", err,
			)
		}
	}()
}

// Close cancels background sweeps and waits for them to stop.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}
