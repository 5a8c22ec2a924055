// Package worker consumes recheck requests from the EventBus. Other parts of
// the clinic system publish a request after editing a claim or diagnosis so
// the open checking session picks up the change.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dental-clinic-os/receiptcheck/internal/bus"
	"github.com/dental-clinic-os/receiptcheck/internal/check"
	"github.com/dental-clinic-os/receiptcheck/internal/domain"
)

// Worker applies recheck requests to the clinics' checking sessions.
type Worker struct {
	bus    domain.EventBus
	checks *check.Manager

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// ClinicIDs limits the worker to these clinics. Empty subscribes to all.
	ClinicIDs []string
}

// NewWorker creates a worker bound to the session manager.
func NewWorker(eventBus domain.EventBus, checks *check.Manager) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    eventBus,
		checks: checks,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to recheck requests.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.ClinicIDs) == 0 {
		return w.subscribe(bus.AllClinics)
	}

	for _, clinicID := range cfg.ClinicIDs {
		if err := w.subscribe(clinicID); err != nil {
			slog.Error("failed to start worker for clinic",
				"clinic_id", clinicID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"clinic_count", len(cfg.ClinicIDs),
	)
	return nil
}

func (w *Worker) subscribe(clinicID string) error {
	sub, err := w.bus.Subscribe(w.ctx, clinicID, domain.TopicRecheckRequested, w.handleMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("recheck worker subscribed",
		"clinic_id", clinicID,
		"topic", domain.TopicRecheckRequested,
	)
	return nil
}

// RecheckRequest is the payload on TopicRecheckRequested.
//
// ClaimID set rechecks that claim alone. ClaimID empty rechecks the whole
// loaded month. Month set loads that month first when the session holds a
// different one (or none) and then runs it.
type RecheckRequest struct {
	ClaimID string `json:"claimId,omitempty"`
	Month   string `json:"month,omitempty"`
}

// RequestRecheck publishes a recheck request for a clinic.
func RequestRecheck(ctx context.Context, pub check.Publisher, clinicID string, req RecheckRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode recheck request: %w", err)
	}
	return pub.Publish(ctx, clinicID, domain.TopicRecheckRequested, payload)
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processRecheck(ctx, msg.ClinicID, msg)
}

func (w *Worker) processRecheck(ctx context.Context, clinicID string, msg *domain.Message) error {
	start := time.Now()

	var req RecheckRequest
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			slog.Error("failed to parse recheck request",
				"message_id", msg.ID,
				"error", err,
			)
			return err
		}
	}

	slog.Debug("processing recheck request",
		"clinic_id", clinicID,
		"claim_id", req.ClaimID,
		"month", req.Month,
		"message_id", msg.ID,
	)

	if req.Month != "" {
		month, err := check.ParseMonth(req.Month)
		if err != nil {
			slog.Error("invalid recheck month", "clinic_id", clinicID, "error", err)
			return err
		}
		s := w.checks.Session(clinicID)
		if s.Month() != month || s.State() == check.StateIdle {
			if err := s.Load(ctx, month); err != nil {
				slog.Error("recheck load failed", "clinic_id", clinicID, "month", req.Month, "error", err)
				return err
			}
			return w.checks.StartRunAll(clinicID)
		}
	}

	s, ok := w.checks.Lookup(clinicID)
	if !ok || s.Month().IsZero() {
		slog.Warn("recheck requested without a loaded month",
			"clinic_id", clinicID,
			"claim_id", req.ClaimID,
		)
		return nil
	}

	if req.ClaimID == "" {
		return w.checks.StartRecheckAll(clinicID)
	}

	res, err := s.RecheckOne(ctx, req.ClaimID)
	if err != nil {
		slog.Error("claim recheck failed",
			"clinic_id", clinicID,
			"claim_id", req.ClaimID,
			"error", err,
		)
		return err
	}

	slog.Info("claim rechecked",
		"clinic_id", clinicID,
		"claim_id", req.ClaimID,
		"status", res.Status,
		"errors", len(res.Errors),
		"warnings", len(res.Warnings),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes from the bus.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
