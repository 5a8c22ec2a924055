package check

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/dental-clinic-os/receiptcheck/internal/domain"
)

// Publisher is the publishing half of domain.EventBus.
type Publisher interface {
	Publish(ctx context.Context, clinicID string, topic string, payload []byte) error
}

// ResultEvent is published on every per-claim status transition.
type ResultEvent struct {
	ClinicID   string             `json:"clinicId"`
	Month      string             `json:"month"`
	Generation uint64             `json:"generation"`
	Result     domain.CheckResult `json:"result"`
}

// StateEvent is published when the session state changes.
type StateEvent struct {
	ClinicID   string         `json:"clinicId"`
	Month      string         `json:"month"`
	Generation uint64         `json:"generation"`
	State      State          `json:"state"`
	Summary    domain.Summary `json:"summary"`
}

// publish is best effort; observers never block or fail a check.
func (s *Session) publish(ctx context.Context, topic string, event any) {
	if s.publisher == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("failed to encode check event", "topic", topic, "error", err)
		return
	}

	if err := s.publisher.Publish(context.WithoutCancel(ctx), s.clinicID, topic, payload); err != nil {
		slog.Warn("failed to publish check event",
			"topic", topic,
			"clinic_id", s.clinicID,
			"error", err,
		)
	}
}
