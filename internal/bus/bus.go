// Package bus carries check results and recheck requests between the
// orchestrator, the HTTP API and background workers.
package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dental-clinic-os/receiptcheck/internal/domain"
)

// AllClinics subscribes to a topic for every clinic.
const AllClinics = "*"

var (
	ErrClinicRequired = errors.New("clinicID is required")
	ErrClosed         = errors.New("bus is closed")
)

// New creates a new event bus based on configuration.
// "channel" is in-process; "nats" spans processes.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

func newMessage(clinicID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		ClinicID:  clinicID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}
