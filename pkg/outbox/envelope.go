package outbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is the newest envelope schema this build writes and reads.
const EnvelopeVersion = 1

// ActorRef identifies who triggered the order event.
type ActorRef struct {
	UserID uuid.UUID `json:"userId"`
	Role   string    `json:"role,omitempty"`
}

// PayloadEnvelope wraps every outbox payload; consumers read the version
// before decoding Data.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// Validate rejects envelopes this build cannot interpret.
func (e PayloadEnvelope) Validate() error {
	if e.Version < 1 || e.Version > EnvelopeVersion {
		return fmt.Errorf("unsupported envelope version %d", e.Version)
	}
	if e.EventID == "" {
		return errors.New("envelope missing event id")
	}
	trimmed := bytes.TrimSpace(e.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return errors.New("envelope missing data")
	}
	return nil
}
