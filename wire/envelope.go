// ABOUTME: Envelope type and the message type constants the runtime understands.
// ABOUTME: Helpers for building envelopes with fresh IDs and timestamps.

package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the unit of exchange with the service. Data is an opaque
// JSON payload interpreted per Type.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
}

// Envelope types the client runtime sends or handles. Everything else is
// passed through to subscribers untouched.
const (
	TypeQRRequest       = "qr_request"
	TypeQRUpdate        = "qr_update"
	TypePairingRequest  = "pairing_request"
	TypeAuthSuccess     = "auth_success"
	TypeAck             = "ack"
	TypeError           = "error"
	TypeSessionValidate = "session_validate"
	TypePing            = "ping"
)

// NewEnvelope builds an envelope of the given type with a fresh ID and
// the supplied payload marshaled into Data.
func NewEnvelope(envType string, payload any) (*Envelope, error) {
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = encoded
	}
	return &Envelope{
		Type:      envType,
		Data:      data,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UnixMilli(),
	}, nil
}
