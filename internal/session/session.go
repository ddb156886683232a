// ABOUTME: Session record, auth method constants, and the Store interface.
// ABOUTME: Blobs are opaque to the interface; encoding lives with the Session type.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store errors
var (
	ErrNotFound = errors.New("session not found")
)

// Authentication methods recorded on a session.
const (
	MethodQR      = "qr"
	MethodPairing = "pairing"
)

// Session is the identity record for one authenticated client. It is
// created on auth success and survives restarts through a Store.
type Session struct {
	ID            string            `json:"id"`
	Authenticated bool              `json:"authenticated"`
	AuthMethod    string            `json:"auth_method"`
	Token         string            `json:"token"`
	CreatedAt     time.Time         `json:"created_at"`
	ConnectedAt   time.Time         `json:"connected_at"`
	ClientInfo    map[string]string `json:"client_info,omitempty"`
}

// Encode serializes the session for storage.
func (s *Session) Encode() ([]byte, error) {
	blob, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding session: %w", err)
	}
	return blob, nil
}

// DecodeSession parses a stored session blob.
func DecodeSession(blob []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &s, nil
}

// Store persists session blobs by name. Implementations own encryption;
// the blob handed to Save is plaintext and the blob returned by Load is
// plaintext. Load returns ErrNotFound for an unknown name.
type Store interface {
	Exists(ctx context.Context, name string) (bool, error)
	Load(ctx context.Context, name string) ([]byte, error)
	Save(ctx context.Context, name string, blob []byte) error
	Delete(ctx context.Context, name string) error
}
