package wal

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// WAL Type Definitions
// ============================================================================

// EventType defines WAL record types
type EventType string

const (
	EventProgress      EventType = "PROGRESS"       // Accepted progress event
	EventTokenIssued   EventType = "TOKEN_ISSUED"   // Callback token issued (digest only)
	EventTokenRedeemed EventType = "TOKEN_REDEEMED" // Callback token redeemed
	EventTokenExpired  EventType = "TOKEN_EXPIRED"  // Callback token expired unredeemed
)

// Event represents a WAL record
type Event struct {
	Seq       uint64          `json:"seq"`       // Global sequence number (monotonically increasing, survives rotation)
	Type      EventType       `json:"type"`      // Record type
	Key       string          `json:"key"`       // pipeline/job for progress, token digest for tokens
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Body      json.RawMessage `json:"body"`      // Typed payload
	Checksum  uint32          `json:"checksum"`  // CRC32 over type|key|seq|body
}

// Decode unmarshals the record body.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("wal: decode %s seq=%d: %w", e.Type, e.Seq, err)
	}
	return nil
}

// EventHandler is the function type for processing WAL events during
// Replay. Returning an error aborts the replay.
type EventHandler func(event Event) error
