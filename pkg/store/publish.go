package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"fmt"
)

// PostgreSQL NOTIFY payloads are limited to 8000 bytes. Keep a safety
// margin below the hard limit.
const maxNotifyPayloadSize = 7900

// notifyEnvelope is the wire form of a change set on a NOTIFY channel.
// When a persisted set exceeds the payload limit only the routing
// fields are sent and Truncated is set; subscribers re-read the full
// set from board_events by EventID.
type notifyEnvelope struct {
	BoardID   string           `json:"boardId"`
	EventID   int64            `json:"eventId,omitempty"`
	Objects   []ObjectChange   `json:"objects,omitempty"`
	Presence  []PresenceChange `json:"presence,omitempty"`
	Truncated bool             `json:"truncated,omitempty"`
}

// notifyObjects emits the object change set on the board's objects
// channel inside tx, so the notification fires only if the transaction
// commits.
func (s *Store) notifyObjects(ctx context.Context, tx *stdsql.Tx, boardID string, eventID int64, changes []ObjectChange) error {
	envelope := notifyEnvelope{
		BoardID: boardID,
		EventID: eventID,
		Objects: changes,
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal notify payload: %w", err)
	}
	payload, err = truncateIfNeeded(payload, boardID, eventID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", ObjectsChannel(boardID), string(payload)); err != nil {
		return fmt.Errorf("failed to notify objects channel: %w", err)
	}
	return nil
}

// notifyPresence emits presence changes on the board's presence
// channel. Presence is transient and never persisted, so an oversized
// set cannot be re-read later; it is split into multiple payloads
// instead. Entries are independent per user, so splitting is safe.
func (s *Store) notifyPresence(ctx context.Context, tx *stdsql.Tx, boardID string, changes []PresenceChange) error {
	for _, chunk := range chunkPresence(boardID, changes) {
		payload, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("failed to marshal presence payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", PresenceChannel(boardID), string(payload)); err != nil {
			return fmt.Errorf("failed to notify presence channel: %w", err)
		}
	}
	return nil
}

// truncateIfNeeded replaces an oversized payload with a minimal
// envelope that carries only routing metadata and the truncation flag.
func truncateIfNeeded(payload []byte, boardID string, eventID int64) ([]byte, error) {
	if len(payload) <= maxNotifyPayloadSize {
		return payload, nil
	}

	truncated, err := json.Marshal(notifyEnvelope{
		BoardID:   boardID,
		EventID:   eventID,
		Truncated: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return truncated, nil
}

// chunkPresence splits presence changes into envelopes that each fit
// within the payload limit.
func chunkPresence(boardID string, changes []PresenceChange) []notifyEnvelope {
	if len(changes) == 0 {
		return nil
	}

	// A presence change serializes to well under 300 bytes: a cap of
	// 25 entries per envelope keeps every chunk comfortably inside the
	// limit without measuring each payload.
	const perEnvelope = 25

	var envelopes []notifyEnvelope
	for start := 0; start < len(changes); start += perEnvelope {
		end := start + perEnvelope
		if end > len(changes) {
			end = len(changes)
		}
		envelopes = append(envelopes, notifyEnvelope{
			BoardID:  boardID,
			Presence: changes[start:end],
		})
	}
	return envelopes
}
