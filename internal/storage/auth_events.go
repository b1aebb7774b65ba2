package storage

// auth_events.go contains Store methods for the authentication audit log.
// Every authentication attempt is recorded with its source address and
// outcome so lockouts can be reviewed after the fact.

import (
	"fmt"
	"time"

	apperrors "github.com/voxterm/host/internal/errors"
)

// Auth event outcomes.
const (
	AuthOutcomeSuccess  = "success"
	AuthOutcomeFailure  = "failure"
	AuthOutcomeLockout  = "lockout"
	AuthOutcomeRejected = "rejected" // Attempt during an active lockout
)

// AuthEvent is one row of the authentication audit log.
type AuthEvent struct {
	ID         int64
	Source     string
	Outcome    string
	OccurredAt time.Time
}

// RecordAuthEvent appends an authentication attempt to the audit log.
func (s *Store) RecordAuthEvent(source, outcome string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO auth_events (source, outcome, occurred_at)
		VALUES (?, ?, ?)
	`
	_, err := s.db.Exec(query, source, outcome, at.Format(time.RFC3339Nano))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "record auth event", err)
	}
	return nil
}

// AuthEventsBySource returns the audit rows for one source address,
// newest first, capped at limit.
func (s *Store) AuthEventsBySource(source string, limit int) ([]*AuthEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, source, outcome, occurred_at
		FROM auth_events
		WHERE source = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := s.db.Query(query, source, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "query auth events", err)
	}
	defer rows.Close()

	var events []*AuthEvent
	for rows.Next() {
		var ev AuthEvent
		var occurred string
		if err := rows.Scan(&ev.ID, &ev.Source, &ev.Outcome, &occurred); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "scan auth event", err)
		}
		ev.OccurredAt, err = time.Parse(time.RFC3339Nano, occurred)
		if err != nil {
			return nil, fmt.Errorf("parse occurred_at: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "iterate auth events", err)
	}

	return events, nil
}
