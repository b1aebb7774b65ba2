package storage

// settings.go contains Store methods for the key/value settings table.
// The only consumer today is the Credential Authority, which persists the
// bcrypt hash of the optional static password so it survives restarts.

import (
	"database/sql"
	"errors"
	"time"

	apperrors "github.com/voxterm/host/internal/errors"
)

// passwordHashKey is the settings key for the static password hash.
const passwordHashKey = "password_hash"

// SetPasswordHash stores the bcrypt hash of the static password.
func (s *Store) SetPasswordHash(hash string) error {
	return s.setSetting(passwordHashKey, hash)
}

// PasswordHash returns the stored static password hash.
// Returns "" with no error when no password is configured.
func (s *Store) PasswordHash() (string, error) {
	return s.getSetting(passwordHashKey)
}

// ClearPasswordHash removes the static password, reverting the host to
// code-only pairing.
func (s *Store) ClearPasswordHash() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM settings WHERE key = ?", passwordHashKey); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "clear password hash", err)
	}
	return nil
}

// setSetting inserts or replaces a settings row.
func (s *Store) setSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT OR REPLACE INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
	`
	_, err := s.db.Exec(query, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "set setting "+key, err)
	}
	return nil
}

// getSetting returns a settings value, or "" if the key is absent.
func (s *Store) getSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeStorageQueryFailed, "get setting "+key, err)
	}
	return value, nil
}
