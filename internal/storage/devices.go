package storage

// devices.go contains Store methods for device records.
// A device row is created the first time a peer authenticates successfully
// and updated on every later connection. This is history for the status UI,
// not an allowlist: the protocol remains single-client and credential-gated.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	apperrors "github.com/voxterm/host/internal/errors"
)

// Device represents a peer that has authenticated at least once.
type Device struct {
	ID             string
	Name           string
	FirstConnected time.Time
	LastConnected  time.Time
}

// SaveDevice persists a device record.
// Uses INSERT OR REPLACE to handle both new devices and updates.
func (s *Store) SaveDevice(device *Device) error {
	if device == nil {
		return errors.New("device cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: saving device %s (%s)", device.ID, device.Name)

	const query = `
		INSERT OR REPLACE INTO devices
			(id, name, first_connected, last_connected)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		device.ID,
		device.Name,
		device.FirstConnected.Format(time.RFC3339Nano),
		device.LastConnected.Format(time.RFC3339Nano),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "save device", err)
	}

	return nil
}

// GetDevice retrieves a device by ID.
// Returns nil, nil if the device does not exist.
func (s *Store) GetDevice(id string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, name, first_connected, last_connected
		FROM devices
		WHERE id = ?
	`

	device, err := scanDevice(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "get device", err)
	}

	return device, nil
}

// ListDevices returns all known devices, most recently connected first.
func (s *Store) ListDevices() ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, name, first_connected, last_connected
		FROM devices
		ORDER BY last_connected DESC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "list devices", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "scan device", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "iterate devices", err)
	}

	return devices, nil
}

// UpdateLastConnected bumps a device's last_connected timestamp.
func (s *Store) UpdateLastConnected(id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		"UPDATE devices SET last_connected = ? WHERE id = ?",
		t.Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "update last_connected", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "update last_connected rows", err)
	}
	if affected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// scanner abstracts over *sql.Row and *sql.Rows for scanDevice.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanDevice reads a device row from a query result.
func scanDevice(row scanner) (*Device, error) {
	var device Device
	var first, last string

	if err := row.Scan(&device.ID, &device.Name, &first, &last); err != nil {
		return nil, err
	}

	var err error
	device.FirstConnected, err = time.Parse(time.RFC3339Nano, first)
	if err != nil {
		return nil, fmt.Errorf("parse first_connected: %w", err)
	}
	device.LastConnected, err = time.Parse(time.RFC3339Nano, last)
	if err != nil {
		return nil, fmt.Errorf("parse last_connected: %w", err)
	}

	return &device, nil
}
