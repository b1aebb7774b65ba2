package storage

import (
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/voxterm/host/internal/errors"
)

// newTestStore opens an in-memory database for testing.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPasswordHashRoundTrip(t *testing.T) {
	store := newTestStore(t)

	// No password configured initially
	hash, err := store.PasswordHash()
	if err != nil {
		t.Fatalf("PasswordHash failed: %v", err)
	}
	if hash != "" {
		t.Errorf("expected empty hash initially, got %q", hash)
	}

	// Store a hash
	if err := store.SetPasswordHash("$2a$10$abcdef"); err != nil {
		t.Fatalf("SetPasswordHash failed: %v", err)
	}

	hash, err = store.PasswordHash()
	if err != nil {
		t.Fatalf("PasswordHash failed: %v", err)
	}
	if hash != "$2a$10$abcdef" {
		t.Errorf("hash = %q, want $2a$10$abcdef", hash)
	}

	// Replacing overwrites
	if err := store.SetPasswordHash("$2a$10$zzzzzz"); err != nil {
		t.Fatalf("SetPasswordHash failed: %v", err)
	}
	hash, _ = store.PasswordHash()
	if hash != "$2a$10$zzzzzz" {
		t.Errorf("hash = %q, want replacement value", hash)
	}

	// Clearing reverts to code-only pairing
	if err := store.ClearPasswordHash(); err != nil {
		t.Fatalf("ClearPasswordHash failed: %v", err)
	}
	hash, _ = store.PasswordHash()
	if hash != "" {
		t.Errorf("expected empty hash after clear, got %q", hash)
	}
}

func TestOpenFailureIsCoded(t *testing.T) {
	// The parent directory does not exist, so the driver cannot create
	// the database file.
	path := filepath.Join(t.TempDir(), "missing", "voxterm.db")
	_, err := Open(path)
	if err == nil {
		t.Fatal("Open in a nonexistent directory must fail")
	}
	if !apperrors.IsCode(err, apperrors.CodeStorageOpenFailed) {
		t.Errorf("error code = %q, want %q", apperrors.GetCode(err), apperrors.CodeStorageOpenFailed)
	}
}

func TestClearPasswordHashWhenUnset(t *testing.T) {
	store := newTestStore(t)

	// Clearing with no password configured must not error.
	if err := store.ClearPasswordHash(); err != nil {
		t.Fatalf("ClearPasswordHash on empty store failed: %v", err)
	}
}

func TestDeviceRoundTrip(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	device := &Device{
		ID:             "device-1",
		Name:           "Pixel 9",
		FirstConnected: now,
		LastConnected:  now,
	}

	if err := store.SaveDevice(device); err != nil {
		t.Fatalf("SaveDevice failed: %v", err)
	}

	got, err := store.GetDevice("device-1")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected device, got nil")
	}
	if got.Name != "Pixel 9" {
		t.Errorf("Name = %q, want Pixel 9", got.Name)
	}
	if !got.FirstConnected.Equal(now) {
		t.Errorf("FirstConnected = %v, want %v", got.FirstConnected, now)
	}
}

func TestGetDeviceMissing(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetDevice("nope")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing device, got %+v", got)
	}
}

func TestSaveDeviceNil(t *testing.T) {
	store := newTestStore(t)
	if err := store.SaveDevice(nil); err == nil {
		t.Error("expected error for nil device")
	}
}

func TestListDevicesOrdering(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().UTC()
	for i, id := range []string{"old", "mid", "new"} {
		device := &Device{
			ID:             id,
			Name:           id,
			FirstConnected: base,
			LastConnected:  base.Add(time.Duration(i) * time.Hour),
		}
		if err := store.SaveDevice(device); err != nil {
			t.Fatalf("SaveDevice failed: %v", err)
		}
	}

	devices, err := store.ListDevices()
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(devices))
	}

	// Most recently connected first
	if devices[0].ID != "new" || devices[2].ID != "old" {
		t.Errorf("unexpected ordering: %s, %s, %s",
			devices[0].ID, devices[1].ID, devices[2].ID)
	}
}

func TestUpdateLastConnected(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().UTC().Truncate(time.Millisecond)
	device := &Device{ID: "d1", Name: "iPhone", FirstConnected: base, LastConnected: base}
	if err := store.SaveDevice(device); err != nil {
		t.Fatalf("SaveDevice failed: %v", err)
	}

	later := base.Add(2 * time.Hour)
	if err := store.UpdateLastConnected("d1", later); err != nil {
		t.Fatalf("UpdateLastConnected failed: %v", err)
	}

	got, err := store.GetDevice("d1")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if !got.LastConnected.Equal(later) {
		t.Errorf("LastConnected = %v, want %v", got.LastConnected, later)
	}

	// Unknown device yields ErrDeviceNotFound
	if err := store.UpdateLastConnected("ghost", later); err != ErrDeviceNotFound {
		t.Errorf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestAuthEventLog(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().UTC().Truncate(time.Millisecond)
	outcomes := []string{
		AuthOutcomeFailure,
		AuthOutcomeFailure,
		AuthOutcomeLockout,
		AuthOutcomeRejected,
		AuthOutcomeSuccess,
	}
	for i, outcome := range outcomes {
		if err := store.RecordAuthEvent("10.0.0.5", outcome, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("RecordAuthEvent failed: %v", err)
		}
	}
	// A different source should not show up in the query below.
	if err := store.RecordAuthEvent("10.0.0.9", AuthOutcomeFailure, base); err != nil {
		t.Fatalf("RecordAuthEvent failed: %v", err)
	}

	events, err := store.AuthEventsBySource("10.0.0.5", 10)
	if err != nil {
		t.Fatalf("AuthEventsBySource failed: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}

	// Newest first
	if events[0].Outcome != AuthOutcomeSuccess {
		t.Errorf("newest outcome = %q, want success", events[0].Outcome)
	}
	if events[4].Outcome != AuthOutcomeFailure {
		t.Errorf("oldest outcome = %q, want failure", events[4].Outcome)
	}

	// Limit applies
	events, err = store.AuthEventsBySource("10.0.0.5", 2)
	if err != nil {
		t.Fatalf("AuthEventsBySource failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 events with limit, got %d", len(events))
	}
}
