package mdns

import (
	"testing"
)

func TestServiceType(t *testing.T) {
	// DNS-SD naming convention: _<service>._<protocol>
	if ServiceType != "_voxterm._tcp" {
		t.Errorf("service type = %s, want _voxterm._tcp", ServiceType)
	}
}

func TestAdvertiserNotRunningInitially(t *testing.T) {
	a := NewAdvertiser(Config{Port: 8090})
	if a.IsRunning() {
		t.Error("advertiser must not run before Start")
	}
}

func TestStopBeforeStartIsSafe(t *testing.T) {
	a := NewAdvertiser(Config{Port: 8090})

	// Stop before Start and repeated stops are no-ops.
	a.Stop()
	a.Stop()

	if a.IsRunning() {
		t.Error("advertiser must not run after Stop")
	}
}

// TestAdvertiseStartStop exercises real mDNS registration; it needs
// multicast networking and is skipped in short mode.
func TestAdvertiseStartStop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}

	a := NewAdvertiser(Config{
		Port:        8090,
		Fingerprint: "AA:BB:CC:DD",
		Name:        "voxterm-test-host",
	})

	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !a.IsRunning() {
		t.Error("advertiser must run after Start")
	}

	// Second Start is a no-op.
	if err := a.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	a.Stop()
	if a.IsRunning() {
		t.Error("advertiser must not run after Stop")
	}
}
