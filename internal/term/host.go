// Package term defines the terminal host collaborator consumed by the
// remote-control session layer, plus a shell-backed implementation.
//
// The session core never talks to a PTY directly: it depends on the Host
// interface so it can be unit-tested against an in-memory fake, and so the
// surrounding application can plug in whatever terminal registry it owns.
package term

// TabInfo describes one terminal tab for snapshots and tab lists.
type TabInfo struct {
	// ID is the stable tab identifier referenced by control messages.
	ID string `json:"id"`

	// Title is a human-readable tab name.
	Title string `json:"title"`
}

// Host is the terminal registry the session layer drives.
//
// Write and Resize target a specific tab and must fail with a recognizable
// error when the tab does not exist; the message router translates that
// into a typed reply without closing the connection. Subscribe delivers
// output for relay to the connected peer; Recent returns the buffered
// recent output of a tab for replay to a freshly authenticated peer.
type Host interface {
	// Write forwards input bytes to the tab's terminal.
	Write(tabID string, data []byte) error

	// Resize changes the tab's terminal dimensions.
	Resize(tabID string, cols, rows int) error

	// Tab looks up a single tab. The bool reports existence.
	Tab(tabID string) (TabInfo, bool)

	// Tabs enumerates all tabs in display order.
	Tabs() []TabInfo

	// ActiveTab returns the ID of the currently focused tab, or "".
	ActiveTab() string

	// SetActiveTab focuses a tab.
	SetActiveTab(tabID string) error

	// Recent returns the buffered recent output of a tab, oldest first.
	// Returns nil for an unknown tab.
	Recent(tabID string) []byte

	// Subscribe registers a callback for terminal output. The callback
	// must not block; it is invoked from the output pump goroutine.
	Subscribe(fn func(tabID string, data []byte))
}
