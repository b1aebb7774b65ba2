package term

import (
	"sync"

	apperrors "github.com/voxterm/host/internal/errors"
)

// MemoryHost is an in-memory Host implementation with no real terminals.
// The session layer is unit-tested against it, and callers embedding the
// host in another application can use it as a starting point.
type MemoryHost struct {
	mu sync.Mutex

	tabs   map[string]*memoryTab
	order  []string
	active string

	subscribers []func(tabID string, data []byte)
}

// memoryTab records writes and resizes instead of driving a shell.
type memoryTab struct {
	info   TabInfo
	recent *ByteRing

	// Written accumulates all input bytes forwarded to the tab.
	written []byte

	// Cols and Rows hold the last resize.
	cols, rows int
}

// NewMemoryHost creates an empty in-memory host.
func NewMemoryHost() *MemoryHost {
	return &MemoryHost{tabs: make(map[string]*memoryTab)}
}

// AddTab registers a tab. The first added tab becomes active.
func (h *MemoryHost) AddTab(id, title string) TabInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	tab := &memoryTab{
		info:   TabInfo{ID: id, Title: title},
		recent: NewByteRing(64 * 1024),
	}
	h.tabs[id] = tab
	h.order = append(h.order, id)
	if h.active == "" {
		h.active = id
	}
	return tab.info
}

// EmitOutput simulates terminal output: it is buffered for replay and
// delivered to subscribers, as a PTY-backed host would.
func (h *MemoryHost) EmitOutput(tabID string, data []byte) {
	h.mu.Lock()
	tab, ok := h.tabs[tabID]
	if ok {
		tab.recent.Write(data)
	}
	subs := make([]func(string, []byte), len(h.subscribers))
	copy(subs, h.subscribers)
	h.mu.Unlock()

	if !ok {
		return
	}
	for _, fn := range subs {
		fn(tabID, data)
	}
}

// Written returns all input bytes forwarded to the tab so far.
func (h *MemoryHost) Written(tabID string) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	tab, ok := h.tabs[tabID]
	if !ok {
		return nil
	}
	out := make([]byte, len(tab.written))
	copy(out, tab.written)
	return out
}

// LastResize returns the most recent resize applied to the tab.
func (h *MemoryHost) LastResize(tabID string) (cols, rows int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tab, ok := h.tabs[tabID]
	if !ok {
		return 0, 0
	}
	return tab.cols, tab.rows
}

// Write implements Host.
func (h *MemoryHost) Write(tabID string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	tab, ok := h.tabs[tabID]
	if !ok {
		return apperrors.TabNotFound(tabID)
	}
	tab.written = append(tab.written, data...)
	return nil
}

// Resize implements Host.
func (h *MemoryHost) Resize(tabID string, cols, rows int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	tab, ok := h.tabs[tabID]
	if !ok {
		return apperrors.TabNotFound(tabID)
	}
	tab.cols, tab.rows = cols, rows
	return nil
}

// Tab implements Host.
func (h *MemoryHost) Tab(tabID string) (TabInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tab, ok := h.tabs[tabID]
	if !ok {
		return TabInfo{}, false
	}
	return tab.info, true
}

// Tabs implements Host.
func (h *MemoryHost) Tabs() []TabInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	infos := make([]TabInfo, 0, len(h.order))
	for _, id := range h.order {
		infos = append(infos, h.tabs[id].info)
	}
	return infos
}

// ActiveTab implements Host.
func (h *MemoryHost) ActiveTab() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// SetActiveTab implements Host.
func (h *MemoryHost) SetActiveTab(tabID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.tabs[tabID]; !ok {
		return apperrors.TabNotFound(tabID)
	}
	h.active = tabID
	return nil
}

// Recent implements Host.
func (h *MemoryHost) Recent(tabID string) []byte {
	h.mu.Lock()
	tab, ok := h.tabs[tabID]
	h.mu.Unlock()

	if !ok {
		return nil
	}
	return tab.recent.Bytes()
}

// Subscribe implements Host.
func (h *MemoryHost) Subscribe(fn func(tabID string, data []byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers = append(h.subscribers, fn)
}
