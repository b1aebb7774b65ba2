package term

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"

	// Third-party library for creating PTYs (pseudo-terminals). Running the
	// shell on a PTY gives proper formatting, colors, and interactive
	// behavior, exactly as a desktop terminal emulator would.
	"github.com/creack/pty"

	apperrors "github.com/voxterm/host/internal/errors"
)

// LocalHost is a shell-backed Host implementation used by the host command.
// Each tab runs its own shell process on a PTY; output is pumped into a
// per-tab ByteRing and fanned out to subscribers.
type LocalHost struct {
	mu sync.Mutex

	// shell is the command run in each tab ($SHELL fallback /bin/sh).
	shell string

	// historyBytes is the per-tab replay buffer capacity.
	historyBytes int

	tabs   map[string]*localTab
	order  []string // Tab IDs in creation order for stable enumeration.
	active string

	subscribers []func(tabID string, data []byte)

	// nextTab numbers tabs for IDs and default titles.
	nextTab int
}

// localTab is one shell process attached to a PTY.
type localTab struct {
	info   TabInfo
	cmd    *exec.Cmd
	ptmx   *os.File
	recent *ByteRing
	done   chan struct{}
}

// LocalConfig holds configuration for a LocalHost.
type LocalConfig struct {
	// Shell is the command to run per tab. Default: $SHELL or /bin/sh.
	Shell string

	// HistoryBytes is the per-tab replay buffer size. Default: 256 KiB.
	HistoryBytes int
}

// NewLocalHost creates a LocalHost. Call OpenTab to spawn the first shell.
func NewLocalHost(cfg LocalConfig) *LocalHost {
	shell := cfg.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	return &LocalHost{
		shell:        shell,
		historyBytes: cfg.HistoryBytes,
		tabs:         make(map[string]*localTab),
	}
}

// OpenTab spawns a new shell tab and returns its info.
// The first opened tab becomes the active tab.
func (h *LocalHost) OpenTab(title string) (TabInfo, error) {
	h.mu.Lock()
	h.nextTab++
	id := fmt.Sprintf("tab-%d", h.nextTab)
	if title == "" {
		title = fmt.Sprintf("Terminal %d", h.nextTab)
	}
	shell := h.shell
	h.mu.Unlock()

	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return TabInfo{}, fmt.Errorf("spawn shell for %s: %w", id, err)
	}

	tab := &localTab{
		info:   TabInfo{ID: id, Title: title},
		cmd:    cmd,
		ptmx:   ptmx,
		recent: NewByteRing(h.historyBytes),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.tabs[id] = tab
	h.order = append(h.order, id)
	if h.active == "" {
		h.active = id
	}
	h.mu.Unlock()

	go h.pumpOutput(tab)

	log.Printf("term: opened %s (%s) running %s", id, title, shell)
	return tab.info, nil
}

// pumpOutput copies PTY output into the replay ring and to subscribers
// until the shell exits or the PTY is closed.
func (h *LocalHost) pumpOutput(tab *localTab) {
	defer close(tab.done)

	buf := make([]byte, 4096)
	for {
		n, err := tab.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			tab.recent.Write(data)

			h.mu.Lock()
			subs := make([]func(string, []byte), len(h.subscribers))
			copy(subs, h.subscribers)
			h.mu.Unlock()

			for _, fn := range subs {
				fn(tab.info.ID, data)
			}
		}
		if err != nil {
			// EOF or closed PTY: the shell exited.
			log.Printf("term: %s output ended: %v", tab.info.ID, err)
			return
		}
	}
}

// Write forwards input bytes to the tab's shell.
func (h *LocalHost) Write(tabID string, data []byte) error {
	tab, err := h.lookup(tabID)
	if err != nil {
		return err
	}

	if _, err := tab.ptmx.Write(data); err != nil {
		return apperrors.Wrap(apperrors.CodeTerminalWriteFailed,
			fmt.Sprintf("write to %s failed", tabID), err)
	}
	return nil
}

// Resize changes the tab's terminal dimensions.
func (h *LocalHost) Resize(tabID string, cols, rows int) error {
	tab, err := h.lookup(tabID)
	if err != nil {
		return err
	}

	return pty.Setsize(tab.ptmx, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

// Tab looks up a single tab.
func (h *LocalHost) Tab(tabID string) (TabInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tab, ok := h.tabs[tabID]
	if !ok {
		return TabInfo{}, false
	}
	return tab.info, true
}

// Tabs enumerates tabs in creation order.
func (h *LocalHost) Tabs() []TabInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	infos := make([]TabInfo, 0, len(h.order))
	for _, id := range h.order {
		infos = append(infos, h.tabs[id].info)
	}
	return infos
}

// ActiveTab returns the focused tab's ID, or "".
func (h *LocalHost) ActiveTab() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// SetActiveTab focuses a tab.
func (h *LocalHost) SetActiveTab(tabID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.tabs[tabID]; !ok {
		return apperrors.TabNotFound(tabID)
	}
	h.active = tabID
	return nil
}

// Recent returns the tab's buffered recent output, or nil for unknown tabs.
func (h *LocalHost) Recent(tabID string) []byte {
	h.mu.Lock()
	tab, ok := h.tabs[tabID]
	h.mu.Unlock()

	if !ok {
		return nil
	}
	return tab.recent.Bytes()
}

// Subscribe registers an output callback.
func (h *LocalHost) Subscribe(fn func(tabID string, data []byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers = append(h.subscribers, fn)
}

// Close terminates all tab shells and waits for their output pumps.
// Safe to call more than once.
func (h *LocalHost) Close() error {
	h.mu.Lock()
	tabs := make([]*localTab, 0, len(h.tabs))
	for _, tab := range h.tabs {
		tabs = append(tabs, tab)
	}
	h.tabs = make(map[string]*localTab)
	h.order = nil
	h.active = ""
	h.mu.Unlock()

	for _, tab := range tabs {
		tab.ptmx.Close()
		if tab.cmd.Process != nil {
			tab.cmd.Process.Kill()
		}
		<-tab.done
		tab.cmd.Wait()
	}
	return nil
}

// lookup returns the live tab or a tab_not_found error.
func (h *LocalHost) lookup(tabID string) (*localTab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tab, ok := h.tabs[tabID]
	if !ok {
		return nil, apperrors.TabNotFound(tabID)
	}
	return tab, nil
}
