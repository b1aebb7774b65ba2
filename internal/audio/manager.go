// Package audio implements buffered voice-input sessions.
//
// A session is opened by an audio_start control message, accumulates binary
// audio chunks, and is finalized by audio_end. The complete buffer is then
// handed to a Transcriber. Sessions are bounded in three dimensions: the
// size of a single chunk, the cumulative size of a session, and how long a
// session may stay open.
package audio

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	// MaxChunkBytes is the largest single binary chunk accepted.
	MaxChunkBytes = 1 * 1024 * 1024

	// MaxSessionBytes is the cumulative limit across one session.
	MaxSessionBytes = 50 * 1024 * 1024

	// DefaultSessionTimeout closes sessions that never receive audio_end.
	DefaultSessionTimeout = 30 * time.Second
)

// Result is the outcome of transcribing one finished session.
type Result struct {
	// Text is the transcription, empty on failure.
	Text string

	// Success reports whether transcription produced usable text.
	Success bool

	// Executed reports whether the text was acted on (command mode).
	Executed bool

	// Error holds a human-readable failure description when Success is false.
	Error string
}

// Transcriber converts a complete audio buffer into text. It is invoked
// asynchronously, off the connection's read loop, with the full session
// buffer and the session's target tab and mode.
type Transcriber func(ctx context.Context, audio []byte, tabID, mode string) Result

// Notifier receives session outcomes for delivery to the connected peer.
// Processing is signalled once when transcription starts; Done carries the
// final result. Failed carries buffer-limit and timeout failures that end a
// session without ever reaching the transcriber.
type Notifier interface {
	// Processing reports that a finished session entered transcription.
	Processing(tabID string)

	// Done delivers the transcription result for a finished session.
	Done(tabID, mode string, result Result)

	// Failed reports a session ended by a limit, timeout, or replacement.
	Failed(tabID string, reason string)
}

// session is one in-flight recording.
type session struct {
	tabID  string
	mode   string
	format string

	chunks [][]byte
	total  int

	startedAt time.Time
	timer     *time.Timer
}

// Config holds Manager construction parameters.
type Config struct {
	// Transcribe converts finished buffers to text. Required.
	Transcribe Transcriber

	// Notify receives outcomes. Required.
	Notify Notifier

	// SessionTimeout overrides DefaultSessionTimeout. Tests shorten it.
	SessionTimeout time.Duration

	// TimeNow is injectable for tests. Defaults to time.Now.
	TimeNow func() time.Time
}

// Manager owns at most one audio session at a time and enforces its bounds.
// All methods are safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	transcribe Transcriber
	notify     Notifier
	timeout    time.Duration
	timeNow    func() time.Time

	current *session
}

// NewManager creates a Manager from the given configuration.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Transcribe == nil {
		return nil, fmt.Errorf("audio: Transcribe is required")
	}
	if cfg.Notify == nil {
		return nil, fmt.Errorf("audio: Notify is required")
	}

	timeout := cfg.SessionTimeout
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	timeNow := cfg.TimeNow
	if timeNow == nil {
		timeNow = time.Now
	}

	return &Manager{
		transcribe: cfg.Transcribe,
		notify:     cfg.Notify,
		timeout:    timeout,
		timeNow:    timeNow,
	}, nil
}

// Active reports whether a session is currently open.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// Start opens a new session for the given tab. If a session is already
// open, the old one is discarded with a failure notification and the new
// one replaces it.
func (m *Manager) Start(tabID, mode, format string) {
	m.mu.Lock()

	var replaced *session
	if m.current != nil {
		replaced = m.current
		m.teardownLocked()
	}

	s := &session{
		tabID:     tabID,
		mode:      mode,
		format:    format,
		startedAt: m.timeNow(),
	}
	s.timer = time.AfterFunc(m.timeout, func() { m.expire(s) })
	m.current = s
	m.mu.Unlock()

	if replaced != nil {
		log.Printf("audio: session for %s replaced by new session for %s", replaced.tabID, tabID)
		m.notify.Failed(replaced.tabID, "Audio session replaced by a new recording")
	}
	log.Printf("audio: session started for %s (mode=%s format=%s)", tabID, mode, format)
}

// Chunk appends one binary frame to the open session. Frames arriving with
// no session open are dropped. A frame that violates the per-chunk or
// cumulative limit aborts the session.
func (m *Manager) Chunk(data []byte) {
	m.mu.Lock()
	s := m.current
	if s == nil {
		m.mu.Unlock()
		log.Printf("audio: dropped %d-byte chunk with no session open", len(data))
		return
	}

	if len(data) > MaxChunkBytes {
		m.teardownLocked()
		m.mu.Unlock()
		log.Printf("audio: %s aborted, %d-byte chunk exceeds limit", s.tabID, len(data))
		m.notify.Failed(s.tabID, "Audio chunk too large (max 1MB)")
		return
	}
	if s.total+len(data) > MaxSessionBytes {
		m.teardownLocked()
		m.mu.Unlock()
		log.Printf("audio: %s aborted, session exceeds %d bytes", s.tabID, MaxSessionBytes)
		m.notify.Failed(s.tabID, "Audio session too large (max 50MB)")
		return
	}

	chunk := make([]byte, len(data))
	copy(chunk, data)
	s.chunks = append(s.chunks, chunk)
	s.total += len(data)
	m.mu.Unlock()
}

// End finalizes the open session and hands the assembled buffer to the
// transcriber on a fresh goroutine. Ending with no session open or with no
// buffered audio yields a failure result instead.
func (m *Manager) End() {
	m.mu.Lock()
	s := m.current
	if s == nil {
		m.mu.Unlock()
		// The peer is waiting for a result; answer with the same failure
		// as an empty session. No tab is known at this point.
		log.Printf("audio: audio_end with no session open")
		m.notify.Done("", "", Result{
			Success: false,
			Error:   "No audio data received",
		})
		return
	}
	m.teardownLocked()
	m.mu.Unlock()

	if s.total == 0 {
		m.notify.Done(s.tabID, s.mode, Result{
			Success: false,
			Error:   "No audio data received",
		})
		return
	}

	buf := make([]byte, 0, s.total)
	for _, chunk := range s.chunks {
		buf = append(buf, chunk...)
	}

	log.Printf("audio: session for %s finished with %d bytes, transcribing", s.tabID, s.total)
	m.notify.Processing(s.tabID)

	go func() {
		result := m.transcribe(context.Background(), buf, s.tabID, s.mode)
		m.notify.Done(s.tabID, s.mode, result)
	}()
}

// Abort discards the open session without transcription. Used when the
// connection drops mid-recording. Safe to call with no session open.
func (m *Manager) Abort(reason string) {
	m.mu.Lock()
	s := m.current
	if s == nil {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.mu.Unlock()

	log.Printf("audio: session for %s aborted: %s", s.tabID, reason)
	m.notify.Failed(s.tabID, reason)
}

// Discard drops the open session silently, with no peer notification.
// Used on disconnect when there is nobody left to notify.
func (m *Manager) Discard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	log.Printf("audio: session for %s discarded", m.current.tabID)
	m.teardownLocked()
}

// expire is the timer callback for sessions that never see audio_end.
func (m *Manager) expire(s *session) {
	m.mu.Lock()
	// The timer may race with End or a replacing Start. Only the session
	// the timer was armed for may be expired.
	if m.current != s {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.mu.Unlock()

	log.Printf("audio: session for %s timed out after %s", s.tabID, m.timeout)
	m.notify.Failed(s.tabID, "Audio session timeout (30s limit)")
}

// teardownLocked stops the timer and clears the current session.
// Callers must hold m.mu.
func (m *Manager) teardownLocked() {
	if m.current == nil {
		return
	}
	m.current.timer.Stop()
	m.current = nil
}
