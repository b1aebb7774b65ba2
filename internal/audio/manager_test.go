package audio

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingNotifier captures every notification for assertions.
type recordingNotifier struct {
	mu sync.Mutex

	processing []string
	done       []doneEvent
	failed     []failedEvent
}

type doneEvent struct {
	tabID  string
	mode   string
	result Result
}

type failedEvent struct {
	tabID  string
	reason string
}

func (n *recordingNotifier) Processing(tabID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.processing = append(n.processing, tabID)
}

func (n *recordingNotifier) Done(tabID, mode string, result Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.done = append(n.done, doneEvent{tabID: tabID, mode: mode, result: result})
}

func (n *recordingNotifier) Failed(tabID, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, failedEvent{tabID: tabID, reason: reason})
}

func (n *recordingNotifier) snapshot() ([]string, []doneEvent, []failedEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.processing...),
		append([]doneEvent(nil), n.done...),
		append([]failedEvent(nil), n.failed...)
}

// waitDone polls until a Done notification arrives or the deadline passes.
func (n *recordingNotifier) waitDone(t *testing.T) doneEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		if len(n.done) > 0 {
			ev := n.done[0]
			n.mu.Unlock()
			return ev
		}
		n.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no Done notification arrived")
	return doneEvent{}
}

func (n *recordingNotifier) waitFailed(t *testing.T) failedEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		if len(n.failed) > 0 {
			ev := n.failed[0]
			n.mu.Unlock()
			return ev
		}
		n.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no Failed notification arrived")
	return failedEvent{}
}

// captureTranscriber records what it was handed and returns a fixed result.
type captureTranscriber struct {
	mu     sync.Mutex
	calls  int
	audio  []byte
	tabID  string
	mode   string
	result Result
}

func (c *captureTranscriber) fn(_ context.Context, audio []byte, tabID, mode string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.audio = append([]byte(nil), audio...)
	c.tabID = tabID
	c.mode = mode
	return c.result
}

func newTestManager(t *testing.T, tr Transcriber, timeout time.Duration) (*Manager, *recordingNotifier) {
	t.Helper()
	notify := &recordingNotifier{}
	m, err := NewManager(Config{
		Transcribe:     tr,
		Notify:         notify,
		SessionTimeout: timeout,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, notify
}

func TestEndAssemblesChunksInOrder(t *testing.T) {
	tr := &captureTranscriber{result: Result{Text: "echo hi", Success: true}}
	m, notify := newTestManager(t, tr.fn, time.Minute)

	m.Start("tab-1", "command", "m4a")
	m.Chunk(bytes.Repeat([]byte{0xAA}, 10))
	m.Chunk(bytes.Repeat([]byte{0xBB}, 10))
	m.End()

	ev := notify.waitDone(t)
	if ev.tabID != "tab-1" || ev.mode != "command" {
		t.Errorf("Done for %s/%s, want tab-1/command", ev.tabID, ev.mode)
	}
	if !ev.result.Success || ev.result.Text != "echo hi" {
		t.Errorf("result = %+v, want success with text", ev.result)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.calls != 1 {
		t.Fatalf("transcriber invoked %d times, want 1", tr.calls)
	}
	want := append(bytes.Repeat([]byte{0xAA}, 10), bytes.Repeat([]byte{0xBB}, 10)...)
	if !bytes.Equal(tr.audio, want) {
		t.Errorf("transcriber got %d bytes %x, want 20 bytes in chunk order", len(tr.audio), tr.audio)
	}

	processing, _, _ := notify.snapshot()
	if len(processing) != 1 || processing[0] != "tab-1" {
		t.Errorf("processing notifications = %v, want [tab-1]", processing)
	}
}

func TestEndWithNoDataReportsFailure(t *testing.T) {
	tr := &captureTranscriber{}
	m, notify := newTestManager(t, tr.fn, time.Minute)

	m.Start("tab-1", "dictation", "m4a")
	m.End()

	ev := notify.waitDone(t)
	if ev.result.Success {
		t.Error("empty session must not report success")
	}
	if ev.result.Error != "No audio data received" {
		t.Errorf("error = %q, want %q", ev.result.Error, "No audio data received")
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.calls != 0 {
		t.Errorf("transcriber invoked %d times for empty session, want 0", tr.calls)
	}

	processing, _, _ := notify.snapshot()
	if len(processing) != 0 {
		t.Errorf("processing = %v, want none for empty session", processing)
	}
}

func TestOversizedChunkAbortsSession(t *testing.T) {
	tr := &captureTranscriber{}
	m, notify := newTestManager(t, tr.fn, time.Minute)

	m.Start("tab-1", "command", "m4a")
	m.Chunk(make([]byte, 100))
	m.Chunk(make([]byte, MaxChunkBytes+1))

	ev := notify.waitFailed(t)
	if !strings.Contains(ev.reason, "too large") {
		t.Errorf("reason = %q, want chunk-too-large failure", ev.reason)
	}
	if m.Active() {
		t.Error("session must be closed after an oversized chunk")
	}

	// audio_end after the abort is a no-op, not a second result.
	m.End()
	time.Sleep(20 * time.Millisecond)
	_, done, _ := notify.snapshot()
	if len(done) != 0 {
		t.Errorf("done = %v, want none after aborted session", done)
	}
}

func TestCumulativeLimitAbortsSession(t *testing.T) {
	tr := &captureTranscriber{}
	m, notify := newTestManager(t, tr.fn, time.Minute)

	m.Start("tab-1", "command", "m4a")
	// 50 chunks of 1 MiB fill the session exactly; one more byte breaks it.
	chunk := make([]byte, MaxChunkBytes)
	for i := 0; i < 50; i++ {
		m.Chunk(chunk)
	}
	if !m.Active() {
		t.Fatal("session must survive exactly the cumulative limit")
	}
	m.Chunk([]byte{0x01})

	ev := notify.waitFailed(t)
	if !strings.Contains(ev.reason, "50MB") {
		t.Errorf("reason = %q, want cumulative-limit failure", ev.reason)
	}
	if m.Active() {
		t.Error("session must be closed after exceeding the cumulative limit")
	}
}

func TestChunkWithNoSessionIsDropped(t *testing.T) {
	tr := &captureTranscriber{}
	m, notify := newTestManager(t, tr.fn, time.Minute)

	m.Chunk([]byte("stray"))

	time.Sleep(20 * time.Millisecond)
	processing, done, failed := notify.snapshot()
	if len(processing)+len(done)+len(failed) != 0 {
		t.Errorf("notifications = %v/%v/%v, want none", processing, done, failed)
	}
}

func TestEndWithNoSessionReportsFailure(t *testing.T) {
	tr := &captureTranscriber{}
	m, notify := newTestManager(t, tr.fn, time.Minute)

	m.End()

	ev := notify.waitDone(t)
	if ev.tabID != "" {
		t.Errorf("Done for tab %q, want empty tab with no session", ev.tabID)
	}
	if ev.result.Success {
		t.Error("ending with no session must not report success")
	}
	if ev.result.Error != "No audio data received" {
		t.Errorf("error = %q, want %q", ev.result.Error, "No audio data received")
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.calls != 0 {
		t.Errorf("transcriber invoked %d times with no session, want 0", tr.calls)
	}
}

func TestSessionTimeout(t *testing.T) {
	tr := &captureTranscriber{}
	m, notify := newTestManager(t, tr.fn, 30*time.Millisecond)

	m.Start("tab-1", "command", "m4a")
	m.Chunk([]byte("partial"))

	ev := notify.waitFailed(t)
	if ev.tabID != "tab-1" {
		t.Errorf("Failed for %s, want tab-1", ev.tabID)
	}
	if ev.reason != "Audio session timeout (30s limit)" {
		t.Errorf("reason = %q, want timeout message", ev.reason)
	}
	if m.Active() {
		t.Error("session must be closed after timing out")
	}
}

func TestEndCancelsTimeout(t *testing.T) {
	tr := &captureTranscriber{result: Result{Text: "ok", Success: true}}
	m, notify := newTestManager(t, tr.fn, 30*time.Millisecond)

	m.Start("tab-1", "command", "m4a")
	m.Chunk([]byte("audio"))
	m.End()
	notify.waitDone(t)

	// Outlive the timeout window to catch a stray timer firing.
	time.Sleep(60 * time.Millisecond)
	_, _, failed := notify.snapshot()
	if len(failed) != 0 {
		t.Errorf("failed = %v, want none after a clean End", failed)
	}
}

func TestStartReplacesOpenSession(t *testing.T) {
	tr := &captureTranscriber{result: Result{Text: "second", Success: true}}
	m, notify := newTestManager(t, tr.fn, time.Minute)

	m.Start("tab-1", "command", "m4a")
	m.Chunk([]byte("first session audio"))
	m.Start("tab-2", "dictation", "m4a")

	ev := notify.waitFailed(t)
	if ev.tabID != "tab-1" {
		t.Errorf("Failed for %s, want the replaced session's tab-1", ev.tabID)
	}

	// The new session starts empty and transcribes only its own bytes.
	m.Chunk([]byte("xy"))
	m.End()
	done := notify.waitDone(t)
	if done.tabID != "tab-2" || done.mode != "dictation" {
		t.Errorf("Done for %s/%s, want tab-2/dictation", done.tabID, done.mode)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !bytes.Equal(tr.audio, []byte("xy")) {
		t.Errorf("transcriber got %q, want only the new session's bytes", tr.audio)
	}
}

func TestAbortNotifiesAndClears(t *testing.T) {
	tr := &captureTranscriber{}
	m, notify := newTestManager(t, tr.fn, time.Minute)

	m.Start("tab-1", "command", "m4a")
	m.Chunk([]byte("audio"))
	m.Abort("connection lost")

	ev := notify.waitFailed(t)
	if ev.reason != "connection lost" {
		t.Errorf("reason = %q, want connection lost", ev.reason)
	}
	if m.Active() {
		t.Error("session must be closed after Abort")
	}

	// Abort with nothing open is a no-op.
	m.Abort("again")
	time.Sleep(20 * time.Millisecond)
	_, _, failed := notify.snapshot()
	if len(failed) != 1 {
		t.Errorf("failed count = %d, want 1", len(failed))
	}
}

func TestDiscardIsSilent(t *testing.T) {
	tr := &captureTranscriber{}
	m, notify := newTestManager(t, tr.fn, time.Minute)

	m.Start("tab-1", "command", "m4a")
	m.Chunk([]byte("audio"))
	m.Discard()

	if m.Active() {
		t.Error("session must be closed after Discard")
	}
	time.Sleep(20 * time.Millisecond)
	processing, done, failed := notify.snapshot()
	if len(processing)+len(done)+len(failed) != 0 {
		t.Errorf("notifications = %v/%v/%v, want none from Discard", processing, done, failed)
	}
}

func TestNewManagerValidation(t *testing.T) {
	notify := &recordingNotifier{}
	if _, err := NewManager(Config{Notify: notify}); err == nil {
		t.Error("NewManager without Transcribe must fail")
	}
	tr := &captureTranscriber{}
	if _, err := NewManager(Config{Transcribe: tr.fn}); err == nil {
		t.Error("NewManager without Notify must fail")
	}
}
