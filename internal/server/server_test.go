package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxterm/host/internal/audio"
	"github.com/voxterm/host/internal/auth"
	"github.com/voxterm/host/internal/term"
)

const testCode = "ABCDEF"

// stubAuth accepts exactly testCode and returns a configurable error for
// everything else.
type stubAuth struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (a *stubAuth) Authenticate(candidate, source string) error {
	a.mu.Lock()
	a.calls++
	err := a.err
	a.mu.Unlock()

	if candidate == testCode {
		return nil
	}
	if err != nil {
		return err
	}
	return auth.ErrInvalidCredential
}

// recordingStatus captures status sink notifications.
type recordingStatus struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	authFailed   int
}

func (r *recordingStatus) ClientConnected(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, name)
}

func (r *recordingStatus) ClientDisconnected(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, reason)
}

func (r *recordingStatus) AuthFailed(source string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authFailed++
}

// stubTranscriber records the buffer it was handed.
type stubTranscriber struct {
	mu    sync.Mutex
	bytes int
	calls int
}

type testServer struct {
	srv    *Server
	host   *term.MemoryHost
	ts     *httptest.Server
	status *recordingStatus
	tr     *stubTranscriber
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	host := term.NewMemoryHost()
	host.AddTab("tab-1", "Terminal 1")

	status := &recordingStatus{}
	if cfg.Auth == nil {
		cfg.Auth = &stubAuth{}
	}
	cfg.Host = host
	cfg.Hostname = "testhost"
	cfg.Shell = "/bin/zsh"
	cfg.Status = status

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tr := &stubTranscriber{}
	mgr, err := audio.NewManager(audio.Config{
		Transcribe: func(_ context.Context, buf []byte, tabID, mode string) audio.Result {
			tr.mu.Lock()
			tr.calls++
			tr.bytes = len(buf)
			tr.mu.Unlock()
			return audio.Result{Text: "echo hi", Success: true}
		},
		Notify: srv.AudioNotifier(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	srv.SetAudio(mgr)

	ts := httptest.NewServer(srv.createMux())
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})

	return &testServer{srv: srv, host: host, ts: ts, status: status, tr: tr}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

type wireMessage map[string]interface{}

func (m wireMessage) str(key string) string {
	v, _ := m[key].(string)
	return v
}

func readMessage(t *testing.T, ws *websocket.Conn) wireMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m wireMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

// readTyped reads until a message of the wanted type arrives, answering
// pings along the way so heartbeat-enabled tests do not stall.
func readTyped(t *testing.T, ws *websocket.Conn, want string) wireMessage {
	t.Helper()
	for i := 0; i < 20; i++ {
		m := readMessage(t, ws)
		switch m.str("type") {
		case want:
			return m
		case "ping":
			ws.WriteJSON(map[string]string{"type": "pong"})
		default:
			t.Fatalf("got %q message %v, want %q", m.str("type"), m, want)
		}
	}
	t.Fatalf("no %q message arrived", want)
	return nil
}

func sendJSON(t *testing.T, ws *websocket.Conn, msg interface{}) {
	t.Helper()
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func authenticate(t *testing.T, ws *websocket.Conn) wireMessage {
	t.Helper()
	sendJSON(t, ws, map[string]string{
		"type":       "auth",
		"code":       testCode,
		"deviceName": "Test Phone",
		"deviceId":   "device-1",
	})
	return readTyped(t, ws, "auth_success")
}

// waitFor polls a condition until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAuthSuccessSendsSnapshotAndReplay(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.host.EmitOutput("tab-1", []byte("$ uptime\n"))

	ws := ts.dial(t)
	snap := authenticate(t, ws)

	if snap.str("sessionId") == "" {
		t.Error("auth_success must carry a session ID")
	}
	if snap.str("hostname") != "testhost" || snap.str("shell") != "/bin/zsh" {
		t.Errorf("snapshot host info = %v", snap)
	}
	if snap.str("activeTab") != "tab-1" {
		t.Errorf("activeTab = %q, want tab-1", snap.str("activeTab"))
	}
	tabs, _ := snap["tabs"].([]interface{})
	if len(tabs) != 1 {
		t.Errorf("tabs = %v, want one tab", snap["tabs"])
	}

	replay := readTyped(t, ws, "terminal_data")
	if replay.str("tabId") != "tab-1" || replay.str("data") != "$ uptime\n" {
		t.Errorf("replay = %v, want buffered output for tab-1", replay)
	}
}

func TestAuthWithWrongCodeRejectsAndCloses(t *testing.T) {
	ts := newTestServer(t, Config{})
	ws := ts.dial(t)

	sendJSON(t, ws, map[string]string{"type": "auth", "code": "WRONG1"})
	m := readTyped(t, ws, "error")
	if m.str("code") != "auth.invalid_code" {
		t.Errorf("code = %q, want auth.invalid_code", m.str("code"))
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("connection must close after a failed auth")
	}

	ts.status.mu.Lock()
	defer ts.status.mu.Unlock()
	if ts.status.authFailed != 1 {
		t.Errorf("authFailed = %d, want 1", ts.status.authFailed)
	}
}

func TestAuthDuringLockoutReportsRemaining(t *testing.T) {
	ts := newTestServer(t, Config{
		Auth: &stubAuth{err: &auth.LockoutError{Remaining: 90 * time.Second}},
	})
	ws := ts.dial(t)

	sendJSON(t, ws, map[string]string{"type": "auth", "code": "WRONG1"})
	m := readTyped(t, ws, "error")
	if m.str("code") != "auth.rate_limit_exceeded" {
		t.Errorf("code = %q, want auth.rate_limit_exceeded", m.str("code"))
	}
	if !strings.Contains(m.str("message"), "90") {
		t.Errorf("message = %q, want remaining seconds", m.str("message"))
	}
}

func TestSecondClientRejected(t *testing.T) {
	ts := newTestServer(t, Config{})

	first := ts.dial(t)
	authenticate(t, first)

	second := ts.dial(t)
	sendJSON(t, second, map[string]string{"type": "auth", "code": testCode})
	m := readTyped(t, second, "error")
	if m.str("code") != "auth.already_connected" {
		t.Errorf("code = %q, want auth.already_connected", m.str("code"))
	}

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := second.ReadMessage(); err == nil {
		t.Error("second connection must close")
	}

	// The first session is untouched.
	sendJSON(t, first, map[string]string{"type": "get_tabs"})
	readTyped(t, first, "tabs_update")
}

func TestMessagesBeforeAuthRejected(t *testing.T) {
	ts := newTestServer(t, Config{})
	ws := ts.dial(t)

	sendJSON(t, ws, map[string]string{"type": "get_tabs"})
	m := readTyped(t, ws, "error")
	if m.str("code") != "auth.required" {
		t.Errorf("code = %q, want auth.required", m.str("code"))
	}

	// The connection survives and can still authenticate.
	authenticate(t, ws)
}

func TestTerminalWriteReachesHost(t *testing.T) {
	ts := newTestServer(t, Config{})
	ws := ts.dial(t)
	authenticate(t, ws)

	sendJSON(t, ws, map[string]string{"type": "terminal_write", "tabId": "tab-1", "data": "ls\n"})

	waitFor(t, "input to reach the host", func() bool {
		return string(ts.host.Written("tab-1")) == "ls\n"
	})
}

func TestTerminalWriteUnknownTabKeepsConnection(t *testing.T) {
	ts := newTestServer(t, Config{})
	ws := ts.dial(t)
	authenticate(t, ws)

	sendJSON(t, ws, map[string]string{"type": "terminal_write", "tabId": "tab-9", "data": "x"})
	m := readTyped(t, ws, "error")
	if m.str("code") != "terminal.tab_not_found" {
		t.Errorf("code = %q, want terminal.tab_not_found", m.str("code"))
	}

	sendJSON(t, ws, map[string]string{"type": "get_tabs"})
	readTyped(t, ws, "tabs_update")
}

func TestTerminalResize(t *testing.T) {
	ts := newTestServer(t, Config{})
	ws := ts.dial(t)
	authenticate(t, ws)

	sendJSON(t, ws, map[string]interface{}{
		"type": "terminal_resize", "tabId": "tab-1", "cols": 120, "rows": 40,
	})

	waitFor(t, "resize to reach the host", func() bool {
		cols, rows := ts.host.LastResize("tab-1")
		return cols == 120 && rows == 40
	})
}

func TestTerminalOutputRelay(t *testing.T) {
	ts := newTestServer(t, Config{})
	ws := ts.dial(t)
	authenticate(t, ws)

	ts.host.EmitOutput("tab-1", []byte("hello from shell"))
	m := readTyped(t, ws, "terminal_data")
	if m.str("tabId") != "tab-1" || m.str("data") != "hello from shell" {
		t.Errorf("relay = %v", m)
	}
}

func TestSwitchTabAndGetContext(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.host.AddTab("tab-2", "Terminal 2")
	ts.host.EmitOutput("tab-2", []byte("second tab output"))

	ws := ts.dial(t)
	authenticate(t, ws)

	sendJSON(t, ws, map[string]string{"type": "switch_tab", "tabId": "tab-2"})
	m := readTyped(t, ws, "tabs_update")
	if m.str("activeTab") != "tab-2" {
		t.Errorf("activeTab = %q, want tab-2", m.str("activeTab"))
	}

	// Empty tabId means the active tab.
	sendJSON(t, ws, map[string]string{"type": "get_context"})
	ctx := readTyped(t, ws, "context")
	if ctx.str("tabId") != "tab-2" || ctx.str("content") != "second tab output" {
		t.Errorf("context = %v", ctx)
	}
}

func TestSwitchTabUnknownTab(t *testing.T) {
	ts := newTestServer(t, Config{})
	ws := ts.dial(t)
	authenticate(t, ws)

	sendJSON(t, ws, map[string]string{"type": "switch_tab", "tabId": "tab-9"})
	m := readTyped(t, ws, "error")
	if m.str("code") != "terminal.tab_not_found" {
		t.Errorf("code = %q, want terminal.tab_not_found", m.str("code"))
	}
}

func TestMalformedJSONKeepsConnection(t *testing.T) {
	ts := newTestServer(t, Config{})
	ws := ts.dial(t)
	authenticate(t, ws)

	ws.WriteMessage(websocket.TextMessage, []byte("not json at all"))
	m := readTyped(t, ws, "error")
	if m.str("code") != "server.invalid_message" {
		t.Errorf("code = %q, want server.invalid_message", m.str("code"))
	}

	sendJSON(t, ws, map[string]string{"type": "get_tabs"})
	readTyped(t, ws, "tabs_update")
}

func TestUnknownTypeIsDropped(t *testing.T) {
	ts := newTestServer(t, Config{})
	ws := ts.dial(t)
	authenticate(t, ws)

	sendJSON(t, ws, map[string]string{"type": "frobnicate"})

	// No reply; the next request still works.
	sendJSON(t, ws, map[string]string{"type": "get_tabs"})
	readTyped(t, ws, "tabs_update")
}

func TestAudioSessionRoundTrip(t *testing.T) {
	ts := newTestServer(t, Config{})
	ws := ts.dial(t)
	authenticate(t, ws)

	sendJSON(t, ws, map[string]string{
		"type": "audio_start", "tabId": "tab-1", "mode": "command", "format": "m4a",
	})
	ws.WriteMessage(websocket.BinaryMessage, make([]byte, 10))
	ws.WriteMessage(websocket.BinaryMessage, make([]byte, 10))
	sendJSON(t, ws, map[string]string{"type": "audio_end"})

	status := readTyped(t, ws, "transcription_status")
	if status.str("status") != "processing" {
		t.Errorf("status = %q, want processing", status.str("status"))
	}

	result := readTyped(t, ws, "transcription_result")
	if result.str("text") != "echo hi" || result["success"] != true {
		t.Errorf("result = %v", result)
	}
	if result.str("tabId") != "tab-1" || result.str("mode") != "command" {
		t.Errorf("result routing = %v", result)
	}

	ts.tr.mu.Lock()
	defer ts.tr.mu.Unlock()
	if ts.tr.calls != 1 || ts.tr.bytes != 20 {
		t.Errorf("transcriber calls=%d bytes=%d, want 1 call with 20 bytes", ts.tr.calls, ts.tr.bytes)
	}
}

func TestAudioStartUnknownTab(t *testing.T) {
	ts := newTestServer(t, Config{})
	ws := ts.dial(t)
	authenticate(t, ws)

	sendJSON(t, ws, map[string]string{"type": "audio_start", "tabId": "tab-9"})
	m := readTyped(t, ws, "error")
	if m.str("code") != "terminal.tab_not_found" {
		t.Errorf("code = %q, want terminal.tab_not_found", m.str("code"))
	}
}

func TestAudioEndWithoutDataReportsFailure(t *testing.T) {
	ts := newTestServer(t, Config{})
	ws := ts.dial(t)
	authenticate(t, ws)

	sendJSON(t, ws, map[string]string{"type": "audio_start", "tabId": "tab-1"})
	sendJSON(t, ws, map[string]string{"type": "audio_end"})

	result := readTyped(t, ws, "transcription_result")
	if result["success"] != false || result.str("error") != "No audio data received" {
		t.Errorf("result = %v", result)
	}
}

func TestAudioEndWithoutSessionReportsFailure(t *testing.T) {
	ts := newTestServer(t, Config{})
	ws := ts.dial(t)
	authenticate(t, ws)

	// audio_end with no audio_start before it. The peer is waiting on a
	// result, so the reply is the same failure as an empty session.
	sendJSON(t, ws, map[string]string{"type": "audio_end"})

	result := readTyped(t, ws, "transcription_result")
	if result["success"] != false || result.str("error") != "No audio data received" {
		t.Errorf("result = %v", result)
	}

	ts.tr.mu.Lock()
	defer ts.tr.mu.Unlock()
	if ts.tr.calls != 0 {
		t.Errorf("transcriber calls = %d, want 0 with no session", ts.tr.calls)
	}
}

func TestInactivityTimeoutDisconnects(t *testing.T) {
	ts := newTestServer(t, Config{InactivityTimeout: 150 * time.Millisecond})
	ws := ts.dial(t)
	authenticate(t, ws)

	// Activity just before the deadline keeps the session alive.
	time.Sleep(100 * time.Millisecond)
	sendJSON(t, ws, map[string]string{"type": "get_tabs"})
	readTyped(t, ws, "tabs_update")
	time.Sleep(100 * time.Millisecond)
	if !ts.srv.Connected() {
		t.Fatal("session must survive while the peer stays active")
	}

	// Then full silence crosses the threshold.
	m := readTyped(t, ws, "disconnected")
	if m.str("reason") != "inactivity_timeout" {
		t.Errorf("reason = %q, want inactivity_timeout", m.str("reason"))
	}

	waitFor(t, "session teardown", func() bool { return !ts.srv.Connected() })
}

func TestHeartbeatPongKeepsConnection(t *testing.T) {
	ts := newTestServer(t, Config{HeartbeatInterval: 50 * time.Millisecond})
	ws := ts.dial(t)
	authenticate(t, ws)

	// Answer three heartbeat rounds.
	for i := 0; i < 3; i++ {
		readTyped(t, ws, "ping")
		sendJSON(t, ws, map[string]string{"type": "pong"})
	}
	if !ts.srv.Connected() {
		t.Error("session must survive answered heartbeats")
	}
}

func TestHeartbeatMissedTwoRoundsDisconnects(t *testing.T) {
	ts := newTestServer(t, Config{HeartbeatInterval: 50 * time.Millisecond})
	ws := ts.dial(t)
	authenticate(t, ws)

	// Ignore pings entirely; the second round reaps the connection.
	waitFor(t, "heartbeat reap", func() bool { return !ts.srv.Connected() })

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func TestHeartbeatReapsUnauthenticatedConnection(t *testing.T) {
	ts := newTestServer(t, Config{HeartbeatInterval: 50 * time.Millisecond})
	ws := ts.dial(t)

	// Never authenticate and never answer. The connection still gets a
	// ping and the second silent round closes it.
	readTyped(t, ws, "ping")

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func TestHeartbeatPongBeforeAuthKeepsConnection(t *testing.T) {
	ts := newTestServer(t, Config{HeartbeatInterval: 50 * time.Millisecond})
	ws := ts.dial(t)

	// A peer that is slow to authenticate but answers pings stays up.
	for i := 0; i < 3; i++ {
		readTyped(t, ws, "ping")
		sendJSON(t, ws, map[string]string{"type": "pong"})
	}
	authenticate(t, ws)
}

func TestUnauthenticatedConnectionDroppedAtDeadline(t *testing.T) {
	ts := newTestServer(t, Config{InactivityTimeout: 100 * time.Millisecond})
	ws := ts.dial(t)

	// Total silence: no auth, no traffic. The connection closes at the
	// deadline without a disconnected notice, since no session ever
	// existed to disconnect.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err == nil {
		t.Fatalf("got frame %q, want close at the authentication deadline", data)
	}

	ts.status.mu.Lock()
	defer ts.status.mu.Unlock()
	if len(ts.status.disconnected) != 0 {
		t.Errorf("disconnected notifications = %v, want none before auth", ts.status.disconnected)
	}
}

func TestClientDisconnectMessage(t *testing.T) {
	ts := newTestServer(t, Config{})
	ws := ts.dial(t)
	authenticate(t, ws)

	sendJSON(t, ws, map[string]string{"type": "disconnect"})
	waitFor(t, "session teardown", func() bool { return !ts.srv.Connected() })

	ts.status.mu.Lock()
	defer ts.status.mu.Unlock()
	if len(ts.status.disconnected) != 1 {
		t.Errorf("disconnected notifications = %v, want one", ts.status.disconnected)
	}
}

func TestDeviceSeenCallback(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]string{}
	ts := newTestServer(t, Config{
		OnDeviceSeen: func(id, name string) {
			mu.Lock()
			seen[id] = name
			mu.Unlock()
		},
	})

	ws := ts.dial(t)
	authenticate(t, ws)

	mu.Lock()
	defer mu.Unlock()
	if seen["device-1"] != "Test Phone" {
		t.Errorf("seen = %v, want device-1 -> Test Phone", seen)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	ts := newTestServer(t, Config{})
	ws := ts.dial(t)
	authenticate(t, ws)

	if err := ts.srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := ts.srv.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if ts.srv.Connected() {
		t.Error("Stop must clear the session")
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func TestStartAsyncPortConflict(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	host := term.NewMemoryHost()
	srv, err := New(Config{Addr: ln.Addr().String(), Auth: &stubAuth{}, Host: host})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Stop()

	if err := <-srv.StartAsync(); err == nil {
		t.Error("StartAsync on an occupied port must fail")
	}
}

func TestNewValidation(t *testing.T) {
	host := term.NewMemoryHost()
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing auth", Config{Host: host}},
		{"missing host", Config{Auth: &stubAuth{}}},
	}
	for _, tc := range cases {
		if _, err := New(tc.cfg); err == nil {
			t.Errorf("%s: New succeeded, want error", tc.name)
		}
	}
}
