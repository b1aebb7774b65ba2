package server

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	// gorilla/websocket provides the WebSocket protocol implementation,
	// including ping/pong control frames and close handshakes.
	"github.com/gorilla/websocket"

	// uuid generates the session identifiers handed to peers.
	"github.com/google/uuid"

	"github.com/voxterm/host/internal/audio"
	apperrors "github.com/voxterm/host/internal/errors"
	"github.com/voxterm/host/internal/term"
)

// channelBufferSize is the per-connection send channel depth. It absorbs
// output bursts without blocking the terminal output pump; a connection
// that cannot drain this backlog is considered dead and closed.
const channelBufferSize = 256

const (
	// DefaultHeartbeatInterval is the ping cadence. A peer that misses a
	// full interval (no pong between two pings) is terminated.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultInactivityTimeout disconnects peers that send nothing at all,
	// pongs included, for this long.
	DefaultInactivityTimeout = 5 * time.Minute
)

// Authenticator validates a pairing credential for a given source address.
// The auth package's Authority satisfies this.
type Authenticator interface {
	Authenticate(candidate, source string) error
}

// DeviceSeen is called after a peer authenticates, so the application can
// persist the device's name and last-connected timestamp.
type DeviceSeen func(deviceID, deviceName string)

// StatusSink receives connection lifecycle notifications for display.
// All methods are pure notification; implementations must not block.
type StatusSink interface {
	// ClientConnected fires when a peer completes authentication.
	ClientConnected(deviceName string)

	// ClientDisconnected fires when the authenticated peer goes away.
	ClientDisconnected(reason string)

	// AuthFailed fires when a connection fails authentication.
	AuthFailed(source string, err error)
}

// nopStatus is the default StatusSink.
type nopStatus struct{}

func (nopStatus) ClientConnected(string)    {}
func (nopStatus) ClientDisconnected(string) {}
func (nopStatus) AuthFailed(string, error)  {}

// ClientSession is the single authenticated peer session. At most one
// exists at a time; a second authenticating connection is rejected with
// auth.already_connected.
type ClientSession struct {
	// ID is a fresh UUID identifying this session to the peer.
	ID string

	// DeviceName is the peer's self-reported display name.
	DeviceName string

	// DeviceID is the peer's stable identifier, possibly empty.
	DeviceID string

	// CreatedAt is when authentication completed.
	CreatedAt time.Time

	conn *conn
}

// Config holds Server construction parameters.
type Config struct {
	// Addr is the plaintext listen address, e.g. "127.0.0.1:8090".
	Addr string

	// Auth validates pairing credentials. Required.
	Auth Authenticator

	// Host is the terminal registry the session drives. Required.
	Host term.Host

	// Shell is reported in the auth_success snapshot.
	Shell string

	// Hostname overrides os.Hostname for the snapshot. Tests set it.
	Hostname string

	// OnDeviceSeen persists peer device records. Optional.
	OnDeviceSeen DeviceSeen

	// Status receives lifecycle notifications. Optional.
	Status StatusSink

	// HeartbeatInterval overrides DefaultHeartbeatInterval. Tests shorten it.
	HeartbeatInterval time.Duration

	// InactivityTimeout overrides DefaultInactivityTimeout. Tests shorten it.
	InactivityTimeout time.Duration

	// TimeNow is injectable for tests. Defaults to time.Now.
	TimeNow func() time.Time
}

// Server accepts WebSocket connections, authenticates them, and routes
// control messages between the single connected peer and the terminal host.
type Server struct {
	addr string

	upgrader websocket.Upgrader

	auth Authenticator
	host term.Host

	// audio receives recording sessions and binary chunks. Wired after
	// construction via SetAudio because the audio manager's notifier
	// needs the server. Guarded by mu.
	audio *audio.Manager

	shell    string
	hostname string

	onDeviceSeen DeviceSeen
	status       StatusSink

	heartbeatInterval time.Duration
	inactivityTimeout time.Duration
	timeNow           func() time.Time

	// mu guards session, conns, and stopped.
	mu sync.RWMutex

	// session is the single authenticated peer session, or nil.
	session *ClientSession

	// conns tracks every open connection, authenticated or not, so Stop
	// can tear them all down.
	conns map[*conn]bool

	stopped bool

	httpServer    *http.Server
	tlsHTTPServer *http.Server
}

// New creates a Server. The terminal host's output is subscribed
// immediately; output arriving with no peer connected is dropped.
func New(cfg Config) (*Server, error) {
	if cfg.Auth == nil {
		return nil, fmt.Errorf("server: Auth is required")
	}
	if cfg.Host == nil {
		return nil, fmt.Errorf("server: Host is required")
	}

	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	status := cfg.Status
	if status == nil {
		status = nopStatus{}
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	inactivity := cfg.InactivityTimeout
	if inactivity <= 0 {
		inactivity = DefaultInactivityTimeout
	}
	timeNow := cfg.TimeNow
	if timeNow == nil {
		timeNow = time.Now
	}

	s := &Server{
		addr: cfg.Addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The companion app connects from a native WebSocket stack
			// with no meaningful Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		auth:              cfg.Auth,
		host:              cfg.Host,
		shell:             cfg.Shell,
		hostname:          hostname,
		onDeviceSeen:      cfg.OnDeviceSeen,
		status:            status,
		heartbeatInterval: heartbeat,
		inactivityTimeout: inactivity,
		timeNow:           timeNow,
		conns:             make(map[*conn]bool),
	}

	s.host.Subscribe(s.relayOutput)
	return s, nil
}

// SetAudio wires the audio manager. Until it is set, audio messages and
// binary frames are dropped.
func (s *Server) SetAudio(m *audio.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = m
}

// audioManager returns the wired audio manager, or nil.
func (s *Server) audioManager() *audio.Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audio
}

// Session returns the current authenticated session, or nil.
func (s *Server) Session() *ClientSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Connected reports whether an authenticated peer is attached.
func (s *Server) Connected() bool {
	return s.Session() != nil
}

// createMux builds the HTTP routing shared by the plaintext and TLS
// listeners; both speak the identical application protocol.
func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// handleWS upgrades the HTTP request and starts the connection's pumps.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: upgrade failed: %v", err)
		return
	}

	c := newConn(s, ws, r.RemoteAddr)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.conns[c] = true
	s.mu.Unlock()

	log.Printf("server: connection from %s", c.remote)
	go c.writePump()
	go c.readPump()
}

// attachSession registers an authenticated connection as the live session.
// Returns an already_connected error when another session is live.
func (s *Server) attachSession(c *conn, deviceName, deviceID string) (*ClientSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return nil, apperrors.AlreadyConnected()
	}

	sess := &ClientSession{
		ID:         uuid.NewString(),
		DeviceName: deviceName,
		DeviceID:   deviceID,
		CreatedAt:  s.timeNow(),
		conn:       c,
	}
	s.session = sess
	return sess, nil
}

// detachSession clears the live session if it belongs to c.
// Returns true when c held the session.
func (s *Server) detachSession(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil || s.session.conn != c {
		return false
	}
	s.session = nil
	return true
}

// dropConn removes a connection from the tracking set.
func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// sessionConn returns the live session's connection, or nil.
func (s *Server) sessionConn() *conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil
	}
	return s.session.conn
}

// snapshot builds the auth_success payload for a fresh session.
func (s *Server) snapshot(sessionID string) AuthSuccessMessage {
	return AuthSuccessMessage{
		Type:      MessageTypeAuthSuccess,
		SessionID: sessionID,
		Hostname:  s.hostname,
		Shell:     s.shell,
		OS:        runtime.GOOS,
		Tabs:      s.host.Tabs(),
		ActiveTab: s.host.ActiveTab(),
	}
}

// relayOutput forwards terminal output to the connected peer. Invoked from
// the host's output pump; it must not block, so it enqueues and drops when
// the peer's send buffer is full.
func (s *Server) relayOutput(tabID string, data []byte) {
	c := s.sessionConn()
	if c == nil {
		return
	}
	c.enqueue(TerminalDataMessage{
		Type:  MessageTypeTerminalData,
		TabID: tabID,
		Data:  string(data),
	})
}

// Notifier adapts the server into the audio manager's notification sink.
// Results go only to the connected peer; with nobody connected they are
// logged and dropped.
type Notifier struct {
	s *Server
}

// AudioNotifier returns the audio.Notifier wired to this server.
func (s *Server) AudioNotifier() *Notifier {
	return &Notifier{s: s}
}

// Processing implements audio.Notifier.
func (n *Notifier) Processing(tabID string) {
	c := n.s.sessionConn()
	if c == nil {
		return
	}
	c.enqueue(TranscriptionStatusMessage{
		Type:   MessageTypeTranscriptionStatus,
		TabID:  tabID,
		Status: "processing",
	})
}

// Done implements audio.Notifier.
func (n *Notifier) Done(tabID, mode string, result audio.Result) {
	c := n.s.sessionConn()
	if c == nil {
		log.Printf("server: dropped transcription result for %s, no peer connected", tabID)
		return
	}
	c.enqueue(resultMessage(tabID, mode, result))
}

// Failed implements audio.Notifier.
func (n *Notifier) Failed(tabID, reason string) {
	c := n.s.sessionConn()
	if c == nil {
		return
	}
	c.enqueue(resultMessage(tabID, "", audio.Result{Success: false, Error: reason}))
}
