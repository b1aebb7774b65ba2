// Package client implements the peer side of the session: dialing the
// host, authenticating, and reconnecting with bounded exponential backoff
// after unexpected drops.
package client

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	// backoff provides the exponential retry schedule. Randomization is
	// disabled so the delays are exactly 1s, 2s, 4s, ... capped at 30s.
	"github.com/cenkalti/backoff"

	"github.com/gorilla/websocket"

	apperrors "github.com/voxterm/host/internal/errors"
	"github.com/voxterm/host/internal/server"
)

// State is the engine's connection state.
type State string

const (
	// StateIdle means no connection and none wanted.
	StateIdle State = "idle"

	// StateConnecting covers the first dial for a Connect call.
	StateConnecting State = "connecting"

	// StateConnected means the session is established.
	StateConnected State = "connected"

	// StateReconnecting means a retry is scheduled or in flight.
	StateReconnecting State = "reconnecting"

	// StateFailed means retries are exhausted or the credential was
	// rejected; the user must intervene.
	StateFailed State = "failed"
)

// DefaultMaxAttempts bounds automatic reconnection.
const DefaultMaxAttempts = 10

const (
	backoffBase = 1 * time.Second
	backoffCap  = 30 * time.Second
)

// Params are the stored connection parameters, reused on every retry.
type Params struct {
	// URL is the WebSocket endpoint, e.g. "wss://host:8091/ws".
	URL string

	// Code is the pairing code or static password.
	Code string

	// DeviceName and DeviceID identify this peer to the host.
	DeviceName string
	DeviceID   string
}

// Progress describes a scheduled reconnect attempt for display.
type Progress struct {
	// Attempt is the 1-based attempt number.
	Attempt int

	// MaxAttempts is the retry budget before the engine gives up.
	MaxAttempts int

	// NextAttemptIn is the backoff delay before the attempt runs.
	NextAttemptIn time.Duration
}

// Handler receives engine events. Methods are called off the engine's
// lock and must not call back into the engine synchronously.
type Handler interface {
	// StateChanged fires on every state transition.
	StateChanged(state State)

	// ReconnectScheduled fires when a retry is queued.
	ReconnectScheduled(p Progress)

	// SessionEstablished fires with the host snapshot after auth.
	SessionEstablished(snapshot []byte)

	// MessageReceived fires for every other inbound control frame.
	MessageReceived(data []byte)

	// AuthRejected fires when the stored credential is refused. The
	// engine is in StateFailed; a new code is needed.
	AuthRejected(code, message string)
}

// Conn is the subset of the WebSocket connection the engine uses.
// *websocket.Conn satisfies it; tests substitute a scripted fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a connection to the host.
type DialFunc func(url string) (Conn, error)

// defaultDial dials over gorilla/websocket with a handshake timeout.
func defaultDial(url string) (Conn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeClientConnectTimeout,
			fmt.Sprintf("dial %s failed", url), err)
	}
	return ws, nil
}

// Config holds Engine construction parameters.
type Config struct {
	// Handler receives engine events. Required.
	Handler Handler

	// MaxAttempts overrides DefaultMaxAttempts.
	MaxAttempts int

	// Dial is injectable for tests. Defaults to a gorilla/websocket dial.
	Dial DialFunc

	// After schedules a delayed function call; injectable for tests.
	// Defaults to time.AfterFunc.
	After func(d time.Duration, f func()) *time.Timer
}

// Engine drives the peer connection lifecycle: dial, authenticate, relay,
// and reconnect with backoff after unexpected drops. At most one dial is
// outstanding at a time.
type Engine struct {
	handler     Handler
	maxAttempts int
	dial        DialFunc
	after       func(d time.Duration, f func()) *time.Timer

	// mu guards everything below.
	mu sync.Mutex

	state  State
	params Params
	conn   Conn

	// attempts counts consecutive failed reconnects since the last
	// established session.
	attempts int

	// retry is the pending backoff timer, nil when none is queued.
	retry *time.Timer

	// suppress marks a user-initiated disconnect: read-loop errors and
	// pending retries must not trigger reconnection.
	suppress bool

	// lastErr is the transport failure behind the current reconnect
	// cycle, nil while idle or connected.
	lastErr error

	// generation invalidates goroutines and timers from superseded
	// Connect/Disconnect cycles.
	generation int

	backoff *backoff.ExponentialBackOff
}

// New creates an Engine in StateIdle.
func New(cfg Config) (*Engine, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("client: Handler is required")
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	dial := cfg.Dial
	if dial == nil {
		dial = defaultDial
	}
	after := cfg.After
	if after == nil {
		after = time.AfterFunc
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffBase
	b.Multiplier = 2
	b.MaxInterval = backoffCap
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return &Engine{
		handler:     cfg.Handler,
		maxAttempts: maxAttempts,
		dial:        dial,
		after:       after,
		state:       StateIdle,
		backoff:     b,
	}, nil
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastError returns the failure that started the current reconnect
// cycle. It is a CodedError: server.connection_lost for a dropped
// session, client.connect_timeout for a failed dial. Nil while idle
// or connected.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Connect stores the parameters and starts a connection attempt. Any
// previous connection or pending retry is abandoned.
func (e *Engine) Connect(params Params) {
	e.mu.Lock()
	e.generation++
	gen := e.generation
	e.params = params
	e.suppress = false
	e.lastErr = nil
	e.attempts = 0
	e.backoff.Reset()
	e.cancelRetryLocked()
	e.closeConnLocked()
	e.setStateLocked(StateConnecting)
	e.mu.Unlock()

	go e.attempt(gen)
}

// Disconnect closes the connection and stops all reconnection. Safe to
// call redundantly and from any state.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	e.generation++
	e.suppress = true
	e.lastErr = nil
	e.cancelRetryLocked()
	e.closeConnLocked()
	changed := e.state != StateIdle
	if changed {
		e.setStateLocked(StateIdle)
	}
	e.mu.Unlock()

	if changed {
		log.Printf("client: disconnected by user")
	}
}

// NetworkRestored resets the retry budget and reconnects immediately,
// cancelling any pending backoff delay. No-op unless a reconnect is
// pending or the engine has given up.
func (e *Engine) NetworkRestored() {
	e.kickstart("network restored")
}

// AppForegrounded behaves like NetworkRestored: the app returning to the
// foreground is a good moment to retry without waiting out the backoff.
func (e *Engine) AppForegrounded() {
	e.kickstart("app foregrounded")
}

func (e *Engine) kickstart(cause string) {
	e.mu.Lock()
	if e.state != StateReconnecting && e.state != StateFailed {
		e.mu.Unlock()
		return
	}
	e.generation++
	gen := e.generation
	e.suppress = false
	e.attempts = 0
	e.backoff.Reset()
	e.cancelRetryLocked()
	e.closeConnLocked()
	e.setStateLocked(StateReconnecting)
	e.mu.Unlock()

	log.Printf("client: %s, retrying immediately", cause)
	go e.attempt(gen)
}

// attempt runs one dial + authenticate cycle for the given generation.
func (e *Engine) attempt(gen int) {
	e.mu.Lock()
	if gen != e.generation || e.suppress {
		e.mu.Unlock()
		return
	}
	params := e.params
	e.mu.Unlock()

	conn, err := e.dial(params.URL)
	if err != nil {
		log.Printf("client: dial failed: %v", err)
		e.mu.Lock()
		if gen == e.generation {
			e.lastErr = err
		}
		e.mu.Unlock()
		e.scheduleRetry(gen)
		return
	}

	e.mu.Lock()
	if gen != e.generation || e.suppress {
		e.mu.Unlock()
		conn.Close()
		return
	}
	e.conn = conn
	e.mu.Unlock()

	if err := e.authenticate(gen, conn, params); err != nil {
		return
	}

	e.readLoop(gen, conn)
}

// authenticate sends the auth message and consumes the reply. A non-auth
// error reply or transport failure schedules a retry; a rejected
// credential moves the engine to StateFailed.
func (e *Engine) authenticate(gen int, conn Conn, params Params) error {
	authMsg, err := json.Marshal(server.AuthMessage{
		Type:       server.MessageTypeAuth,
		Code:       params.Code,
		DeviceName: params.DeviceName,
		DeviceID:   params.DeviceID,
	})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, authMsg); err != nil {
		conn.Close()
		e.scheduleRetry(gen)
		return err
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		e.scheduleRetry(gen)
		return err
	}

	var probe struct {
		Type    server.MessageType `json:"type"`
		Code    string             `json:"code"`
		Message string             `json:"message"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		conn.Close()
		e.scheduleRetry(gen)
		return err
	}

	switch probe.Type {
	case server.MessageTypeAuthSuccess:
		e.mu.Lock()
		if gen != e.generation {
			e.mu.Unlock()
			conn.Close()
			return fmt.Errorf("client: stale connection attempt")
		}
		e.attempts = 0
		e.lastErr = nil
		e.backoff.Reset()
		e.setStateLocked(StateConnected)
		e.mu.Unlock()

		log.Printf("client: session established")
		e.handler.SessionEstablished(data)
		return nil

	case server.MessageTypeError:
		conn.Close()
		if apperrors.IsAuthCode(probe.Code) {
			// The stored credential is no good; retrying with it would
			// only feed the host's lockout counter.
			e.fail(gen)
			e.handler.AuthRejected(probe.Code, probe.Message)
			return fmt.Errorf("client: auth rejected: %s", probe.Code)
		}
		e.scheduleRetry(gen)
		return fmt.Errorf("client: unexpected error reply: %s", probe.Code)

	default:
		conn.Close()
		e.scheduleRetry(gen)
		return fmt.Errorf("client: unexpected reply type %q", probe.Type)
	}
}

// readLoop relays inbound frames until the connection dies, answering
// heartbeat pings itself.
func (e *Engine) readLoop(gen int, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()

			e.mu.Lock()
			stale := gen != e.generation
			suppressed := e.suppress
			e.conn = nil
			if !stale && !suppressed {
				e.lastErr = apperrors.Wrap(apperrors.CodeServerConnectionLost,
					"connection closed unexpectedly", err)
			}
			e.mu.Unlock()

			if stale || suppressed {
				return
			}
			log.Printf("client: connection lost: %v", err)
			e.scheduleRetry(gen)
			return
		}

		var probe struct {
			Type server.MessageType `json:"type"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			log.Printf("client: dropping malformed frame: %v", err)
			continue
		}

		if probe.Type == server.MessageTypePing {
			pong, _ := json.Marshal(server.PingMessage{Type: server.MessageTypePong})
			if err := conn.WriteMessage(websocket.TextMessage, pong); err != nil {
				log.Printf("client: pong failed: %v", err)
			}
			continue
		}

		e.handler.MessageReceived(data)
	}
}

// scheduleRetry queues the next attempt after the backoff delay, or gives
// up once the budget is exhausted.
func (e *Engine) scheduleRetry(gen int) {
	e.mu.Lock()
	if gen != e.generation || e.suppress {
		e.mu.Unlock()
		return
	}

	e.attempts++
	if e.attempts > e.maxAttempts {
		e.setStateLocked(StateFailed)
		e.mu.Unlock()
		log.Printf("client: giving up after %d attempts", e.maxAttempts)
		return
	}

	delay := e.backoff.NextBackOff()
	attempt := e.attempts
	e.setStateLocked(StateReconnecting)
	e.mu.Unlock()

	// The timer is created off-lock so an injected scheduler may fire
	// synchronously without deadlocking.
	timer := e.after(delay, func() {
		e.mu.Lock()
		stale := gen != e.generation || e.suppress
		e.retry = nil
		e.mu.Unlock()
		if stale {
			return
		}
		e.attempt(gen)
	})

	e.mu.Lock()
	if gen == e.generation && !e.suppress {
		e.retry = timer
	} else {
		timer.Stop()
	}
	e.mu.Unlock()

	log.Printf("client: reconnect attempt %d/%d in %s", attempt, e.maxAttempts, delay)
	e.handler.ReconnectScheduled(Progress{
		Attempt:       attempt,
		MaxAttempts:   e.maxAttempts,
		NextAttemptIn: delay,
	})
}

// fail moves the engine to StateFailed for the given generation.
func (e *Engine) fail(gen int) {
	e.mu.Lock()
	if gen != e.generation {
		e.mu.Unlock()
		return
	}
	e.setStateLocked(StateFailed)
	e.mu.Unlock()
}

// Send transmits one control frame on the live connection.
func (e *Engine) Send(msg interface{}) error {
	e.mu.Lock()
	conn := e.conn
	connected := e.state == StateConnected
	e.mu.Unlock()

	if !connected || conn == nil {
		return apperrors.New(apperrors.CodeServerSendFailed, "not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SendAudioChunk transmits one binary audio frame.
func (e *Engine) SendAudioChunk(data []byte) error {
	e.mu.Lock()
	conn := e.conn
	connected := e.state == StateConnected
	e.mu.Unlock()

	if !connected || conn == nil {
		return apperrors.New(apperrors.CodeServerSendFailed, "not connected")
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// setStateLocked transitions state and notifies the handler off-lock.
// Callers must hold e.mu.
func (e *Engine) setStateLocked(s State) {
	if e.state == s {
		return
	}
	e.state = s
	go e.handler.StateChanged(s)
}

// cancelRetryLocked stops a pending retry timer. Callers must hold e.mu.
func (e *Engine) cancelRetryLocked() {
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
}

// closeConnLocked drops the stale socket reference before a fresh dial.
// Callers must hold e.mu.
func (e *Engine) closeConnLocked() {
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
}
