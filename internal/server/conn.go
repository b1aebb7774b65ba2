package server

import (
	"encoding/json"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	// Rate limiting for terminal input to keep a misbehaving peer from
	// flooding the terminal host.
	"golang.org/x/time/rate"

	"github.com/voxterm/host/internal/auth"
	apperrors "github.com/voxterm/host/internal/errors"
)

// connState tracks where a connection is in its lifecycle.
type connState int

const (
	// stateAuthenticating covers a fresh connection whose first auth
	// message has not yet been accepted.
	stateAuthenticating connState = iota

	// stateAuthenticated means the connection holds the client session.
	stateAuthenticated

	// stateDisconnected means teardown has run.
	stateDisconnected
)

// writeDeadline bounds every WebSocket write so a stalled peer cannot
// wedge the write pump.
const writeDeadline = 10 * time.Second

// maxFrameBytes caps inbound WebSocket frames. It sits above the audio
// chunk limit so oversized chunks reach the audio manager's guard and get
// a typed error instead of an abrupt protocol close.
const maxFrameBytes = 4 * 1024 * 1024

// conn is one WebSocket connection. Messages flow out through the send
// channel, serialized by writePump; readPump owns all inbound traffic and
// dispatch. done is closed exactly once to shut both pumps down.
type conn struct {
	server *Server
	ws     *websocket.Conn

	// remote is the peer address; its host part keys auth accounting.
	remote string

	send     chan interface{}
	done     chan struct{}
	sendOnce sync.Once

	teardownOnce sync.Once

	// mu guards state and alive.
	mu    sync.Mutex
	state connState

	// alive is the heartbeat flag: cleared when a ping goes out, set by
	// pong. Still clear at the next ping round means the peer is gone.
	alive bool

	// inactivity fires when the peer sends nothing for the server's
	// inactivity timeout. Armed on upgrade so an unauthenticated
	// connection cannot linger; reset on every inbound message.
	inactivity *time.Timer

	// writeLimiter rate-limits terminal_write messages: 1000/sec with a
	// burst of 10.
	writeLimiter *rate.Limiter
}

// newConn wraps an upgraded WebSocket connection. The inactivity timer
// doubles as the authentication deadline: a connection that never
// authenticates is torn down when it fires.
func newConn(s *Server, ws *websocket.Conn, remote string) *conn {
	c := &conn{
		server:       s,
		ws:           ws,
		remote:       remote,
		send:         make(chan interface{}, channelBufferSize),
		done:         make(chan struct{}),
		alive:        true,
		writeLimiter: rate.NewLimiter(rate.Limit(1000), 10),
	}
	c.inactivity = time.AfterFunc(s.inactivityTimeout, c.expireInactivity)
	return c
}

// closeSend signals both pumps to shut down. Safe to call repeatedly from
// any goroutine; only done is closed, never send, so in-flight enqueues
// cannot panic.
func (c *conn) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

// teardown releases everything the connection holds: timers, the client
// session if this connection carried it, and the open audio session.
// Idempotent; every exit path funnels through here.
func (c *conn) teardown(reason string) {
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		c.state = stateDisconnected
		if c.inactivity != nil {
			c.inactivity.Stop()
		}
		c.mu.Unlock()

		hadSession := c.server.detachSession(c)
		c.server.dropConn(c)

		if hadSession {
			// A recording mid-flight has nobody left to hear the result.
			if mgr := c.server.audioManager(); mgr != nil {
				mgr.Discard()
			}
			c.server.status.ClientDisconnected(reason)
			log.Printf("server: peer disconnected: %s", reason)
		}

		c.closeSend()
	})
}

// authenticated reports whether this connection holds the session.
func (c *conn) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateAuthenticated
}

// enqueue queues a message for delivery without blocking. Messages to a
// connection whose buffer is full are dropped; the heartbeat will reap the
// peer if it is truly gone.
func (c *conn) enqueue(msg interface{}) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		log.Printf("server: send buffer full, dropping message to %s", c.remote)
	}
}

// writePump serializes outbound messages and drives the heartbeat.
// It owns all writes to the WebSocket.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.server.heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			// Flush whatever is already queued, then close cleanly.
			// This lets a final disconnected message reach the peer.
			for {
				select {
				case msg := <-c.send:
					c.writeJSON(msg)
				default:
					c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
					c.ws.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}

		case msg := <-c.send:
			if err := c.writeJSON(msg); err != nil {
				log.Printf("server: write to %s failed: %v", c.remote, err)
				c.teardown("write failed")
				return
			}

		case <-ticker.C:
			c.heartbeat()
		}
	}
}

// writeJSON marshals and writes one message under the write deadline.
func (c *conn) writeJSON(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("server: marshal failed: %v", err)
		return nil
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// heartbeat runs one liveness round on every open connection,
// authenticated or not. The peer had a full interval to answer the
// previous ping; a connection still marked not-alive here is terminated.
// Two missed rounds, not one, end a session.
func (c *conn) heartbeat() {
	c.mu.Lock()
	if c.state == stateDisconnected {
		c.mu.Unlock()
		return
	}
	if !c.alive {
		c.mu.Unlock()
		log.Printf("server: peer %s missed heartbeat, closing", c.remote)
		c.teardown("heartbeat timeout")
		return
	}
	c.alive = false
	c.mu.Unlock()

	c.enqueue(PingMessage{Type: MessageTypePing})
}

// readPump reads frames until the connection dies and dispatches them.
func (c *conn) readPump() {
	defer c.teardown("connection closed")

	c.ws.SetReadLimit(maxFrameBytes)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				log.Printf("server: read error from %s: %v", c.remote, err)
			}
			return
		}

		c.touch()

		switch messageType {
		case websocket.BinaryMessage:
			c.handleBinary(data)
		case websocket.TextMessage:
			c.handleControl(data)
		}
	}
}

// touch resets the inactivity timer. Any inbound frame counts as activity,
// pongs included.
func (c *conn) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateDisconnected && c.inactivity != nil {
		c.inactivity.Reset(c.server.inactivityTimeout)
	}
}

// expireInactivity fires when the peer has been silent too long. An
// authenticated peer gets a disconnected notice with the reason before
// the socket closes; a connection that never authenticated is simply
// dropped.
func (c *conn) expireInactivity() {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case stateDisconnected:
		return
	case stateAuthenticated:
		log.Printf("server: peer %s inactive, disconnecting", c.remote)
		c.enqueue(DisconnectedMessage{
			Type:   MessageTypeDisconnected,
			Reason: "inactivity_timeout",
		})
		c.teardown("inactivity_timeout")
	default:
		log.Printf("server: connection %s never authenticated, dropping", c.remote)
		c.teardown("auth deadline")
	}
}

// handleBinary routes a binary frame to the audio manager. Binary frames
// from unauthenticated connections are dropped.
func (c *conn) handleBinary(data []byte) {
	if !c.authenticated() {
		return
	}
	mgr := c.server.audioManager()
	if mgr == nil {
		log.Printf("server: dropped %d-byte binary frame, audio not wired", len(data))
		return
	}
	mgr.Chunk(data)
}

// handleControl parses and dispatches one JSON control message.
func (c *conn) handleControl(data []byte) {
	var probe struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		// Malformed JSON gets a typed error; the connection stays open.
		c.enqueue(errorMessage(apperrors.CodeServerInvalidMessage, "malformed message"))
		return
	}

	if !c.authenticated() {
		switch probe.Type {
		case MessageTypeAuth:
			c.handleAuth(data)
		case MessageTypePong:
			// Heartbeat pings go to every open connection, so pongs must
			// count before authentication too.
			c.handlePong()
		default:
			c.enqueue(errorMessage(apperrors.CodeAuthRequired, "authentication required"))
		}
		return
	}

	switch probe.Type {
	case MessageTypeAuth:
		// Already authenticated; a repeated auth is harmless noise.
		log.Printf("server: ignoring repeated auth from %s", c.remote)
	case MessageTypeTerminalWrite:
		c.handleTerminalWrite(data)
	case MessageTypeTerminalResize:
		c.handleTerminalResize(data)
	case MessageTypeAudioStart:
		c.handleAudioStart(data)
	case MessageTypeAudioEnd:
		if mgr := c.server.audioManager(); mgr != nil {
			mgr.End()
		}
	case MessageTypeSwitchTab:
		c.handleSwitchTab(data)
	case MessageTypeGetContext:
		c.handleGetContext(data)
	case MessageTypeGetTabs:
		c.enqueue(c.tabsUpdate())
	case MessageTypePong:
		c.handlePong()
	case MessageTypeDisconnect:
		log.Printf("server: peer %s requested disconnect", c.remote)
		c.teardown("client disconnect")
	default:
		// Unknown types are logged and dropped for forward compatibility.
		log.Printf("server: unknown message type %q from %s", probe.Type, c.remote)
	}
}

// handleAuth validates the credential and promotes the connection to the
// live session. Failed attempts close the connection after the error reply.
func (c *conn) handleAuth(data []byte) {
	var msg AuthMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.enqueue(errorMessage(apperrors.CodeServerInvalidMessage, "malformed auth message"))
		return
	}

	source := c.sourceID()

	// A live session rejects newcomers before any credential comparison,
	// so a second device cannot burn the rotating pairing code.
	if c.server.Connected() {
		c.rejectAuth(apperrors.AlreadyConnected())
		return
	}

	if err := c.server.auth.Authenticate(msg.Code, source); err != nil {
		c.server.status.AuthFailed(source, err)
		if lockout, ok := err.(*auth.LockoutError); ok {
			c.rejectAuth(apperrors.RateLimitExceeded(lockout.RemainingSeconds()))
			return
		}
		c.rejectAuth(apperrors.InvalidCode())
		return
	}

	sess, err := c.server.attachSession(c, msg.DeviceName, msg.DeviceID)
	if err != nil {
		// Another connection won the race since the check above.
		c.rejectAuth(err)
		return
	}

	c.mu.Lock()
	c.state = stateAuthenticated
	c.alive = true
	c.inactivity.Reset(c.server.inactivityTimeout)
	c.mu.Unlock()

	if c.server.onDeviceSeen != nil && msg.DeviceID != "" {
		c.server.onDeviceSeen(msg.DeviceID, msg.DeviceName)
	}
	c.server.status.ClientConnected(msg.DeviceName)
	log.Printf("server: peer %q authenticated as session %s", msg.DeviceName, sess.ID)

	// Snapshot first, then replay each tab's recent output so the peer
	// can render the terminals as they stand.
	c.enqueue(c.server.snapshot(sess.ID))
	for _, tab := range c.server.host.Tabs() {
		if recent := c.server.host.Recent(tab.ID); len(recent) > 0 {
			c.enqueue(TerminalDataMessage{
				Type:  MessageTypeTerminalData,
				TabID: tab.ID,
				Data:  string(recent),
			})
		}
	}
}

// rejectAuth sends the typed auth error and closes the connection.
func (c *conn) rejectAuth(err error) {
	code, message := apperrors.ToCodeAndMessage(err)
	c.enqueue(errorMessage(code, message))
	log.Printf("server: rejected auth from %s: %s", c.remote, code)
	c.teardown("auth failed")
}

// handleTerminalWrite forwards input bytes to a tab, rate-limited.
func (c *conn) handleTerminalWrite(data []byte) {
	if !c.writeLimiter.Allow() {
		c.enqueue(errorMessage(apperrors.CodeTerminalRateLimited, "terminal input rate limit exceeded"))
		return
	}

	var msg TerminalWriteMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.enqueue(errorMessage(apperrors.CodeServerInvalidMessage, "malformed terminal_write message"))
		return
	}

	if err := c.server.host.Write(msg.TabID, []byte(msg.Data)); err != nil {
		c.replyError(err)
	}
}

// handleTerminalResize changes a tab's dimensions.
func (c *conn) handleTerminalResize(data []byte) {
	var msg TerminalResizeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.enqueue(errorMessage(apperrors.CodeServerInvalidMessage, "malformed terminal_resize message"))
		return
	}

	if err := c.server.host.Resize(msg.TabID, msg.Cols, msg.Rows); err != nil {
		c.replyError(err)
	}
}

// handleAudioStart opens a recording session after validating the tab.
func (c *conn) handleAudioStart(data []byte) {
	var msg AudioStartMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.enqueue(errorMessage(apperrors.CodeServerInvalidMessage, "malformed audio_start message"))
		return
	}

	if _, ok := c.server.host.Tab(msg.TabID); !ok {
		c.replyError(apperrors.TabNotFound(msg.TabID))
		return
	}
	mgr := c.server.audioManager()
	if mgr == nil {
		log.Printf("server: dropped audio_start, audio not wired")
		return
	}
	mgr.Start(msg.TabID, msg.Mode, msg.Format)
}

// handleSwitchTab changes the active tab and confirms with a tab list.
func (c *conn) handleSwitchTab(data []byte) {
	var msg SwitchTabMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.enqueue(errorMessage(apperrors.CodeServerInvalidMessage, "malformed switch_tab message"))
		return
	}

	if err := c.server.host.SetActiveTab(msg.TabID); err != nil {
		c.replyError(err)
		return
	}
	c.enqueue(c.tabsUpdate())
}

// handleGetContext replies with a tab's buffered recent output.
// An empty tab ID means the active tab.
func (c *conn) handleGetContext(data []byte) {
	var msg GetContextMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.enqueue(errorMessage(apperrors.CodeServerInvalidMessage, "malformed get_context message"))
		return
	}

	tabID := msg.TabID
	if tabID == "" {
		tabID = c.server.host.ActiveTab()
	}
	if _, ok := c.server.host.Tab(tabID); !ok {
		c.replyError(apperrors.TabNotFound(tabID))
		return
	}

	c.enqueue(ContextMessage{
		Type:    MessageTypeContext,
		TabID:   tabID,
		Content: string(c.server.host.Recent(tabID)),
	})
}

// handlePong marks the peer alive for the current heartbeat round.
func (c *conn) handlePong() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// tabsUpdate builds the current tab list message.
func (c *conn) tabsUpdate() TabsUpdateMessage {
	return TabsUpdateMessage{
		Type:      MessageTypeTabsUpdate,
		Tabs:      c.server.host.Tabs(),
		ActiveTab: c.server.host.ActiveTab(),
	}
}

// replyError converts any error into a typed error message.
func (c *conn) replyError(err error) {
	code, message := apperrors.ToCodeAndMessage(err)
	c.enqueue(errorMessage(code, message))
}

// sourceID extracts the peer host for auth accounting; failed attempts
// and lockouts are tracked per source address, not per connection.
func (c *conn) sourceID() string {
	host, _, err := net.SplitHostPort(c.remote)
	if err != nil {
		return c.remote
	}
	return host
}
