// Package server implements the host side of the remote-control session:
// a WebSocket endpoint the companion client authenticates against, plus the
// session registrar, connection supervisor, and control-message router that
// sit behind it.
package server

import (
	"github.com/voxterm/host/internal/audio"
	"github.com/voxterm/host/internal/term"
)

// MessageType identifies the kind of control message on the wire.
// Control messages are flat JSON objects discriminated by the "type" field;
// audio chunks travel as binary frames and never carry a type.
type MessageType string

// Inbound message types (client to host).
const (
	// MessageTypeAuth carries the pairing code or static password.
	// Must be the first message on a new connection.
	MessageTypeAuth MessageType = "auth"

	// MessageTypeTerminalWrite forwards input bytes to a tab.
	MessageTypeTerminalWrite MessageType = "terminal_write"

	// MessageTypeTerminalResize changes a tab's terminal dimensions.
	MessageTypeTerminalResize MessageType = "terminal_resize"

	// MessageTypeAudioStart opens an audio recording session.
	MessageTypeAudioStart MessageType = "audio_start"

	// MessageTypeAudioEnd finalizes the recording session and triggers
	// transcription of the buffered audio.
	MessageTypeAudioEnd MessageType = "audio_end"

	// MessageTypeSwitchTab changes the host's active tab.
	MessageTypeSwitchTab MessageType = "switch_tab"

	// MessageTypeGetContext requests a tab's recent output buffer.
	MessageTypeGetContext MessageType = "get_context"

	// MessageTypeGetTabs requests the current tab list.
	MessageTypeGetTabs MessageType = "get_tabs"

	// MessageTypePong answers a host ping; part of the heartbeat.
	MessageTypePong MessageType = "pong"

	// MessageTypeDisconnect is a clean, client-initiated goodbye.
	// The client will not auto-reconnect after sending it.
	MessageTypeDisconnect MessageType = "disconnect"
)

// Outbound message types (host to client).
const (
	// MessageTypeAuthSuccess confirms authentication and carries the
	// host snapshot.
	MessageTypeAuthSuccess MessageType = "auth_success"

	// MessageTypeError carries a stable error code and message.
	MessageTypeError MessageType = "error"

	// MessageTypeTerminalData relays terminal output for one tab.
	MessageTypeTerminalData MessageType = "terminal_data"

	// MessageTypeTabsUpdate carries the tab list and active tab.
	MessageTypeTabsUpdate MessageType = "tabs_update"

	// MessageTypeContext answers get_context with buffered output.
	MessageTypeContext MessageType = "context"

	// MessageTypePing asks the client to answer with pong.
	MessageTypePing MessageType = "ping"

	// MessageTypeDisconnected announces a host-initiated disconnect
	// with a reason, sent just before the connection closes.
	MessageTypeDisconnected MessageType = "disconnected"

	// MessageTypeTranscriptionStatus reports audio processing progress.
	MessageTypeTranscriptionStatus MessageType = "transcription_status"

	// MessageTypeTranscriptionResult delivers the transcription outcome,
	// including synthesized failures for aborted sessions.
	MessageTypeTranscriptionResult MessageType = "transcription_result"
)

// AuthMessage is the first message a client must send.
type AuthMessage struct {
	Type MessageType `json:"type"`

	// Code is the credential: the current pairing code or the static
	// password, compared case-insensitively.
	Code string `json:"code"`

	// DeviceName is a human-readable peer name for status display.
	DeviceName string `json:"deviceName,omitempty"`

	// DeviceID is a stable peer identifier for the paired-devices list.
	DeviceID string `json:"deviceId,omitempty"`
}

// TerminalWriteMessage forwards input bytes to a tab's terminal.
type TerminalWriteMessage struct {
	Type  MessageType `json:"type"`
	TabID string      `json:"tabId"`
	Data  string      `json:"data"`
}

// TerminalResizeMessage changes a tab's terminal dimensions.
type TerminalResizeMessage struct {
	Type  MessageType `json:"type"`
	TabID string      `json:"tabId"`
	Cols  int         `json:"cols"`
	Rows  int         `json:"rows"`
}

// AudioStartMessage opens an audio recording session for a tab.
type AudioStartMessage struct {
	Type  MessageType `json:"type"`
	TabID string      `json:"tabId"`

	// Mode selects how the transcription is used, e.g. "command" or
	// "dictation". Opaque to the session layer.
	Mode string `json:"mode,omitempty"`

	// Format names the audio container, e.g. "m4a". Opaque.
	Format string `json:"format,omitempty"`
}

// SwitchTabMessage changes the host's active tab.
type SwitchTabMessage struct {
	Type  MessageType `json:"type"`
	TabID string      `json:"tabId"`
}

// GetContextMessage requests a tab's recent output. An empty TabID means
// the active tab.
type GetContextMessage struct {
	Type  MessageType `json:"type"`
	TabID string      `json:"tabId,omitempty"`
}

// AuthSuccessMessage is the snapshot sent after successful authentication.
type AuthSuccessMessage struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"sessionId"`
	Hostname  string         `json:"hostname"`
	Shell     string         `json:"shell"`
	OS        string         `json:"os"`
	Tabs      []term.TabInfo `json:"tabs"`
	ActiveTab string         `json:"activeTab"`
}

// ErrorMessage carries a stable error code plus a human-readable message.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// TerminalDataMessage relays output bytes from one tab.
type TerminalDataMessage struct {
	Type  MessageType `json:"type"`
	TabID string      `json:"tabId"`
	Data  string      `json:"data"`
}

// TabsUpdateMessage carries the tab list and the active tab ID.
type TabsUpdateMessage struct {
	Type      MessageType    `json:"type"`
	Tabs      []term.TabInfo `json:"tabs"`
	ActiveTab string         `json:"activeTab"`
}

// ContextMessage answers get_context with a tab's buffered recent output.
type ContextMessage struct {
	Type    MessageType `json:"type"`
	TabID   string      `json:"tabId"`
	Content string      `json:"content"`
}

// PingMessage asks the client to answer with a pong.
type PingMessage struct {
	Type MessageType `json:"type"`
}

// DisconnectedMessage announces a host-initiated disconnect.
type DisconnectedMessage struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason"`
}

// TranscriptionStatusMessage reports audio processing progress.
type TranscriptionStatusMessage struct {
	Type   MessageType `json:"type"`
	TabID  string      `json:"tabId"`
	Status string      `json:"status"`
}

// TranscriptionResultMessage delivers the outcome of one audio session.
type TranscriptionResultMessage struct {
	Type     MessageType `json:"type"`
	TabID    string      `json:"tabId"`
	Mode     string      `json:"mode,omitempty"`
	Text     string      `json:"text,omitempty"`
	Success  bool        `json:"success"`
	Executed bool        `json:"executed,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// errorMessage builds an ErrorMessage from a code and message.
func errorMessage(code, message string) ErrorMessage {
	return ErrorMessage{Type: MessageTypeError, Code: code, Message: message}
}

// resultMessage converts a transcription result to its wire form.
func resultMessage(tabID, mode string, r audio.Result) TranscriptionResultMessage {
	return TranscriptionResultMessage{
		Type:     MessageTypeTranscriptionResult,
		TabID:    tabID,
		Mode:     mode,
		Text:     r.Text,
		Success:  r.Success,
		Executed: r.Executed,
		Error:    r.Error,
	}
}
