package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"

	"github.com/voxterm/host/internal/client"
	"github.com/voxterm/host/internal/server"
)

// connectHandler prints engine events for the reference CLI client.
// Terminal output goes to stdout; everything else to stderr so output
// can be piped.
type connectHandler struct {
	stdout io.Writer
	stderr io.Writer
	done   chan struct{}

	mu        sync.Mutex
	activeTab string
}

func (h *connectHandler) StateChanged(state client.State) {
	fmt.Fprintf(h.stderr, "[%s]\n", state)
	if state == client.StateFailed {
		h.signalDone()
	}
}

func (h *connectHandler) ReconnectScheduled(p client.Progress) {
	fmt.Fprintf(h.stderr, "Reconnecting in %s (attempt %d/%d)\n",
		p.NextAttemptIn, p.Attempt, p.MaxAttempts)
}

func (h *connectHandler) SessionEstablished(snapshot []byte) {
	var msg server.AuthSuccessMessage
	if err := json.Unmarshal(snapshot, &msg); err == nil {
		h.mu.Lock()
		h.activeTab = msg.ActiveTab
		h.mu.Unlock()
		fmt.Fprintf(h.stderr, "Connected to %s (%s, %d tabs)\n",
			msg.Hostname, msg.OS, len(msg.Tabs))
	}
}

func (h *connectHandler) tab() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activeTab
}

func (h *connectHandler) MessageReceived(data []byte) {
	var probe struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return
	}
	switch probe.Type {
	case string(server.MessageTypeTerminalData):
		fmt.Fprint(h.stdout, probe.Data)
	case string(server.MessageTypeDisconnected):
		fmt.Fprintln(h.stderr, "Host closed the session")
		h.signalDone()
	default:
		fmt.Fprintf(h.stderr, "<- %s\n", probe.Type)
	}
}

func (h *connectHandler) AuthRejected(code, message string) {
	fmt.Fprintf(h.stderr, "Authentication rejected: %s (%s)\n", message, code)
	h.signalDone()
}

func (h *connectHandler) signalDone() {
	select {
	case h.done <- struct{}{}:
	default:
	}
}

func runConnect(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	code := fs.String("code", "", "Pairing code or static password")
	name := fs.String("name", "voxterm-cli", "Device name reported to the host")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "Usage: voxterm connect [options] <ws-url>")
		return 1
	}
	if *code == "" {
		fmt.Fprintln(stderr, "Error: -code is required")
		return 1
	}

	handler := &connectHandler{
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}, 1),
	}
	engine, err := client.New(client.Config{Handler: handler})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	engine.Connect(client.Params{
		URL:        fs.Arg(0),
		Code:       *code,
		DeviceName: *name,
	})

	// Forward stdin lines to the host's active tab.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			err := engine.Send(server.TerminalWriteMessage{
				Type:  server.MessageTypeTerminalWrite,
				TabID: handler.tab(),
				Data:  scanner.Text() + "\n",
			})
			if err != nil {
				fmt.Fprintf(stderr, "Send failed: %v\n", err)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	select {
	case <-sigCh:
		engine.Disconnect()
		fmt.Fprintln(stderr, "\nDisconnected")
		return 0
	case <-handler.done:
		engine.Disconnect()
		return 1
	}
}
