package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/voxterm/host/internal/audio"
	"github.com/voxterm/host/internal/auth"
	"github.com/voxterm/host/internal/config"
	"github.com/voxterm/host/internal/mdns"
	"github.com/voxterm/host/internal/server"
	"github.com/voxterm/host/internal/storage"
	"github.com/voxterm/host/internal/term"
	hosttls "github.com/voxterm/host/internal/tls"
)

// hostOptions are the effective settings for the host command after
// merging the config file and CLI flags. Flags win.
type hostOptions struct {
	configPath string
	addr       string
	tlsAddr    string
	lan        bool
	shell      string
	storePath  string
	enableMdns bool
	qr         bool
}

func parseHostFlags(args []string, stderr io.Writer) (*hostOptions, error) {
	fs := flag.NewFlagSet("host", flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &hostOptions{}
	fs.StringVar(&opts.configPath, "config", "", "Path to config file (default ~/.voxterm/config.toml)")
	fs.StringVar(&opts.addr, "addr", "", "Plaintext listen address (overrides config)")
	fs.StringVar(&opts.tlsAddr, "tls-addr", "", "TLS listen address (overrides config)")
	fs.BoolVar(&opts.lan, "lan", false, "Bind to all interfaces for LAN access")
	fs.StringVar(&opts.shell, "shell", "", "Shell command for terminal tabs")
	fs.StringVar(&opts.storePath, "store", "", "Path to the SQLite store")
	fs.BoolVar(&opts.enableMdns, "mdns", false, "Advertise the host via mDNS")
	fs.BoolVar(&opts.qr, "qr", false, "Show the pairing code as a QR code")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// mergeConfig layers CLI flags over the loaded config file.
func mergeConfig(cfg *config.Config, opts *hostOptions) {
	if opts.addr != "" {
		cfg.Addr = opts.addr
	}
	if opts.tlsAddr != "" {
		cfg.TLSAddr = opts.tlsAddr
	}
	if opts.lan {
		cfg.LanAccess = true
	}
	if opts.shell != "" {
		cfg.Shell = opts.shell
	}
	if opts.storePath != "" {
		cfg.Store = opts.storePath
	}
	if opts.enableMdns {
		cfg.MdnsEnabled = true
	}
	if opts.qr {
		cfg.QR = true
	}

	if cfg.Addr == "" {
		cfg.Addr = config.DefaultAddr
	}
	if cfg.TLSAddr == "" {
		cfg.TLSAddr = config.DefaultTLSAddr
	}
	if cfg.LanAccess {
		cfg.Addr = rebindAll(cfg.Addr)
		cfg.TLSAddr = rebindAll(cfg.TLSAddr)
	}
}

// rebindAll moves a loopback listen address to all interfaces.
func rebindAll(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "127.0.0.1" || host == "localhost" || host == "" {
		return net.JoinHostPort("0.0.0.0", port)
	}
	return addr
}

func defaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".voxterm", "voxterm.db"), nil
}

// consoleStatus prints connection lifecycle events for the operator.
type consoleStatus struct {
	out io.Writer
}

func (c *consoleStatus) ClientConnected(name string) {
	if name == "" {
		name = "client"
	}
	fmt.Fprintf(c.out, "Connected: %s\n", name)
}

func (c *consoleStatus) ClientDisconnected(reason string) {
	fmt.Fprintf(c.out, "Disconnected (%s)\n", reason)
}

func (c *consoleStatus) AuthFailed(source string, err error) {
	fmt.Fprintf(c.out, "Rejected authentication attempt from %s\n", source)
}

func runHost(args []string, stdout, stderr io.Writer) int {
	opts, err := parseHostFlags(args, stderr)
	if err != nil {
		return 1
	}

	// First start seeds a config file with mobile-ready defaults.
	if opts.configPath == "" {
		if defaultPath, err := config.DefaultConfigPath(); err == nil {
			if err := config.WriteDefault(defaultPath); err != nil {
				fmt.Fprintf(stderr, "Warning: could not write default config: %v\n", err)
			}
		}
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}
	mergeConfig(cfg, opts)

	// Storage backs the password hash, paired devices, and the auth audit.
	storePath := cfg.Store
	if storePath == "" {
		if storePath, err = defaultStorePath(); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	if err := os.MkdirAll(filepath.Dir(storePath), 0700); err != nil {
		fmt.Fprintf(stderr, "Error creating data directory: %v\n", err)
		return 1
	}
	store, err := storage.Open(storePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening store: %v\n", err)
		return 1
	}
	defer store.Close()

	authority, err := auth.New(auth.Config{
		PasswordStore: store,
		Audit:         store,
		OnCodeRotated: func(code string) {
			fmt.Fprintf(stdout, "\nNew pairing code: %s\n", FormatCodeWithSpaces(code))
		},
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error initializing auth: %v\n", err)
		return 1
	}

	// TLS material is generated on first start; the fingerprint is shown
	// for pinning and published over mDNS.
	certHosts := []string{"localhost", "127.0.0.1"}
	if lanIP := GetPreferredOutboundIP(); lanIP != "" {
		certHosts = append(certHosts, lanIP)
	}
	certInfo, err := hosttls.EnsureCertificate(hosttls.CertConfig{
		CertPath: cfg.TLSCert,
		KeyPath:  cfg.TLSKey,
		Hosts:    certHosts,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error preparing TLS certificate: %v\n", err)
		return 1
	}
	if certInfo.IsGenerated {
		fmt.Fprintf(stdout, "Generated TLS certificate at %s\n", certInfo.CertPath)
	}

	terminal := term.NewLocalHost(term.LocalConfig{
		Shell:        cfg.Shell,
		HistoryBytes: cfg.HistoryBytes,
	})
	defer terminal.Close()
	if _, err := terminal.OpenTab(""); err != nil {
		fmt.Fprintf(stderr, "Error starting shell: %v\n", err)
		return 1
	}

	srv, err := server.New(server.Config{
		Addr:   cfg.Addr,
		Auth:   authority,
		Host:   terminal,
		Shell:  cfg.Shell,
		Status: &consoleStatus{out: stdout},
		OnDeviceSeen: func(deviceID, deviceName string) {
			now := time.Now()
			err := store.UpdateLastConnected(deviceID, now)
			if err == storage.ErrDeviceNotFound {
				err = store.SaveDevice(&storage.Device{
					ID:             deviceID,
					Name:           deviceName,
					FirstConnected: now,
					LastConnected:  now,
				})
			}
			if err != nil {
				log.Printf("host: recording device %s: %v", deviceID, err)
			}
		},
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error creating server: %v\n", err)
		return 1
	}

	audioMgr, err := audio.NewManager(audio.Config{
		Transcribe: transcribePlaceholder,
		Notify:     srv.AudioNotifier(),
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error creating audio manager: %v\n", err)
		return 1
	}
	srv.SetAudio(audioMgr)

	if err := <-srv.StartAsync(); err != nil {
		fmt.Fprintf(stderr, "Error starting server: %v\n", err)
		return 1
	}
	if err := <-srv.StartAsyncTLS(cfg.TLSAddr, server.TLSConfig{
		CertPath: certInfo.CertPath,
		KeyPath:  certInfo.KeyPath,
	}); err != nil {
		fmt.Fprintf(stderr, "Error starting TLS server: %v\n", err)
		srv.Stop()
		return 1
	}
	defer srv.Stop()

	var advertiser *mdns.Advertiser
	if cfg.MdnsEnabled {
		_, tlsPort := splitPort(cfg.TLSAddr)
		advertiser = mdns.NewAdvertiser(mdns.Config{
			Port:        tlsPort,
			Fingerprint: certInfo.Fingerprint,
		})
		if err := advertiser.Start(); err != nil {
			fmt.Fprintf(stderr, "Warning: mDNS advertisement failed: %v\n", err)
		} else {
			defer advertiser.Stop()
			fmt.Fprintf(stdout, "Advertising via mDNS as %s\n", mdns.ServiceType)
		}
	}

	code, err := authority.GenerateCode()
	if err != nil {
		fmt.Fprintf(stderr, "Error generating pairing code: %v\n", err)
		return 1
	}

	displayAddr := connectAddress(cfg.TLSAddr)
	fmt.Fprintf(stdout, "voxterm host %s\n", Version)
	fmt.Fprintf(stdout, "Listening on %s (plaintext) and %s (TLS)\n", cfg.Addr, cfg.TLSAddr)
	fmt.Fprintf(stdout, "Certificate fingerprint: %s\n", certInfo.Fingerprint)
	if authority.HasPassword() {
		fmt.Fprintln(stdout, "Static password configured; pairing code disabled from rotation.")
	}
	if cfg.QR {
		DisplayQRCode(stdout, code, displayAddr, certInfo.Fingerprint)
	} else {
		DisplayPairingCode(stdout, code, displayAddr)
	}

	// Run until interrupted.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Fprintln(stdout, "\nShutting down...")
	return 0
}

// transcribePlaceholder stands in until a speech-to-text backend is
// configured; recordings buffer and bound correctly but produce no text.
// TODO: wire a pluggable transcription backend (local whisper.cpp binary).
func transcribePlaceholder(_ context.Context, _ []byte, _, _ string) audio.Result {
	return audio.Result{
		Success: false,
		Error:   "No transcription backend configured",
	}
}

// splitPort extracts the numeric port from host:port, 0 on failure.
func splitPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

// connectAddress turns a listen address into one a phone can dial:
// wildcard binds are replaced with the machine's LAN IP.
func connectAddress(listenAddr string) string {
	host, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return listenAddr
	}
	if host == "0.0.0.0" || host == "::" || host == "" {
		if ip := GetPreferredOutboundIP(); ip != "" {
			return net.JoinHostPort(ip, portStr)
		}
		return net.JoinHostPort("127.0.0.1", portStr)
	}
	return listenAddr
}
