// Package mdns provides optional DNS-SD advertisement of the host on the
// local network, so the companion app can discover it without manual IP
// entry. Advertisement is opt-in; discovery reveals presence only, and a
// pairing code is still required to connect.
package mdns

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type advertised by voxterm hosts.
const ServiceType = "_voxterm._tcp"

// ProtocolVersion is published in TXT records for compatibility checks.
const ProtocolVersion = "1"

// Config holds advertisement parameters.
type Config struct {
	// Port is the advertised server port.
	Port int

	// Fingerprint is the TLS certificate fingerprint, published so the
	// app can pin the host before connecting. A SHA-256 fingerprint is
	// 95 characters, within the 255-byte TXT string limit.
	Fingerprint string

	// Name is the instance name. Defaults to the system hostname.
	Name string
}

// Advertiser registers the host with DNS-SD on the local network.
type Advertiser struct {
	config Config

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an Advertiser; call Start to begin advertising.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{config: cfg}
}

// Start registers the service. Calling Start on a running advertiser is a
// no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := a.config.Name
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			name = "voxterm"
		} else {
			name = hostname
		}
	}

	txt := []string{
		fmt.Sprintf("version=%s", ProtocolVersion),
		fmt.Sprintf("name=%s", name),
	}
	if a.config.Fingerprint != "" {
		txt = append(txt, fmt.Sprintf("fp=%s", a.config.Fingerprint))
	}

	server, err := zeroconf.Register(name, ServiceType, "local.", a.config.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.server = server
	return nil
}

// Stop unregisters the service. Safe to call repeatedly or before Start.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning reports whether the advertisement is active.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// DiscoveredHost is one host found by Discover.
type DiscoveredHost struct {
	Name        string
	Host        string
	Port        int
	Fingerprint string
	Version     string
}

// Discover browses the local network for voxterm hosts until the context
// ends. The companion app uses its platform's native discovery; this
// function serves tests and the CLI.
func Discover(ctx context.Context) ([]DiscoveredHost, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		hosts []DiscoveredHost
		mu    sync.Mutex
		wg    sync.WaitGroup
	)

	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			host := DiscoveredHost{
				Name: entry.Instance,
				Port: entry.Port,
			}
			if len(entry.AddrIPv4) > 0 {
				host.Host = entry.AddrIPv4[0].String()
			} else if len(entry.AddrIPv6) > 0 {
				host.Host = entry.AddrIPv6[0].String()
			}
			for _, txt := range entry.Text {
				switch {
				case strings.HasPrefix(txt, "fp="):
					host.Fingerprint = strings.TrimPrefix(txt, "fp=")
				case strings.HasPrefix(txt, "version="):
					host.Version = strings.TrimPrefix(txt, "version=")
				case strings.HasPrefix(txt, "name="):
					host.Name = strings.TrimPrefix(txt, "name=")
				}
			}

			mu.Lock()
			hosts = append(hosts, host)
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// zeroconf closes the entries channel once the context ends.
	<-ctx.Done()
	wg.Wait()

	return hosts, nil
}
