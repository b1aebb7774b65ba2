package server

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
)

// TLSConfig holds the certificate pair for the TLS listener.
type TLSConfig struct {
	// CertPath is the path to the PEM certificate file.
	CertPath string

	// KeyPath is the path to the PEM private key file.
	KeyPath string
}

// StartAsync starts the plaintext listener in a goroutine and reports
// startup errors. The listener is created synchronously so a port conflict
// surfaces immediately on the returned channel.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}

	srv := &http.Server{Handler: s.createMux()}

	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	go func() {
		log.Printf("server: listening on %s", s.addr)
		errCh <- nil
		close(errCh)

		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("server: listener error: %v", err)
		}
	}()

	return errCh
}

// StartAsyncTLS starts the TLS listener on the given address. It serves the
// identical application protocol as the plaintext listener; only the
// transport differs.
func (s *Server) StartAsyncTLS(addr string, tlsCfg TLSConfig) <-chan error {
	errCh := make(chan error, 1)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		errCh <- fmt.Errorf("listen on %s: %w", addr, err)
		close(errCh)
		return errCh
	}

	cert, err := tls.LoadX509KeyPair(tlsCfg.CertPath, tlsCfg.KeyPath)
	if err != nil {
		ln.Close()
		errCh <- fmt.Errorf("load TLS certificate: %w", err)
		close(errCh)
		return errCh
	}

	// TLS 1.2 minimum; the companion client stack supports it everywhere.
	tlsLn := tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})

	srv := &http.Server{Handler: s.createMux()}

	s.mu.Lock()
	s.tlsHTTPServer = srv
	s.mu.Unlock()

	go func() {
		log.Printf("server: listening on %s (TLS)", addr)
		errCh <- nil
		close(errCh)

		if err := srv.Serve(tlsLn); err != nil && err != http.ErrServerClosed {
			log.Printf("server: TLS listener error: %v", err)
		}
	}()

	return errCh
}

// Stop shuts the server down: stops accepting connections, tears down every
// open connection with its timers, and clears the session. Safe to call
// more than once; repeated calls are no-ops.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true

	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	plain, tlsSrv := s.httpServer, s.tlsHTTPServer
	s.mu.Unlock()

	// Teardown outside the lock; it re-enters the server to detach the
	// session and drop the connection.
	for _, c := range conns {
		c.teardown("server shutdown")
	}

	var firstErr error
	if plain != nil {
		if err := plain.Close(); err != nil {
			firstErr = err
		}
	}
	if tlsSrv != nil {
		if err := tlsSrv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	log.Printf("server: stopped")
	return firstErr
}
