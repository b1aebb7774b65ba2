package config

// Default listener addresses. The plaintext and TLS listeners carry the
// identical application protocol on separate ports.
const (
	DefaultAddr    = "127.0.0.1:8090"
	DefaultTLSAddr = "127.0.0.1:8091"
)

// DefaultHistoryBytes is the per-tab output retention for replay on connect.
const DefaultHistoryBytes = 256 * 1024
