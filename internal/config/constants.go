package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const CleanupJobInterval = 5 * time.Minute

// Default rate limiting
const DefaultRateLimitPerMin = 60

// Websocket relay settings
const (
	WSWriteTimeout      = 10 * time.Second
	WSPongTimeout       = 60 * time.Second
	WSPingInterval      = 54 * time.Second
	WSMaxMessageBytes   = 64 * 1024
	WSSendBufferSize    = 32
	WalletTokenLifetime = 14 * 24 * time.Hour
)

// Client-side pairing defaults. The handshake backoff doubles from the
// initial delay up to the cap, for at most MaxConnectAttempts before the
// state machine surfaces retry-error.
const (
	HandshakeTimeout     = 15 * time.Second
	SignatureTimeout     = 90 * time.Second
	ConnectInitialDelay  = 1 * time.Second
	ConnectMaxDelay      = 15 * time.Second
	MaxConnectAttempts   = 4
	ClientPingInterval   = 5 * time.Second
	MaxUnansweredPings   = 5
	ExpirySweepInterval  = 1 * time.Second
)
