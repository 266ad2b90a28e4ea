package constants

// Default server configuration values
const (
	DefaultServerPort            = 8009
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
)

// Default retry configuration values
const (
	DefaultRetryBackoffMs        = 1000
	DefaultMaxBackoffMs          = 60000
	DefaultMaxAttempts           = 5
	DefaultDatabaseRetryAttempts = 3
)

// Remote API limits
const (
	DefaultHTTPTimeoutSec = 30

	// MaxReactionPages bounds pagination through an old room's reaction
	// events so a server that never reports end-of-pagination cannot
	// stall an import job.
	MaxReactionPages = 50

	// ReactionPageLimit is the page size requested from /messages.
	ReactionPageLimit = 100
)

// Encryption settings for config-store values
const (
	EncryptionSalt            = "matrix-room-import-salt-v1"
	EncryptionIterations      = 100000
	EncryptionKeySize         = 32
	EncryptionNonceSize       = 12
	MinEncryptionSecretLength = 32
)

// ServerErrorChannelSize buffers the HTTP server's fatal error.
const ServerErrorChannelSize = 1
