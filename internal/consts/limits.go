package consts

import "time"

// Network defaults
const (
	// DefaultListenAddr is where the bridge listens when nothing is configured
	DefaultListenAddr = "localhost:8936"
	// AuthTokenLength is the number of random bytes in a generated token
	AuthTokenLength = 32
)

// Buffer sizes for various operations
const (
	// BufferSize1KB is 1 kilobyte
	BufferSize1KB = 1024
	// BufferSize64KB is 64 kilobytes
	BufferSize64KB = 64 * 1024
	// SendQueueSize is the number of encoded responses buffered per client
	SendQueueSize = 256
)

// Per-connection limits
const (
	// DefaultMaxMessageBytes is the largest inbound frame accepted
	DefaultMaxMessageBytes = BufferSize64KB
	// DefaultMaxInflight bounds concurrently handled messages per connection
	DefaultMaxInflight = 16
	// DefaultTransactionsLimit is the page size of the transaction listing
	DefaultTransactionsLimit = 50
)

// Timeouts for various operations
const (
	// Timeout1Second is a 1 second timeout
	Timeout1Second = 1 * time.Second
	// Timeout5Seconds is a 5 second timeout
	Timeout5Seconds = 5 * time.Second
	// Timeout10Seconds is a 10 second timeout
	Timeout10Seconds = 10 * time.Second
	// Timeout60Seconds is a 60 second timeout (1 minute)
	Timeout60Seconds = 60 * time.Second
)

// WebSocket keepalive
const (
	// WriteWait is the time allowed to write a frame to the peer
	WriteWait = Timeout10Seconds
	// PongWait is the time allowed to read the next pong from the peer
	PongWait = Timeout60Seconds
	// PingPeriod must be less than PongWait
	PingPeriod = (PongWait * 9) / 10
	// ShutdownTimeout bounds graceful HTTP shutdown
	ShutdownTimeout = Timeout5Seconds
)
