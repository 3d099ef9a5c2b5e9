package transfer

import (
	"net/http"
)

// DefaultChunkSize is the chunk size used when Config.ChunkSize is not set.
const DefaultChunkSize int64 = 2 * 1024 * 1024

// Config holds configuration for the transfer controller.
type Config struct {
	// UploadURL is the chunk upload endpoint. The merge call goes to UploadURL + "/merge".
	UploadURL string

	// Headers are forwarded verbatim on every request.
	Headers map[string]string

	// ChunkSize is the size of one chunk in bytes.
	// Default: 2 MiB
	ChunkSize int64

	// MaxConcurrentChunks is the number of chunks of one file in flight at once.
	// Default: 3
	MaxConcurrentChunks int

	// MaxRetries is the retry budget of a single chunk.
	// Default: 3
	MaxRetries int

	// AutoStart starts a transfer as soon as it is added.
	AutoStart bool

	// HTTPClient is the client used for chunk uploads.
	// If nil, a default tuned client is used.
	HTTPClient *http.Client

	// OnComplete is called with the merge response body when a transfer succeeds.
	OnComplete func(fileID string, result []byte)

	// OnError is called when a transfer fails.
	OnError func(fileID string, message string)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:           DefaultChunkSize,
		MaxConcurrentChunks: 3,
		MaxRetries:          3,
		AutoStart:           true,
	}
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxConcurrentChunks <= 0 {
		c.MaxConcurrentChunks = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}
