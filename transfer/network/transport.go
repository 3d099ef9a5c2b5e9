package network

import (
	"context"
	"errors"
	"io"
)

// ChunkRequest describes a single chunk upload.
type ChunkRequest struct {
	FileID      string
	FileName    string
	ChunkIndex  int
	TotalChunks int
	ChunkSize   int64
	TotalSize   int64
	ResumeToken string
	Body        io.Reader
}

// ChunkResponse is the server's answer to a chunk upload.
type ChunkResponse struct {
	ResumeToken string `json:"resumeToken"`
}

// FinalizeRequest asks the server to assemble the received chunks into the complete file.
type FinalizeRequest struct {
	FileID      string `json:"fileId"`
	FileName    string `json:"fileName"`
	TotalChunks int    `json:"totalChunks"`
	TotalSize   int64  `json:"totalSize"`
	ResumeToken string `json:"resumeToken,omitempty"`
}

// Transport performs the network calls of a chunked transfer.
type Transport interface {
	// SendChunk uploads one chunk. A non-2xx response is a transient failure.
	// When ctx is cancelled, the returned error satisfies IsCancellation.
	SendChunk(ctx context.Context, req ChunkRequest) (ChunkResponse, error)

	// Finalize performs the merge handshake once every chunk is uploaded.
	// The 2xx response body is returned opaquely.
	Finalize(ctx context.Context, req FinalizeRequest) ([]byte, error)
}

// IsCancellation reports whether err was caused by an aborted upload rather than the server.
// Cancellation errors must never be retried.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
