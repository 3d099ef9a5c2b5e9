package transfer

// shouldRetry reports whether the chunk still has retry budget left.
// Retries are immediate, there is no backoff between attempts.
func shouldRetry(c Chunk, maxRetries int) bool {
	return c.Retries < maxRetries
}
