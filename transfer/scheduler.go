package transfer

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/bitrise-io/go-transferutils/transfer/network"
	"github.com/bitrise-io/go-utils/v2/log"
)

// chunkJob is the scheduler's view of one file transfer. The controller wires
// the callbacks so all chunk state mutations happen on its behalf.
type chunkJob struct {
	fileID      string
	fileName    string
	totalChunks int
	totalSize   int64
	chunks      []Chunk // chunks not yet uploaded, in index order

	// resumeToken returns the current token; it changes as responses arrive.
	resumeToken func() string
	// read returns the chunk's byte range; called again for each retry attempt.
	read func(c Chunk) (io.Reader, error)
	// onUploaded marks the chunk uploaded and persists the server's token.
	onUploaded func(index int, token string)
	// onRetry increments the chunk's retry counter and returns the new value.
	onRetry func(index int) int
	// chunkCtx derives the per-chunk cancellation context. The returned cancel
	// also disposes the controller's handle for this chunk.
	chunkCtx func(ctx context.Context, index int) (context.Context, context.CancelFunc)
}

// scheduler drives the pending chunks of one file in sequential batches of
// maxConcurrent. Within a batch all sends run concurrently and the whole batch
// is awaited before the next one starts; a chunk that finishes early does not
// pull in work from the next batch.
type scheduler struct {
	transport     network.Transport
	maxConcurrent int
	maxRetries    int
	logger        log.Logger
}

func (s *scheduler) run(ctx context.Context, job chunkJob) error {
	for start := 0; start < len(job.chunks); start += s.maxConcurrent {
		end := start + s.maxConcurrent
		if end > len(job.chunks) {
			end = len(job.chunks)
		}
		batch := job.chunks[start:end]

		errCh := make(chan error, len(batch))
		var wg sync.WaitGroup
		for _, c := range batch {
			wg.Add(1)
			go func(c Chunk) {
				defer wg.Done()
				if err := s.sendWithRetry(ctx, job, c); err != nil {
					errCh <- err
				}
			}(c)
		}
		wg.Wait()
		close(errCh)

		// A cancellation aborts the run without surfacing an item error, and it
		// wins over transient failures of the same batch: those are almost
		// always a consequence of the abort.
		var firstErr error
		for err := range errCh {
			if network.IsCancellation(err) {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
		if firstErr != nil {
			return firstErr
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("upload aborted: %w", err)
		}
	}

	return nil
}

// sendWithRetry is an iterative retry loop with a bounded counter; the budget
// lives on the chunk so it survives across pause/resume cycles.
func (s *scheduler) sendWithRetry(ctx context.Context, job chunkJob, c Chunk) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("chunk %d: %w", c.Index, err)
		}

		err := s.send(ctx, job, c)
		if err == nil {
			return nil
		}
		if network.IsCancellation(err) {
			return err
		}
		if !shouldRetry(c, s.maxRetries) {
			return fmt.Errorf("chunk %d failed after %d attempts: %w", c.Index, c.Retries+1, err)
		}

		c.Retries = job.onRetry(c.Index)
		s.logger.Warnf("Chunk %d of %s attempt %d failed, retrying: %s", c.Index, job.fileName, c.Retries, err)
	}
}

func (s *scheduler) send(ctx context.Context, job chunkJob, c Chunk) error {
	body, err := job.read(c)
	if err != nil {
		return fmt.Errorf("read chunk %d: %w", c.Index, err)
	}

	chunkCtx, cancel := job.chunkCtx(ctx, c.Index)
	defer cancel()

	resp, err := s.transport.SendChunk(chunkCtx, network.ChunkRequest{
		FileID:      job.fileID,
		FileName:    job.fileName,
		ChunkIndex:  c.Index,
		TotalChunks: job.totalChunks,
		ChunkSize:   c.Size,
		TotalSize:   job.totalSize,
		ResumeToken: job.resumeToken(),
		Body:        body,
	})
	if err != nil {
		return err
	}

	job.onUploaded(c.Index, resp.ResumeToken)
	s.logger.Debugf("Chunk %d/%d of %s uploaded", c.Index+1, job.totalChunks, job.fileName)
	return nil
}
