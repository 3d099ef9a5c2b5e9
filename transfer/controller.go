// Package transfer is a client-side resumable, chunked file upload engine.
// A file is split into fixed-size chunks, chunks are uploaded under bounded
// concurrency with per-chunk retries, per-chunk completion is tracked so a
// paused or failed transfer resumes without re-sending delivered bytes, and
// the transfer is finalized with a server-side merge handshake.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-transferutils/transfer/compression"
	"github.com/bitrise-io/go-transferutils/transfer/network"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

// ErrTransferNotFound is returned for operations on an unknown file ID.
var ErrTransferNotFound = errors.New("transfer not found")

type runHandle struct {
	cancel context.CancelFunc
}

// Controller owns every in-flight transfer and drives their state machines.
// All item state is guarded by one mutex; callers only ever see Snapshot copies.
type Controller struct {
	cfg       Config
	transport network.Transport
	logger    log.Logger
	tracker   usageTracker
	sched     *scheduler
	progress  *progressTracker

	mu      sync.Mutex
	items   map[string]*item
	order   []string
	cancels map[string]context.CancelFunc // per in-flight chunk, keyed fileID-chunkIndex
	runs    map[string]*runHandle         // per running transfer

	closeOnce   sync.Once
	samplerStop chan struct{}
	samplerDone chan struct{}
}

// NewController creates a transfer controller. If transport is nil, the HTTP
// transport for cfg.UploadURL is used.
func NewController(cfg Config, transport network.Transport, envRepo env.Repository, logger log.Logger) *Controller {
	cfg = cfg.withDefaults()
	if transport == nil {
		transport = network.NewAPIClient(cfg.UploadURL, cfg.Headers, cfg.HTTPClient, logger)
	}

	c := &Controller{
		cfg:       cfg,
		transport: transport,
		logger:    logger,
		tracker:   newTransferTracker(envRepo, logger),
		progress:  newProgressTracker(),
		items:     map[string]*item{},
		cancels:   map[string]context.CancelFunc{},
		runs:      map[string]*runHandle{},

		samplerStop: make(chan struct{}),
		samplerDone: make(chan struct{}),
	}
	c.sched = &scheduler{
		transport:     transport,
		maxConcurrent: cfg.MaxConcurrentChunks,
		maxRetries:    cfg.MaxRetries,
		logger:        logger,
	}

	go c.sampleLoop()

	return c
}

// Close stops the progress sampler and flushes pending analytics events.
// It does not cancel running transfers.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.samplerStop)
		<-c.samplerDone
		c.tracker.wait()
	})
}

// Add plans the source into chunks and registers a new pending transfer.
// With AutoStart enabled the transfer starts immediately.
func (c *Controller) Add(source Source) (string, error) {
	chunks, err := planChunks(source.Size(), c.cfg.ChunkSize)
	if err != nil {
		return "", fmt.Errorf("plan chunks: %w", err)
	}

	it := &item{
		id:         uuid.NewString(),
		name:       source.Name(),
		source:     source,
		status:     StatusPending,
		chunks:     chunks,
		totalSize:  source.Size(),
		etaSeconds: etaUnknown,
	}

	c.mu.Lock()
	c.items[it.id] = it
	c.order = append(c.order, it.id)
	c.mu.Unlock()

	c.logger.Infof("Added %s (%s in %d chunks)",
		it.name, units.HumanSizeWithPrecision(float64(it.totalSize), 3), len(chunks))

	if c.cfg.AutoStart {
		if err := c.Start(it.id); err != nil {
			return it.id, err
		}
	}

	return it.id, nil
}

// AddFile opens the file at path and adds it as a new transfer.
func (c *Controller) AddFile(path string) (string, error) {
	source, err := NewFileSource(path)
	if err != nil {
		return "", err
	}

	id, err := c.Add(source)
	if err != nil {
		if closeErr := source.Close(); closeErr != nil {
			c.logger.Printf(closeErr.Error())
		}
		return "", err
	}
	return id, nil
}

// AddGlob expands a glob pattern and adds every matching file.
// Returns the IDs of the added transfers.
func (c *Controller) AddGlob(pattern string) ([]string, error) {
	if !strings.Contains(pattern, "*") {
		id, err := c.AddFile(pattern)
		if err != nil {
			return nil, err
		}
		return []string{id}, nil
	}

	base, pat := doublestar.SplitPattern(pattern)
	matches, err := doublestar.Glob(os.DirFS(base), pat, doublestar.WithNoFollow())
	if matches == nil {
		c.logger.Warnf("No match for path pattern: %s", pattern)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invalid path pattern %s: %w", pattern, err)
	}

	var ids []string
	for _, match := range matches {
		path := filepath.Join(base, match)
		info, err := os.Stat(path)
		if err != nil {
			c.logger.Warnf("Skipping %s: %s", path, err)
			continue
		}
		if info.IsDir() {
			continue
		}

		id, err := c.AddFile(path)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// AddCompressed compresses the file with zstd into a temp location and adds
// the compressed copy as a new transfer. The copy is removed on Remove.
func (c *Controller) AddCompressed(path string) (string, error) {
	compressor := compression.NewCompressor(c.logger)
	tempPath, err := compressor.CompressToTemp(path)
	if err != nil {
		return "", fmt.Errorf("compress %s: %w", path, err)
	}

	source, err := NewFileSource(tempPath)
	if err != nil {
		os.RemoveAll(filepath.Dir(tempPath))
		return "", err
	}

	id, err := c.Add(source)
	if err != nil {
		if closeErr := source.Close(); closeErr != nil {
			c.logger.Printf(closeErr.Error())
		}
		os.RemoveAll(filepath.Dir(tempPath))
		return "", err
	}

	c.mu.Lock()
	if it, ok := c.items[id]; ok {
		it.tempPath = tempPath
	}
	c.mu.Unlock()

	return id, nil
}

// Start begins uploading the pending chunks of a transfer.
// It returns once the upload is running; completion is reported through the
// item's status and the OnComplete/OnError callbacks.
func (c *Controller) Start(fileID string) error {
	c.mu.Lock()

	it, ok := c.items[fileID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransferNotFound, fileID)
	}
	if it.status != StatusPending {
		status := it.status
		c.mu.Unlock()
		return fmt.Errorf("cannot start transfer %s in %s state", fileID, status)
	}

	it.status = StatusUploading
	it.startedAt = time.Now()

	runCtx, cancel := context.WithCancel(context.Background())
	handle := &runHandle{cancel: cancel}
	c.runs[fileID] = handle

	job := c.buildJobLocked(it)
	c.progress.reset(fileID, it.uploadedSize)
	c.mu.Unlock()

	go c.runTransfer(runCtx, handle, fileID, job)

	return nil
}

// Pause aborts the in-flight chunk requests of this transfer and parks it.
// Chunks that already completed stay uploaded.
func (c *Controller) Pause(fileID string) error {
	c.mu.Lock()

	it, ok := c.items[fileID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransferNotFound, fileID)
	}
	if it.status != StatusUploading {
		status := it.status
		c.mu.Unlock()
		return fmt.Errorf("cannot pause transfer %s in %s state", fileID, status)
	}

	it.status = StatusPaused
	it.speed = 0
	it.etaSeconds = etaUnknown
	c.abortInFlightLocked(it)
	c.mu.Unlock()

	c.logger.Infof("Paused %s", it.name)
	return nil
}

// Resume restarts a paused transfer. Only the chunks that are not yet
// uploaded are sent again.
func (c *Controller) Resume(fileID string) error {
	c.mu.Lock()

	it, ok := c.items[fileID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransferNotFound, fileID)
	}
	if it.status != StatusPaused {
		status := it.status
		c.mu.Unlock()
		return fmt.Errorf("cannot resume transfer %s in %s state", fileID, status)
	}

	it.status = StatusPending
	c.mu.Unlock()

	return c.Start(fileID)
}

// Cancel aborts the transfer's in-flight requests and puts it in the terminal
// cancelled state. A cancelled transfer cannot be resumed; add the file again
// to restart it.
func (c *Controller) Cancel(fileID string) error {
	c.mu.Lock()

	it, ok := c.items[fileID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransferNotFound, fileID)
	}
	if it.status == StatusCancelled || it.status == StatusSuccess {
		c.mu.Unlock()
		return nil
	}

	it.status = StatusCancelled
	it.speed = 0
	it.etaSeconds = etaUnknown
	c.abortInFlightLocked(it)
	c.mu.Unlock()

	c.logger.Infof("Cancelled %s", it.name)
	return nil
}

// Retry restarts a failed transfer. Retry counters of the chunks that are not
// yet uploaded are reset; uploaded chunks are kept.
func (c *Controller) Retry(fileID string) error {
	c.mu.Lock()

	it, ok := c.items[fileID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransferNotFound, fileID)
	}
	if it.status != StatusError {
		status := it.status
		c.mu.Unlock()
		return fmt.Errorf("cannot retry transfer %s in %s state", fileID, status)
	}

	for i := range it.chunks {
		if !it.chunks[i].Uploaded {
			it.chunks[i].Retries = 0
		}
	}
	it.errMessage = ""
	it.status = StatusPending
	c.mu.Unlock()

	return c.Start(fileID)
}

// Remove cancels the transfer and deletes it from the controller.
func (c *Controller) Remove(fileID string) error {
	if err := c.Cancel(fileID); err != nil {
		return err
	}

	c.mu.Lock()
	it := c.items[fileID]
	delete(c.items, fileID)
	for i, id := range c.order {
		if id == fileID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	c.progress.forget(fileID)

	if it == nil {
		return nil
	}
	if closer, ok := it.source.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			c.logger.Printf(err.Error())
		}
	}
	if it.tempPath != "" {
		if err := os.RemoveAll(filepath.Dir(it.tempPath)); err != nil {
			c.logger.Printf(err.Error())
		}
	}

	return nil
}

// Items returns snapshots of every transfer in insertion order.
func (c *Controller) Items() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(c.order))
	for _, id := range c.order {
		if it, ok := c.items[id]; ok {
			snapshots = append(snapshots, it.snapshot())
		}
	}
	return snapshots
}

// Item returns a snapshot of one transfer.
func (c *Controller) Item(fileID string) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[fileID]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrTransferNotFound, fileID)
	}
	return it.snapshot(), nil
}

// runTransfer is the per-file upload goroutine: it drives the scheduler over
// the pending chunks and performs the merge handshake once all are uploaded.
func (c *Controller) runTransfer(ctx context.Context, handle *runHandle, fileID string, job chunkJob) {
	err := c.sched.run(ctx, job)

	c.mu.Lock()
	if c.runs[fileID] == handle {
		delete(c.runs, fileID)
	}
	it, ok := c.items[fileID]
	if !ok {
		c.mu.Unlock()
		return
	}

	if err != nil {
		if network.IsCancellation(err) || ctx.Err() != nil || it.status != StatusUploading {
			// Pause or Cancel already set the status.
			c.mu.Unlock()
			return
		}
		c.failLocked(it, err.Error())
		return
	}

	if ctx.Err() != nil || it.status != StatusUploading || !it.allUploaded() {
		// Aborted between the last chunk and here; the status is already set.
		c.mu.Unlock()
		return
	}

	finalizeReq := network.FinalizeRequest{
		FileID:      it.id,
		FileName:    it.name,
		TotalChunks: len(it.chunks),
		TotalSize:   it.totalSize,
		ResumeToken: it.resumeToken,
	}
	c.mu.Unlock()

	c.logger.Debugf("All chunks of %s uploaded, merging", finalizeReq.FileName)
	result, err := c.transport.Finalize(ctx, finalizeReq)

	c.mu.Lock()
	it, ok = c.items[fileID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if err != nil {
		if network.IsCancellation(err) || it.status != StatusUploading {
			c.mu.Unlock()
			return
		}
		c.failLocked(it, fmt.Sprintf("merge failed: %s", err))
		return
	}
	if it.status != StatusUploading {
		c.mu.Unlock()
		return
	}

	it.status = StatusSuccess
	it.speed = 0
	it.etaSeconds = 0
	took := time.Since(it.startedAt)
	name := it.name
	size := it.totalSize
	chunkCount := len(it.chunks)
	c.mu.Unlock()

	c.logger.Donef("Uploaded %s in %s", name, took.Round(time.Second))
	c.tracker.logTransferUploaded(took, size, chunkCount)
	if c.cfg.OnComplete != nil {
		c.cfg.OnComplete(fileID, result)
	}
}

// failLocked flips the item to the error state and releases the lock before
// invoking callbacks.
func (c *Controller) failLocked(it *item, message string) {
	it.status = StatusError
	it.errMessage = message
	it.speed = 0
	it.etaSeconds = etaUnknown
	fileID := it.id
	name := it.name
	c.mu.Unlock()

	c.logger.Errorf("Transfer of %s failed: %s", name, message)
	c.tracker.logTransferFailed(message)
	if c.cfg.OnError != nil {
		c.cfg.OnError(fileID, message)
	}
}

// abortInFlightLocked cancels this file's run and every in-flight chunk
// request. Cancellation handles are keyed by (fileID, chunkIndex), so other
// files' requests are untouched.
func (c *Controller) abortInFlightLocked(it *item) {
	if handle, ok := c.runs[it.id]; ok {
		handle.cancel()
		delete(c.runs, it.id)
	}
	for _, chunk := range it.chunks {
		if cancel, ok := c.cancels[chunkKey(it.id, chunk.Index)]; ok {
			cancel()
		}
	}
}

func (c *Controller) buildJobLocked(it *item) chunkJob {
	fileID := it.id
	source := it.source

	return chunkJob{
		fileID:      fileID,
		fileName:    it.name,
		totalChunks: len(it.chunks),
		totalSize:   it.totalSize,
		chunks:      it.pendingChunks(),

		resumeToken: func() string {
			c.mu.Lock()
			defer c.mu.Unlock()
			if it, ok := c.items[fileID]; ok {
				return it.resumeToken
			}
			return ""
		},
		read: func(chunk Chunk) (io.Reader, error) {
			return source.ReadRange(chunk.Start, chunk.End)
		},
		onUploaded: func(index int, token string) {
			c.markUploaded(fileID, index, token)
		},
		onRetry: func(index int) int {
			return c.bumpRetries(fileID, index)
		},
		chunkCtx: func(ctx context.Context, index int) (context.Context, context.CancelFunc) {
			return c.registerChunk(fileID, index, ctx)
		},
	}
}

func (c *Controller) markUploaded(fileID string, index int, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[fileID]
	if !ok || index < 0 || index >= len(it.chunks) {
		return
	}

	it.chunks[index].Uploaded = true
	if token != "" {
		it.resumeToken = token
	}
	it.recomputeUploadedSize()
}

func (c *Controller) bumpRetries(fileID string, index int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[fileID]
	if !ok || index < 0 || index >= len(it.chunks) {
		return 0
	}

	it.chunks[index].Retries++
	return it.chunks[index].Retries
}

// registerChunk derives the chunk's cancellation context and registers its
// cancel handle under (fileID, chunkIndex). The returned cancel disposes the
// handle, so it never outlives the request.
func (c *Controller) registerChunk(fileID string, index int, parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	key := chunkKey(fileID, index)

	c.mu.Lock()
	c.cancels[key] = cancel
	c.mu.Unlock()

	return ctx, func() {
		c.mu.Lock()
		delete(c.cancels, key)
		c.mu.Unlock()
		cancel()
	}
}

func chunkKey(fileID string, index int) string {
	return fmt.Sprintf("%s-%d", fileID, index)
}

// sampleLoop recomputes speed and ETA for every uploading item once a second.
// It reads chunk state but never mutates uploaded flags.
func (c *Controller) sampleLoop() {
	defer close(c.samplerDone)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.samplerStop:
			return
		case <-ticker.C:
			c.sampleAll()
		}
	}
}

func (c *Controller) sampleAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, it := range c.items {
		if it.status != StatusUploading {
			continue
		}
		s := c.progress.sample(it.id, it.uploadedSize, it.totalSize)
		it.speed = s.Speed
		it.etaSeconds = s.ETASeconds
	}
}
