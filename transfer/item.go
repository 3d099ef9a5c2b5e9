package transfer

import (
	"math"
	"time"
)

// Status is the lifecycle state of one transfer.
//
// pending -> uploading -> {paused, success, error, cancelled}
// paused -> pending (resume), error -> pending (retry);
// success and cancelled are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusPaused    Status = "paused"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// item is one file's transfer state. It is owned exclusively by the Controller
// and mutated only under the controller's lock; external callers get Snapshots.
type item struct {
	id           string
	name         string
	source       Source
	status       Status
	chunks       []Chunk
	uploadedSize int64
	totalSize    int64
	speed        int64
	etaSeconds   int64
	resumeToken  string
	errMessage   string
	startedAt    time.Time
	// tempPath is set for sources materialized by the controller (for example
	// compressed copies); it is cleaned up on Remove.
	tempPath string
}

// recomputeUploadedSize derives uploadedSize from the chunk flags. It is never
// incremented ad hoc, which keeps it drift-free under concurrent completions.
func (it *item) recomputeUploadedSize() {
	var total int64
	for _, c := range it.chunks {
		if c.Uploaded {
			total += c.Size
		}
	}
	it.uploadedSize = total
}

func (it *item) progress() int {
	if it.status == StatusSuccess {
		return 100
	}
	if it.totalSize == 0 {
		return 0
	}
	p := int(math.Round(float64(it.uploadedSize) / float64(it.totalSize) * 100))
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p
}

// pendingChunks returns copies of the chunks that still need to be sent.
func (it *item) pendingChunks() []Chunk {
	var pending []Chunk
	for _, c := range it.chunks {
		if !c.Uploaded {
			pending = append(pending, c)
		}
	}
	return pending
}

func (it *item) allUploaded() bool {
	for _, c := range it.chunks {
		if !c.Uploaded {
			return false
		}
	}
	return true
}

// Snapshot is a read-only copy of a transfer's state.
type Snapshot struct {
	ID           string
	Name         string
	Status       Status
	UploadedSize int64
	TotalSize    int64
	TotalChunks  int
	Progress     int
	Speed        int64
	ETASeconds   int64
	ResumeToken  string
	Error        string
}

func (it *item) snapshot() Snapshot {
	return Snapshot{
		ID:           it.id,
		Name:         it.name,
		Status:       it.status,
		UploadedSize: it.uploadedSize,
		TotalSize:    it.totalSize,
		TotalChunks:  len(it.chunks),
		Progress:     it.progress(),
		Speed:        it.speed,
		ETASeconds:   it.etaSeconds,
		ResumeToken:  it.resumeToken,
		Error:        it.errMessage,
	}
}
