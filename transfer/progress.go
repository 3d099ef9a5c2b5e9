package transfer

import (
	"math"
	"sync"
)

// etaUnknown is reported while the transfer has no measurable throughput.
const etaUnknown int64 = -1

// progressSample holds the derived throughput metrics of one item for one tick.
type progressSample struct {
	Speed      int64 // bytes uploaded during the last interval
	ETASeconds int64 // etaUnknown when speed is zero
}

// progressTracker derives speed and ETA from uploaded byte counts over time.
// It keeps one last-observed size per file so bytes already reflected by a
// prior tick are not counted again. It never mutates chunk state.
type progressTracker struct {
	mu       sync.Mutex
	lastSize map[string]int64
}

func newProgressTracker() *progressTracker {
	return &progressTracker{
		lastSize: map[string]int64{},
	}
}

// reset seeds the last observed size, so a resumed transfer does not report
// its previously uploaded bytes as first-tick throughput.
func (t *progressTracker) reset(fileID string, uploadedSize int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSize[fileID] = uploadedSize
}

// sample computes the metrics for one tick and records the observed size.
func (t *progressTracker) sample(fileID string, uploadedSize, totalSize int64) progressSample {
	t.mu.Lock()
	defer t.mu.Unlock()

	last := t.lastSize[fileID]
	t.lastSize[fileID] = uploadedSize

	speed := uploadedSize - last
	if speed < 0 {
		speed = 0
	}

	eta := etaUnknown
	if speed > 0 {
		eta = int64(math.Ceil(float64(totalSize-uploadedSize) / float64(speed)))
	}

	return progressSample{Speed: speed, ETASeconds: eta}
}

func (t *progressTracker) forget(fileID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSize, fileID)
}
