package transfer

import "fmt"

// Chunk is one contiguous byte range of a file, the unit of network transfer.
// Start and End describe the half-open range [Start, End).
type Chunk struct {
	Index    int
	Start    int64
	End      int64
	Size     int64
	Uploaded bool
	Retries  int
}

// planChunks splits totalSize bytes into contiguous chunks of at most chunkSize bytes.
// The plan is deterministic: the same inputs always produce the same chunks, which is
// what makes resuming idempotent. A zero-size file yields a single zero-size chunk.
func planChunks(totalSize, chunkSize int64) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if totalSize < 0 {
		return nil, fmt.Errorf("file size must not be negative, got %d", totalSize)
	}

	if totalSize == 0 {
		return []Chunk{{Index: 0, Start: 0, End: 0, Size: 0}}, nil
	}

	numChunks := int(totalSize / chunkSize)
	if totalSize%chunkSize != 0 {
		numChunks++
	}

	chunks := make([]Chunk, 0, numChunks)
	for i := 0; i < numChunks; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > totalSize {
			end = totalSize
		}
		chunks = append(chunks, Chunk{
			Index: i,
			Start: start,
			End:   end,
			Size:  end - start,
		})
	}

	return chunks, nil
}
