package transfer

import (
	"testing"
)

func Test_planChunks(t *testing.T) {
	tests := []struct {
		name      string
		totalSize int64
		chunkSize int64
		wantCount int
		wantLast  int64
		wantErr   bool
	}{
		{
			name:      "exact multiple",
			totalSize: 10 * 1024 * 1024,
			chunkSize: 2 * 1024 * 1024,
			wantCount: 5,
			wantLast:  2 * 1024 * 1024,
		},
		{
			name:      "remainder in last chunk",
			totalSize: 5*1024*1024 + 123,
			chunkSize: 2 * 1024 * 1024,
			wantCount: 3,
			wantLast:  1*1024*1024 + 123,
		},
		{
			name:      "file smaller than chunk",
			totalSize: 100,
			chunkSize: 2 * 1024 * 1024,
			wantCount: 1,
			wantLast:  100,
		},
		{
			name:      "zero size file yields one zero chunk",
			totalSize: 0,
			chunkSize: 2 * 1024 * 1024,
			wantCount: 1,
			wantLast:  0,
		},
		{
			name:      "invalid chunk size",
			totalSize: 100,
			chunkSize: 0,
			wantErr:   true,
		},
		{
			name:      "negative chunk size",
			totalSize: 100,
			chunkSize: -1,
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := planChunks(tt.totalSize, tt.chunkSize)
			if (err != nil) != tt.wantErr {
				t.Fatalf("planChunks() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			if len(chunks) != tt.wantCount {
				t.Fatalf("expected %d chunks, got %d", tt.wantCount, len(chunks))
			}
			if got := chunks[len(chunks)-1].Size; got != tt.wantLast {
				t.Errorf("last chunk size = %d, want %d", got, tt.wantLast)
			}

			// The ranges must partition [0, totalSize) with no gaps or overlaps.
			var sum int64
			var expectedStart int64
			for i, c := range chunks {
				if c.Index != i {
					t.Errorf("chunk %d has index %d", i, c.Index)
				}
				if c.Start != expectedStart {
					t.Errorf("chunk %d starts at %d, want %d", i, c.Start, expectedStart)
				}
				if c.End-c.Start != c.Size {
					t.Errorf("chunk %d size %d does not match range [%d, %d)", i, c.Size, c.Start, c.End)
				}
				sum += c.Size
				expectedStart = c.End
			}
			if sum != tt.totalSize {
				t.Errorf("chunk sizes sum to %d, want %d", sum, tt.totalSize)
			}
		})
	}
}

func Test_planChunks_Deterministic(t *testing.T) {
	first, err := planChunks(7*1024*1024+5, 2*1024*1024)
	if err != nil {
		t.Fatal(err)
	}
	second, err := planChunks(7*1024*1024+5, 2*1024*1024)
	if err != nil {
		t.Fatal(err)
	}

	if len(first) != len(second) {
		t.Fatalf("plans differ in length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("chunk %d differs between plans: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func Test_shouldRetry(t *testing.T) {
	if !shouldRetry(Chunk{Retries: 0}, 3) {
		t.Error("expected retry with unused budget")
	}
	if !shouldRetry(Chunk{Retries: 2}, 3) {
		t.Error("expected retry with remaining budget")
	}
	if shouldRetry(Chunk{Retries: 3}, 3) {
		t.Error("expected no retry with exhausted budget")
	}
}
