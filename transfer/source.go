package transfer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Source provides the bytes of a single file for upload.
// Implementations can read from files on disk or memory buffers.
type Source interface {
	// Name returns the file name sent to the upload service.
	Name() string

	// Size returns the total size in bytes.
	Size() int64

	// ReadRange returns a reader over the half-open byte range [start, end).
	// For retries, ReadRange may be called multiple times for the same range.
	ReadRange(start, end int64) (io.Reader, error)
}

// FileSource reads upload chunks from a file on disk.
// Thread-safe for parallel chunk reads.
type FileSource struct {
	file *os.File
	name string
	size int64
	mu   sync.Mutex
}

// NewFileSource opens the file at path for chunked reading.
func NewFileSource(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	return &FileSource{
		file: file,
		name: filepath.Base(path),
		size: info.Size(),
	}, nil
}

// Name ...
func (s *FileSource) Name() string {
	return s.name
}

// Size ...
func (s *FileSource) Size() int64 {
	return s.size
}

// ReadRange reads [start, end) into memory so a retried send re-reads the same bytes.
func (s *FileSource) ReadRange(start, end int64) (io.Reader, error) {
	if start < 0 || end < start || end > s.size {
		return nil, fmt.Errorf("range [%d, %d) out of bounds for size %d", start, end, s.size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to position %d: %w", start, err)
	}

	data := make([]byte, end-start)
	if _, err := io.ReadFull(s.file, data); err != nil {
		return nil, fmt.Errorf("read range [%d, %d): %w", start, end, err)
	}

	return bytes.NewReader(data), nil
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// ByteSource provides upload chunks from an in-memory byte slice.
type ByteSource struct {
	name string
	data []byte
}

// NewByteSource creates a Source over data.
func NewByteSource(name string, data []byte) *ByteSource {
	return &ByteSource{name: name, data: data}
}

// Name ...
func (s *ByteSource) Name() string {
	return s.name
}

// Size ...
func (s *ByteSource) Size() int64 {
	return int64(len(s.data))
}

// ReadRange ...
func (s *ByteSource) ReadRange(start, end int64) (io.Reader, error) {
	if start < 0 || end < start || end > int64(len(s.data)) {
		return nil, fmt.Errorf("range [%d, %d) out of bounds for size %d", start, end, len(s.data))
	}
	return bytes.NewReader(s.data[start:end]), nil
}
