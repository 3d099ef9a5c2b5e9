// Package compression compresses upload sources with zstd before they enter
// the transfer pipeline, trading CPU for bytes on the wire.
package compression

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

// Compressor produces zstd-compressed copies of files.
type Compressor struct {
	logger log.Logger
}

// NewCompressor ...
func NewCompressor(logger log.Logger) *Compressor {
	return &Compressor{logger: logger}
}

// Compress writes a zstd-compressed copy of sourcePath to destPath.
func (c *Compressor) Compress(sourcePath, destPath string) error {
	source, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		if err := source.Close(); err != nil {
			c.logger.Printf(err.Error())
		}
	}()

	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create compressed file: %w", err)
	}

	zstdWriter, err := zstd.NewWriter(dest)
	if err != nil {
		dest.Close()
		return fmt.Errorf("create zstd writer: %w", err)
	}

	if _, err := io.Copy(zstdWriter, source); err != nil {
		zstdWriter.Close()
		dest.Close()
		return fmt.Errorf("compress file: %w", err)
	}

	if err := zstdWriter.Close(); err != nil {
		dest.Close()
		return fmt.Errorf("close zstd writer: %w", err)
	}
	if err := dest.Close(); err != nil {
		return fmt.Errorf("close compressed file: %w", err)
	}

	return nil
}

// CompressToTemp compresses sourcePath into a fresh temp directory and returns
// the compressed file's path. The caller owns the directory and should remove
// it when the transfer is done.
func (c *Compressor) CompressToTemp(sourcePath string) (string, error) {
	dir, err := os.MkdirTemp("", "transfer-zst")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}

	destPath := filepath.Join(dir, filepath.Base(sourcePath)+".zst")
	if err := c.Compress(sourcePath, destPath); err != nil {
		os.RemoveAll(dir)
		return "", err
	}

	c.logger.Debugf("Compressed %s to %s", sourcePath, destPath)
	return destPath, nil
}
