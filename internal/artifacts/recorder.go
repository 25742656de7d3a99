// Package artifacts captures per-run session logs as zstd-compressed
// files, so failed hardware runs can be diagnosed without re-running.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Recorder appends timestamped lines to a compressed log file. One
// recorder per test run; not safe for concurrent use.
type Recorder struct {
	Path string

	file *os.File
	enc  *zstd.Encoder
}

// NewRecorder creates <dir>/<runID>.log.zst, creating dir if needed.
func NewRecorder(dir, runID string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create %s: %w", dir, err)
	}
	path := filepath.Join(dir, runID+".log.zst")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("artifacts: create %s: %w", path, err)
	}
	enc, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("artifacts: zstd writer: %w", err)
	}
	return &Recorder{Path: path, file: file, enc: enc}, nil
}

// Record appends one line tagged with its stream (e.g. "gdb", "rtt").
func (r *Recorder) Record(stream, line string) {
	fmt.Fprintf(r.enc, "%s %s %s\n", time.Now().UTC().Format(time.RFC3339Nano), stream, line)
}

// Close flushes the compressed stream and closes the file.
func (r *Recorder) Close() error {
	if err := r.enc.Close(); err != nil {
		r.file.Close()
		return fmt.Errorf("artifacts: close encoder: %w", err)
	}
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("artifacts: close file: %w", err)
	}
	return nil
}
