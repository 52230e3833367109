package archive

import (
	"fmt"
	"os"
	"time"

	"github.com/k2angel/watcher/pkg/logger"
)

// MetadataError is returned when an archived file's times cannot be updated.
type MetadataError struct {
	Path string
	Err  error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("update timestamp %s: %v", e.Path, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

// Sync sets path's modification time to ref and re-applies its current
// access time, so archiving never advances atime.
func Sync(path string, ref time.Time) error {
	info, err := os.Stat(path)
	if err != nil {
		return &MetadataError{Path: path, Err: err}
	}
	atime := accessTime(path, info)
	if err := os.Chtimes(path, atime, ref); err != nil {
		return &MetadataError{Path: path, Err: err}
	}

	logger.DebugCF("archive", "Updated timestamp", map[string]interface{}{
		"path": path,
		"from": info.ModTime().UnixMilli(),
		"to":   ref.UnixMilli(),
	})
	return nil
}

// Stamper adapts Sync to the capture pipeline.
type Stamper struct{}

func (Stamper) Sync(path string, ref time.Time) error { return Sync(path, ref) }
