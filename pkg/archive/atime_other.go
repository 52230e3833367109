//go:build !linux && !darwin

package archive

import (
	"os"
	"time"
)

// No portable access time here; fall back to the modification time.
func accessTime(path string, info os.FileInfo) time.Time {
	return info.ModTime()
}
