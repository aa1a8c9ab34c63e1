package sys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrLocked is returned when another process already holds a lock.
var ErrLocked = errors.New("lock is held by another process")

// WriteFileAtomic writes data to path through a temporary file in the same
// directory: write, fsync, close, rename. Readers never observe a partially
// written path. The temporary name is path + tmpSuffix.
func WriteFileAtomic(path string, data []byte, tmpSuffix string) (err error) {
	tmpPath := path + tmpSuffix
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp file %s: %w", tmpPath, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file %s: %w", tmpPath, err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file %s: %w", tmpPath, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file %s: %w", tmpPath, err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	SyncDir(filepath.Dir(path))
	return nil
}

// SyncDir fsyncs a directory so that renames and removals inside it are
// durable. It is best effort: some platforms cannot sync directories.
func SyncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
