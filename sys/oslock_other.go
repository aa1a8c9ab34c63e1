//go:build !unix

package sys

import (
	"fmt"
	"os"
	"time"
)

// AcquireOSFileLock falls back to an O_EXCL lock file on platforms without
// flock. A lock file left behind by a crash must be removed by hand.
func AcquireOSFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
			return func() error {
				_ = f.Close()
				return os.Remove(lockPath)
			}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%s: %w", lockPath, ErrLocked)
		}
		time.Sleep(25 * time.Millisecond)
	}
}
