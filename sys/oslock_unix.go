//go:build unix

package sys

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// AcquireOSFileLock takes an advisory exclusive flock on lockPath, creating
// the file if needed. It retries until timeout elapses; a zero timeout makes
// a single attempt. The returned release func unlocks, closes and removes the
// lock file.
func AcquireOSFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	fd := int(f.Fd())
	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			_ = f.Truncate(0)
			_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
			release := func() error {
				_ = os.Remove(lockPath)
				uerr := unix.Flock(fd, unix.LOCK_UN)
				return errors.Join(uerr, f.Close())
			}
			return release, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) || !time.Now().Before(deadline) {
			_ = f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return nil, fmt.Errorf("%s: %w", lockPath, ErrLocked)
			}
			return nil, err
		}
		time.Sleep(25 * time.Millisecond)
	}
}
