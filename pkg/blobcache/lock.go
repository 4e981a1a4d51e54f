package blobcache

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// acquireExclusiveLock takes a non-blocking exclusive advisory lock on
// fd. Contention is reported as ErrBusy immediately; this never
// retries or blocks, per spec.md's cross-process concurrency model.
func acquireExclusiveLock(fd uintptr) error {
	err := unix.Flock(int(fd), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return nil
	}

	if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
		return ErrBusy
	}

	return fmt.Errorf("blobcache: acquire lock: %w", err)
}

// releaseExclusiveLock drops the lock taken by acquireExclusiveLock.
func releaseExclusiveLock(fd uintptr) error {
	err := unix.Flock(int(fd), unix.LOCK_UN)
	if err != nil {
		return fmt.Errorf("blobcache: release lock: %w", err)
	}

	return nil
}
