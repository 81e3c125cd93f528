package tpbuild

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fileLock is an flock(2) held on a lock file.
type fileLock struct {
	f    *os.File
	path string
}

// acquireLock takes an exclusive lock on path. With wait false it fails
// immediately when another process holds the lock.
func acquireLock(path string, wait bool) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create lock file: %v", ErrFilesystem, err)
	}
	how := unix.LOCK_EX
	if !wait {
		how |= unix.LOCK_NB
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s is held by another tpbuild process", ErrConfiguration, path)
		}
		return nil, fmt.Errorf("%w: failed to acquire lock %s: %v", ErrFilesystem, path, err)
	}
	return &fileLock{f: f, path: path}, nil
}

// Release drops the lock. The lock file stays so waiters keep the same inode.
func (l *fileLock) Release() {
	if l == nil || l.f == nil {
		return
	}
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
	l.f = nil
}
