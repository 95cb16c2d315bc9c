// Package lockfile provides a cross-platform exclusive file guard used to
// keep a single daemon instance from opening the same embedded SQL store
// (or binding the same Unix socket path) twice, per spec §4.1's
// "unsafe-shutdown counter" expecting exactly one writer. Adapted from the
// teacher's generic flock-based daemon-singleton helpers.
package lockfile

import (
	"errors"
	"fmt"
	"os"
)

// ErrLocked is returned by Acquire when the path is already locked by
// another process.
var ErrLocked = errors.New("lockfile: already locked by another process")

// Guard holds an exclusive, non-blocking lock on a file for the lifetime
// of the process that acquired it.
type Guard struct {
	file *os.File
	path string
}

// Acquire creates (if necessary) the file at path and takes an exclusive
// non-blocking lock on it. The returned Guard must be released with
// Release once the caller is done (typically on process shutdown).
func Acquire(path string) (*Guard, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: opening %s: %w", path, err)
	}
	if err := lockExclusiveNonBlocking(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLocked) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("lockfile: locking %s: %w", path, err)
	}
	return &Guard{file: f, path: path}, nil
}

// Release unlocks and closes the underlying file. It is safe to call on a
// nil Guard.
func (g *Guard) Release() error {
	if g == nil {
		return nil
	}
	_ = unlock(g.file)
	return g.file.Close()
}

// Path returns the path this guard holds a lock on.
func (g *Guard) Path() string {
	if g == nil {
		return ""
	}
	return g.path
}
