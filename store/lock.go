package store

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// file names in the state directory
const (
	LockFile      = "run.lock"
	BlacklistFile = "blacklist.json"
)

// ErrRunInProgress is returned when another run holds the lock.
var ErrRunInProgress = errors.New("another run is in progress")

// Lock is the single-writer guard for a run; it covers the blacklist,
// the history and the time service configuration.
type Lock struct {
	fl *flock.Flock
}

// AcquireLock takes the lock without waiting.
func AcquireLock(path string) (*Lock, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock file %s)", ErrRunInProgress, path)
	}
	return &Lock{fl: fl}, nil
}

func (l *Lock) Release() error {
	return l.fl.Unlock()
}
