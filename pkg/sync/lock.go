package sync

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/sidkik/sup/pkg/errors"
)

// ErrLocked is returned when another process holds a conflicting lock.
var ErrLocked = errors.New("locked by another process")

// Lock takes the lock file at path without waiting. An exclusive lock
// conflicts with every other lock, a shared lock only with exclusive ones.
func Lock(path string, exclusive bool) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.WithContext(err, "create lock directory")
	}

	lock := flock.New(path)

	var locked bool
	var err error
	if exclusive {
		locked, err = lock.TryLock()
	} else {
		locked, err = lock.TryRLock()
	}

	if err != nil {
		return nil, errors.WithContext(err, "lock")
	}

	if !locked {
		return nil, ErrLocked
	}
	return lock, nil
}
