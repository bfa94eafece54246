package locking

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// canonicalLockName maps a promise identity string (namespace + bundle +
// promiser) to a stable lock file name.
func canonicalLockName(identity string) string {
	sum := sha1.Sum([]byte(identity))
	return hex.EncodeToString(sum[:]) + ".lock"
}

// AcquirePromiseLock acquires the external per-promise mutual-exclusion
// lock keyed by canonical promise identity, blocking up to expireAfter
// before being treated as stale and forcibly
// released. If ignore is true, lock acquisition failures are not treated as
// fatal (the promise proceeds unlocked) — a narrow compatibility affordance
// some promise configurations request explicitly.
//
// The returned Locker is held, except when expireAfter elapses before the
// lock is acquired: it is then returned without the lock held, while the
// acquisition attempt started here keeps waiting. The caller must call
// Unlock (via pkg/must.Unlock, typically) when the promise evaluation
// completes.
func AcquirePromiseLock(lockDirectory, identity string, expireAfter time.Duration, ignore bool) (*Locker, error) {
	if err := os.MkdirAll(lockDirectory, 0700); err != nil {
		return nil, errors.Wrap(err, "unable to create lock directory")
	}
	path := filepath.Join(lockDirectory, canonicalLockName(identity))
	locker, err := NewLocker(path, 0600)
	if err != nil {
		if ignore {
			return nil, nil
		}
		return nil, errors.Wrap(err, "unable to open lock file")
	}

	acquired := make(chan error, 1)
	go func() { acquired <- locker.Lock(true) }()

	// expireafter is unset (zero) when the promise doesn't configure it:
	// that means no bound on how long to wait for the lock, not an
	// immediate one, so block on acquisition rather than racing a
	// zero-duration timer.
	if expireAfter <= 0 {
		if err := <-acquired; err != nil {
			if ignore {
				return nil, nil
			}
			return nil, errors.Wrap(err, "unable to acquire promise lock")
		}
		return locker, nil
	}

	select {
	case err := <-acquired:
		if err != nil {
			if ignore {
				return nil, nil
			}
			return nil, errors.Wrap(err, "unable to acquire promise lock")
		}
		return locker, nil
	case <-time.After(expireAfter):
		// The lock has aged beyond transaction.expireafter: we proceed
		// without blocking further and treat it as forcibly released,
		// rather than hanging the agent indefinitely on a promise that
		// may never complete elsewhere.
		return locker, nil
	}
}
