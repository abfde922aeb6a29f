package worker

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrJobLocked is returned when another process is already running the job.
var ErrJobLocked = errors.New("job is already running")

// JobLock is an exclusive advisory lock on <dir>/<jobID>.lock.
type JobLock struct {
	path string
	lock *flock.Flock
}

// AcquireLock takes the job lock without blocking.
func AcquireLock(dir, jobID string) (*JobLock, error) {
	path := filepath.Join(dir, jobID+".lock")
	l := flock.New(path)
	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobLocked, path)
	}
	return &JobLock{path: path, lock: l}, nil
}

func (j *JobLock) Path() string {
	return j.path
}

func (j *JobLock) Release() error {
	return j.lock.Unlock()
}
