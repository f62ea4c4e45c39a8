//go:build unix

package jobs

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// runnerLock is an advisory lock held by the one process that runs jobs.
type runnerLock struct {
	f *os.File
}

func tryLock(path string) (*runnerLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "opening runner lock")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrRunnerBusy
		}
		return nil, errors.Wrapf(err, "locking %s", path)
	}
	return &runnerLock{f: f}, nil
}

func (l *runnerLock) release() error {
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
