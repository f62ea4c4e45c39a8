//go:build !unix

package jobs

import "os"

// runnerLock falls back to an exclusively created file. A process that dies
// holding it leaves the file behind and it has to be removed by hand.
type runnerLock struct {
	path string
}

func tryLock(path string) (*runnerLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if os.IsExist(err) {
		return nil, ErrRunnerBusy
	}
	if err != nil {
		return nil, err
	}
	f.Close()
	return &runnerLock{path: path}, nil
}

func (l *runnerLock) release() error {
	return os.Remove(l.path)
}
