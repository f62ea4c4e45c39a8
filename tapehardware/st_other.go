//go:build !linux

package tapehardware

import (
	"runtime"

	"github.com/pkg/errors"
)

// SCSITape is only available on Linux.
type SCSITape struct {
	Device
}

func Open(path string) (*SCSITape, error) {
	return nil, errors.Wrapf(ErrNotATapeDevice, "%s: tape devices are not supported on %s", path, runtime.GOOS)
}
