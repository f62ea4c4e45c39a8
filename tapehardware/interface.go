// interfaces every tape device and tape library combination needs to adhere to
package tapehardware

import (
	"errors"
	"fmt"
	"syscall"
)

// Device is one open sequential tape device. All operations block until the
// mechanics finish and none of them retry.
type Device interface {
	// ReadBlock reads exactly one record into buf. Reading a filemark or
	// end-of-data returns 0 bytes and no error.
	ReadBlock(buf []byte) (int, error)
	// WriteBlock writes block as exactly one record.
	WriteBlock(block []byte) (int, error)

	Rewind() error
	ForwardFilemarks(n int) error
	BackwardFilemarks(n int) error
	ForwardRecords(n int) error
	BackwardRecords(n int) error
	WriteFilemarks(n int) error
	Tell() (int64, error)
	Seek(block int64) error
	Status() (*Status, error)

	// Erase erases the cartridge from the current position. A quick erase
	// only writes an end-of-data mark.
	Erase(quick bool) error
	Close() error
}

// CapacityReporter is implemented by devices that know the size of the
// loaded cartridge.
type CapacityReporter interface {
	Capacity() (total, remaining int64, err error)
}

// Status is a snapshot of the drive state.
type Status struct {
	Online         bool
	WriteProtected bool
	DoorOpen       bool
	BOT            bool // beginning of tape
	EOT            bool // early warning, end of medium is near
	EOD            bool // end of recorded data
	EOF            bool // positioned just after a filemark
	FileNumber     int64
	BlockNumber    int64
}

func (s *Status) String() string {
	return fmt.Sprintf("file=%d block=%d online=%t wp=%t bot=%t eot=%t eod=%t",
		s.FileNumber, s.BlockNumber, s.Online, s.WriteProtected, s.BOT, s.EOT, s.EOD)
}

// ErrNotATapeDevice is returned by Open for paths that are not tape
// character devices.
var ErrNotATapeDevice = errors.New("not a tape device")

// DeviceError is a driver or hardware failure. Errno carries the OS error code.
type DeviceError struct {
	Op    string
	Errno syscall.Errno
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("tape %s: %s (errno %d)", e.Op, e.Errno.Error(), int(e.Errno))
}

func (e *DeviceError) Unwrap() error {
	return e.Errno
}

func deviceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &DeviceError{Op: op, Errno: errno}
	}
	return &DeviceError{Op: op, Errno: syscall.EIO}
}

// IsDeviceFault reports whether err is, or wraps, a DeviceError.
func IsDeviceFault(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

// Library is a tape changer holding cartridges for a single drive.
type Library interface {
	// Audit lists the cartridges the library knows about.
	Audit() ([]Cartridge, error)
	// Load moves the cartridge with the given volume serial into the drive.
	Load(volser string) error
	// Unload returns the cartridge in the drive to its home slot.
	Unload() error
	// Loaded returns the volume serial of the cartridge in the drive.
	Loaded() (string, bool, error)
}

// Cartridge as seen by a library audit.
type Cartridge struct {
	Volser  string
	Slot    int
	InDrive bool
}
