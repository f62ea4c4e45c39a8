//go:build linux

// SCSI tape drives through the Linux st driver
package tapehardware

import (
	"os"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// operations of MTIOCTOP, see linux/mtio.h
const (
	mtFSF          = 1
	mtBSF          = 2
	mtFSR          = 3
	mtBSR          = 4
	mtWEOF         = 5
	mtREW          = 6
	mtOFFL         = 7
	mtEOM          = 12
	mtERASE        = 13
	mtSEEK         = 22
	mtTELL         = 23
	mtSETDRVBUFFER = 24
	mtLOAD         = 30
	mtUNLOAD       = 31
)

const (
	mtSTSetBooleans  = 0x30000000
	mtSTSCSI2Logical = 0x800
)

// mt_gstat bits
const (
	gmtEOF    = 0x80000000
	gmtBOT    = 0x40000000
	gmtEOT    = 0x20000000
	gmtEOD    = 0x08000000
	gmtWRProt = 0x04000000
	gmtOnline = 0x01000000
	gmtDROpen = 0x00040000
)

type mtop struct {
	Op    int16
	_     [2]byte
	Count int32
}

type mtget struct {
	Type   int
	Resid  int
	Dsreg  int
	Gstat  int
	Erreg  int
	Fileno int32
	Blkno  int32
}

type mtpos struct {
	Blkno int
}

var (
	mtiocTop = ioctlRequest(1, 1, unsafe.Sizeof(mtop{}))
	mtiocGet = ioctlRequest(2, 2, unsafe.Sizeof(mtget{}))
	mtiocPos = ioctlRequest(2, 3, unsafe.Sizeof(mtpos{}))
)

// ioctlRequest encodes _IOW (dir 1) and _IOR (dir 2) requests of type 'm'.
func ioctlRequest(dir, nr uintptr, size uintptr) uintptr {
	return dir<<30 | size<<16 | uintptr('m')<<8 | nr
}

// SCSITape is a tape drive opened through a non-rewinding st device node.
type SCSITape struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Open opens the tape device at path. The device is opened read-only if the
// cartridge is write protected.
func Open(path string) (*SCSITape, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	if fi.Mode()&os.ModeCharDevice == 0 {
		return nil, errors.Wrapf(ErrNotATapeDevice, "%s", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EROFS) {
		f, err = os.OpenFile(path, os.O_RDONLY, 0)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	t := &SCSITape{path: path, file: f}

	// MTIOCGET fails with ENOTTY on anything but a tape driver
	if _, err := t.get(); err != nil {
		f.Close()
		return nil, errors.Wrapf(ErrNotATapeDevice, "%s: %v", path, err)
	}
	// tell/seek use logical block addresses
	if err := t.op(mtSETDRVBUFFER, mtSTSetBooleans|mtSTSCSI2Logical); err != nil {
		f.Close()
		return nil, deviceError("setdrvbuffer", err)
	}
	return t, nil
}

func (t *SCSITape) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, t.file.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (t *SCSITape) op(op int16, count int32) error {
	m := mtop{Op: op, Count: count}
	return t.ioctl(mtiocTop, unsafe.Pointer(&m))
}

func (t *SCSITape) get() (*mtget, error) {
	var g mtget
	if err := t.ioctl(mtiocGet, unsafe.Pointer(&g)); err != nil {
		return nil, err
	}
	return &g, nil
}

func (t *SCSITape) ReadBlock(buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := unix.Read(int(t.file.Fd()), buf)
	if err == nil {
		return n, nil
	}
	// st reports blank check past the last filemark as EIO
	if err == unix.EIO {
		if g, gerr := t.get(); gerr == nil && uint32(g.Gstat)&gmtEOD != 0 {
			return 0, nil
		}
	}
	return 0, deviceError("read", err)
}

func (t *SCSITape) WriteBlock(block []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := unix.Write(int(t.file.Fd()), block)
	if err != nil {
		return n, deviceError("write", err)
	}
	return n, nil
}

func (t *SCSITape) do(name string, op int16, count int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return deviceError(name, t.op(op, int32(count)))
}

func (t *SCSITape) Rewind() error { return t.do("rewind", mtREW, 1) }
func (t *SCSITape) ForwardFilemarks(n int) error { return t.do("fsf", mtFSF, n) }
func (t *SCSITape) BackwardFilemarks(n int) error { return t.do("bsf", mtBSF, n) }
func (t *SCSITape) ForwardRecords(n int) error { return t.do("fsr", mtFSR, n) }
func (t *SCSITape) BackwardRecords(n int) error { return t.do("bsr", mtBSR, n) }
func (t *SCSITape) WriteFilemarks(n int) error { return t.do("weof", mtWEOF, n) }
func (t *SCSITape) Seek(block int64) error { return t.do("seek", mtSEEK, int(block)) }

// SpaceToEnd positions the tape at end-of-data.
func (t *SCSITape) SpaceToEnd() error { return t.do("eom", mtEOM, 1) }

// Load and Unload move the cartridge in and out of the drive mechanics.
func (t *SCSITape) Load() error { return t.do("load", mtLOAD, 1) }
func (t *SCSITape) Unload() error { return t.do("unload", mtUNLOAD, 1) }
func (t *SCSITape) Offline() error { return t.do("offline", mtOFFL, 1) }

// Erase erases from the current position. A long erase overwrites the whole
// remaining tape and takes hours.
func (t *SCSITape) Erase(quick bool) error {
	long := 1
	if quick {
		long = 0
	}
	return t.do("erase", mtERASE, long)
}

func (t *SCSITape) Tell() (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var p mtpos
	if err := t.ioctl(mtiocPos, unsafe.Pointer(&p)); err != nil {
		return 0, deviceError("tell", err)
	}
	return int64(p.Blkno), nil
}

func (t *SCSITape) Status() (*Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, err := t.get()
	if err != nil {
		return nil, deviceError("status", err)
	}
	gstat := uint32(g.Gstat)
	return &Status{
		Online:         gstat&gmtOnline != 0,
		WriteProtected: gstat&gmtWRProt != 0,
		DoorOpen:       gstat&gmtDROpen != 0,
		BOT:            gstat&gmtBOT != 0,
		EOT:            gstat&gmtEOT != 0,
		EOD:            gstat&gmtEOD != 0,
		EOF:            gstat&gmtEOF != 0,
		FileNumber:     int64(g.Fileno),
		BlockNumber:    int64(g.Blkno),
	}, nil
}

func (t *SCSITape) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return errors.Wrapf(t.file.Close(), "closing %s", t.path)
}
