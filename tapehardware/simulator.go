// simulated tape device used for tests and for running without hardware
package tapehardware

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// DefaultSimulatorCapacity is the size of a simulated cartridge.
const DefaultSimulatorCapacity int64 = 1 << 30

const simulatorMagic = "GATSIM01"

type record struct {
	data     []byte
	filemark bool
}

// Simulator is an in-memory tape drive with one cartridge. It can persist
// the cartridge to a file so several processes see the same tape.
type Simulator struct {
	mu             sync.Mutex
	name           string
	path           string
	records        []record
	pos            int
	used           int64
	capacity       int64
	online         bool
	writeProtected bool
	closed         bool
	lazyEOD        bool
	eodHit         bool // a read or space ran into end of data since the last repositioning
	latency        time.Duration
	journal        []string

	inflight int32
	overlaps int32
}

// NewSimulator returns a drive loaded with a blank cartridge.
func NewSimulator(capacity int64) *Simulator {
	if capacity <= 0 {
		capacity = DefaultSimulatorCapacity
	}
	return &Simulator{name: "memory", capacity: capacity, online: true}
}

// OpenSimulatorFile returns a drive loaded with the cartridge stored at path.
// A missing file is a blank cartridge.
func OpenSimulatorFile(path string, capacity int64) (*Simulator, error) {
	s := NewSimulator(capacity)
	if err := s.LoadFile(path); err != nil {
		return nil, err
	}
	return s, nil
}

// SetLatency makes every operation take at least d.
func (s *Simulator) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// SetLazyEOD makes Status report end of data only after a read or space
// operation ran into it, the way the Linux st driver forgets it on rewind.
func (s *Simulator) SetLazyEOD(lazy bool) {
	s.mu.Lock()
	s.lazyEOD = lazy
	s.mu.Unlock()
}

func (s *Simulator) SetWriteProtected(wp bool) {
	s.mu.Lock()
	s.writeProtected = wp
	s.mu.Unlock()
}

// Overlaps counts operations that started while another was still running.
func (s *Simulator) Overlaps() int {
	return int(atomic.LoadInt32(&s.overlaps))
}

// Journal returns the operations performed so far.
func (s *Simulator) Journal() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.journal))
	copy(out, s.journal)
	return out
}

func (s *Simulator) ResetJournal() {
	s.mu.Lock()
	s.journal = nil
	s.mu.Unlock()
}

func (s *Simulator) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// begin marks an operation in flight and locks the state. The latency is
// spent before locking so overlapping callers become visible.
func (s *Simulator) begin(op string) func() {
	if atomic.AddInt32(&s.inflight, 1) > 1 {
		atomic.AddInt32(&s.overlaps, 1)
	}
	s.mu.Lock()
	latency := s.latency
	s.mu.Unlock()
	if latency > 0 {
		time.Sleep(latency)
	}
	s.mu.Lock()
	s.journal = append(s.journal, op)
	return func() {
		s.mu.Unlock()
		atomic.AddInt32(&s.inflight, -1)
	}
}

func (s *Simulator) ready(op string) error {
	if s.closed {
		return &DeviceError{Op: op, Errno: syscall.EBADF}
	}
	if !s.online {
		return &DeviceError{Op: op, Errno: syscall.EIO}
	}
	return nil
}

func (s *Simulator) writable(op string) error {
	if err := s.ready(op); err != nil {
		return err
	}
	if s.writeProtected {
		return &DeviceError{Op: op, Errno: syscall.EACCES}
	}
	return nil
}

// truncate drops everything at and after the current position, which is what
// writing does to a physical tape.
func (s *Simulator) truncate() {
	for _, r := range s.records[s.pos:] {
		s.used -= int64(len(r.data))
	}
	s.records = s.records[:s.pos]
}

func (s *Simulator) ReadBlock(buf []byte) (int, error) {
	defer s.begin("read")()
	if err := s.ready("read"); err != nil {
		return 0, err
	}
	if s.pos >= len(s.records) {
		s.eodHit = true
		return 0, nil
	}
	r := s.records[s.pos]
	s.pos++
	if r.filemark {
		return 0, nil
	}
	if len(buf) < len(r.data) {
		return 0, &DeviceError{Op: "read", Errno: syscall.ENOMEM}
	}
	return copy(buf, r.data), nil
}

func (s *Simulator) WriteBlock(block []byte) (int, error) {
	defer s.begin("write")()
	if err := s.writable("write"); err != nil {
		return 0, err
	}
	if len(block) == 0 {
		return 0, &DeviceError{Op: "write", Errno: syscall.EINVAL}
	}
	s.truncate()
	if s.used+int64(len(block)) > s.capacity {
		return 0, &DeviceError{Op: "write", Errno: syscall.ENOSPC}
	}
	data := make([]byte, len(block))
	copy(data, block)
	s.records = append(s.records, record{data: data})
	s.pos++
	s.used += int64(len(data))
	s.eodHit = true
	return len(data), nil
}

func (s *Simulator) Rewind() error {
	defer s.begin("rewind")()
	if err := s.ready("rewind"); err != nil {
		return err
	}
	s.pos = 0
	s.eodHit = false
	return nil
}

func (s *Simulator) ForwardFilemarks(n int) error {
	defer s.begin("fsf")()
	if err := s.ready("fsf"); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		for {
			if s.pos >= len(s.records) {
				s.eodHit = true
				return &DeviceError{Op: "fsf", Errno: syscall.EIO}
			}
			fm := s.records[s.pos].filemark
			s.pos++
			if fm {
				break
			}
		}
	}
	return nil
}

// BackwardFilemarks leaves the tape on the beginning-of-tape side of the
// n-th filemark.
func (s *Simulator) BackwardFilemarks(n int) error {
	defer s.begin("bsf")()
	if err := s.ready("bsf"); err != nil {
		return err
	}
	s.eodHit = false
	for i := 0; i < n; i++ {
		for {
			if s.pos == 0 {
				return &DeviceError{Op: "bsf", Errno: syscall.EIO}
			}
			s.pos--
			if s.records[s.pos].filemark {
				break
			}
		}
	}
	return nil
}

func (s *Simulator) ForwardRecords(n int) error {
	defer s.begin("fsr")()
	if err := s.ready("fsr"); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if s.pos >= len(s.records) {
			s.eodHit = true
			return &DeviceError{Op: "fsr", Errno: syscall.EIO}
		}
		fm := s.records[s.pos].filemark
		s.pos++
		if fm {
			return &DeviceError{Op: "fsr", Errno: syscall.EIO}
		}
	}
	return nil
}

func (s *Simulator) BackwardRecords(n int) error {
	defer s.begin("bsr")()
	if err := s.ready("bsr"); err != nil {
		return err
	}
	s.eodHit = false
	for i := 0; i < n; i++ {
		if s.pos == 0 {
			return &DeviceError{Op: "bsr", Errno: syscall.EIO}
		}
		s.pos--
		if s.records[s.pos].filemark {
			return &DeviceError{Op: "bsr", Errno: syscall.EIO}
		}
	}
	return nil
}

func (s *Simulator) WriteFilemarks(n int) error {
	defer s.begin("weof")()
	if err := s.writable("weof"); err != nil {
		return err
	}
	s.truncate()
	for i := 0; i < n; i++ {
		s.records = append(s.records, record{filemark: true})
		s.pos++
	}
	s.eodHit = true
	return nil
}

func (s *Simulator) Tell() (int64, error) {
	defer s.begin("tell")()
	if err := s.ready("tell"); err != nil {
		return 0, err
	}
	return int64(s.pos), nil
}

func (s *Simulator) Seek(block int64) error {
	defer s.begin("seek")()
	if err := s.ready("seek"); err != nil {
		return err
	}
	if block < 0 || block > int64(len(s.records)) {
		return &DeviceError{Op: "seek", Errno: syscall.EIO}
	}
	s.pos = int(block)
	s.eodHit = false
	return nil
}

func (s *Simulator) Status() (*Status, error) {
	defer s.begin("status")()
	if s.closed {
		return nil, &DeviceError{Op: "status", Errno: syscall.EBADF}
	}
	st := &Status{
		Online:         s.online,
		WriteProtected: s.writeProtected,
		DoorOpen:       !s.online,
	}
	if !s.online {
		return st, nil
	}
	lastMark := -1
	for i := 0; i < s.pos; i++ {
		if s.records[i].filemark {
			st.FileNumber++
			lastMark = i
		}
	}
	st.BlockNumber = int64(s.pos - lastMark - 1)
	st.BOT = s.pos == 0
	st.EOD = s.pos >= len(s.records) && (!s.lazyEOD || s.eodHit)
	st.EOF = s.pos > 0 && s.records[s.pos-1].filemark
	st.EOT = s.used >= s.capacity-s.capacity/100
	return st, nil
}

func (s *Simulator) Erase(quick bool) error {
	defer s.begin("erase")()
	if err := s.writable("erase"); err != nil {
		return err
	}
	s.truncate()
	s.eodHit = true
	return nil
}

func (s *Simulator) Capacity() (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready("capacity"); err != nil {
		return 0, 0, err
	}
	return s.capacity, s.capacity - s.used, nil
}

// Close persists the cartridge when it came from a file.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.online && s.path != "" {
		return s.save()
	}
	return nil
}

// LoadFile inserts the cartridge stored at path, ejecting the current one.
func (s *Simulator) LoadFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online && s.path != "" {
		if err := s.save(); err != nil {
			return err
		}
	}
	records, used, err := readCartridge(path)
	if err != nil {
		return err
	}
	s.records = records
	s.used = used
	s.pos = 0
	s.eodHit = false
	s.path = path
	s.name = cartridgeName(path)
	s.online = true
	return nil
}

// Eject persists and removes the cartridge; the drive goes offline.
func (s *Simulator) Eject() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.online {
		return nil
	}
	if s.path != "" {
		if err := s.save(); err != nil {
			return err
		}
	}
	s.records = nil
	s.used = 0
	s.pos = 0
	s.path = ""
	s.name = ""
	s.online = false
	return nil
}

// Sync writes the cartridge to its file without closing the drive.
func (s *Simulator) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.online || s.path == "" {
		return nil
	}
	return s.save()
}

// save writes the records as: magic, then per record a kind byte,
// a little-endian uint32 length and the data.
func (s *Simulator) save() error {
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "creating %s", tmp)
	}
	w := bufio.NewWriter(f)
	w.WriteString(simulatorMagic)
	var hdr [5]byte
	for _, r := range s.records {
		if r.filemark {
			hdr[0] = 1
		} else {
			hdr[0] = 0
		}
		binary.LittleEndian.PutUint32(hdr[1:], uint32(len(r.data)))
		w.Write(hdr[:])
		w.Write(r.data)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", tmp)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, s.path), "renaming %s", tmp)
}

func readCartridge(path string) ([]record, int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, errors.Wrapf(err, "opening cartridge %s", path)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	magic := make([]byte, len(simulatorMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, 0, errors.Wrapf(err, "reading cartridge %s", path)
	}
	if string(magic) != simulatorMagic {
		return nil, 0, errors.Errorf("%s is not a simulated cartridge", path)
	}
	var (
		records []record
		used    int64
		hdr     [5]byte
	)
	for {
		if _, err := io.ReadFull(r, hdr[:]); err == io.EOF {
			break
		} else if err != nil {
			return nil, 0, errors.Wrapf(err, "reading cartridge %s", path)
		}
		if hdr[0] == 1 {
			records = append(records, record{filemark: true})
			continue
		}
		data := make([]byte, binary.LittleEndian.Uint32(hdr[1:]))
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, 0, errors.Wrapf(err, "reading cartridge %s", path)
		}
		records = append(records, record{data: data})
		used += int64(len(data))
	}
	return records, used, nil
}
