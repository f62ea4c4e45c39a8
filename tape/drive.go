package tape

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/stv0g/git-annex-remote-tape/tapehardware"
	"github.com/stv0g/git-annex-remote-tape/utils"
)

// Config carries the settings a Drive needs. The zero value is usable.
type Config struct {
	BlockSize int
	// Host is recorded in media and archive headers; defaults to os.Hostname.
	Host string
	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *utils.Logger
}

func (c Config) withDefaults() Config {
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.Host == "" {
		c.Host, _ = os.Hostname()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = utils.NewNopLogger()
	}
	return c
}

// Drive owns one tape device. It is an exclusive resource: callers sharing a
// Drive run their work inside Exclusive, and the methods below assume the
// caller holds it.
type Drive struct {
	dev    tapehardware.Device
	cfg    Config
	logger *utils.Logger
	lock   *utils.Resource

	mu         sync.Mutex
	generation uint64
	closed     bool
	writer     *Archive // archive open for writing
}

func NewDrive(dev tapehardware.Device, cfg Config) *Drive {
	cfg = cfg.withDefaults()
	return &Drive{
		dev:    dev,
		cfg:    cfg,
		logger: cfg.Logger,
		lock:   utils.NewResource(1),
	}
}

// OpenDrive opens the tape device at path.
func OpenDrive(path string, cfg Config) (*Drive, error) {
	dev, err := tapehardware.Open(path)
	if err != nil {
		return nil, err
	}
	return NewDrive(dev, cfg), nil
}

func (d *Drive) Device() tapehardware.Device {
	return d.dev
}

// Exclusive runs fn while holding the drive. Callers queue in arrival order
// until the drive is free or ctx is done.
func (d *Drive) Exclusive(ctx context.Context, fn func() error) error {
	unit, err := d.lock.Reserve(ctx)
	if err != nil {
		return err
	}
	defer d.lock.Release(unit)
	return fn()
}

// TryExclusive is Exclusive without waiting. It returns false if the drive
// is busy.
func (d *Drive) TryExclusive(fn func() error) (bool, error) {
	unit, ok := d.lock.TryReserve()
	if !ok {
		return false, nil
	}
	defer d.lock.Release(unit)
	return true, fn()
}

// invalidate ends the lifetime of every Media handed out so far.
func (d *Drive) invalidate() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrDriveClosed
	}
	d.generation++
	return d.generation, nil
}

func (d *Drive) alive(generation uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDriveClosed
	}
	if generation != d.generation {
		return ErrStaleMedia
	}
	return nil
}

// terminateWriter closes an archive left open for writing so that it ends in
// a filemark before the tape is repositioned.
func (d *Drive) terminateWriter() error {
	d.mu.Lock()
	w := d.writer
	d.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

// Mount rewinds the tape, reads the media header and returns a Media
// positioned before the first archive.
func (d *Drive) Mount() (*Media, error) {
	if err := d.terminateWriter(); err != nil {
		return nil, err
	}
	generation, err := d.invalidate()
	if err != nil {
		return nil, err
	}
	if err := d.dev.Rewind(); err != nil {
		return nil, err
	}
	r := newBlockReader(d.dev, d.cfg.BlockSize)
	h, err := readMediaHeader(r)
	switch {
	case err == io.EOF || err == errBadMagic:
		return nil, ErrNotInitialized
	case err != nil:
		return nil, err
	}
	// the media header is alone in file 0
	if err := r.fill(); err != io.EOF {
		if err == nil {
			err = errors.Wrap(ErrCorrupt, "data after media header")
		}
		return nil, err
	}
	m := &Media{
		drive:      d,
		generation: generation,
		Header:     h,
		ID:         h.ID(),
		file:       1,
	}
	d.logger.Event("mounted media", zap.Stringer("media", m.ID), zap.String("host", h.Host), zap.Time("created", h.Created))
	return m, nil
}

// InitializeMedia writes a media header to a blank cartridge.
func (d *Drive) InitializeMedia() (*MediaHeader, error) {
	if _, err := d.invalidate(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.writer = nil
	d.mu.Unlock()

	if err := d.dev.Rewind(); err != nil {
		return nil, err
	}
	st, err := d.dev.Status()
	if err != nil {
		return nil, err
	}
	if !st.EOD {
		if err := d.checkBlank(); err != nil {
			return nil, err
		}
	}

	h := &MediaHeader{Version: HeaderVersion, Created: d.cfg.Now().UTC().Truncate(time.Second), Host: d.cfg.Host}
	b, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err := d.dev.Rewind(); err != nil {
		return nil, err
	}
	w := newBlockWriter(d.dev, d.cfg.BlockSize)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.flush(); err != nil {
		return nil, err
	}
	if err := d.dev.WriteFilemarks(1); err != nil {
		return nil, err
	}
	d.logger.Event("initialized media", zap.Stringer("media", h.ID()), zap.String("host", h.Host))
	return h, nil
}

// checkBlank reads from the beginning of the tape. Some drivers only learn
// about end of data by running into it, so nothing read at all still counts
// as blank. A leading filemark does not.
func (d *Drive) checkBlank() error {
	r := newBlockReader(d.dev, d.cfg.BlockSize)
	_, err := readMediaHeader(r)
	switch {
	case err == nil || errors.Is(err, ErrUnsupportedVersion):
		return ErrAlreadyInitialized
	case err == errBadMagic:
		return ErrNotBlank
	case err == io.EOF:
		st, err := d.dev.Status()
		if err != nil {
			return err
		}
		if st.EOD && st.FileNumber == 0 && st.BlockNumber == 0 {
			return nil
		}
		return ErrNotBlank
	default:
		return err
	}
}

// EraseMedia erases the whole cartridge. A secure erase overwrites every
// block and takes hours; once started it cannot be cancelled, ctx is only
// checked before.
func (d *Drive) EraseMedia(ctx context.Context, secure bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := d.invalidate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.writer = nil
	d.mu.Unlock()

	if err := d.dev.Rewind(); err != nil {
		return err
	}
	if secure {
		d.logger.Event("secure erase started, this cannot be cancelled")
	}
	start := time.Now()
	if err := d.dev.Erase(!secure); err != nil {
		return err
	}
	d.logger.Event("erased media", zap.Bool("secure", secure), zap.Duration("took", time.Since(start)))
	return d.dev.Rewind()
}

// Info describes the drive and its cartridge.
type Info struct {
	Initialized bool
	MediaID     ulid.ULID
	Header      *MediaHeader
	Status      *tapehardware.Status
	Position    int64
	Capacity    int64 // zero if the device cannot tell
	Remaining   int64
}

// Info reports identity, capacity and position. The position is taken before
// the tape is rewound to read the media header, so existing Media go stale.
func (d *Drive) Info() (*Info, error) {
	st, err := d.dev.Status()
	if err != nil {
		return nil, err
	}
	info := &Info{Status: st}
	if !st.Online {
		return info, nil
	}
	if info.Position, err = d.dev.Tell(); err != nil {
		return nil, err
	}
	if cr, ok := d.dev.(tapehardware.CapacityReporter); ok {
		if info.Capacity, info.Remaining, err = cr.Capacity(); err != nil {
			return nil, err
		}
	}
	m, err := d.Mount()
	switch {
	case errors.Is(err, ErrNotInitialized):
		return info, nil
	case err != nil:
		return nil, err
	}
	info.Initialized = true
	info.Header = m.Header
	info.MediaID = m.ID
	return info, nil
}

// Close terminates an archive still open for writing and closes the device.
func (d *Drive) Close() error {
	werr := d.terminateWriter()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	if err := d.dev.Close(); err != nil {
		return err
	}
	return werr
}
