package tape

import (
	"io"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Media is the cartridge mounted in a Drive. It is a forward-only cursor
// over the archives on tape: each Next advances past the previous archive and
// there is no way back short of mounting again.
//
// A Media does not own the drive. It stops working with ErrStaleMedia once
// the drive is mounted, initialized or erased again.
type Media struct {
	drive      *Drive
	generation uint64

	Header *MediaHeader
	ID     ulid.ULID

	current *Archive
	file    int  // tape file the position is in, or at the start of
	inFile  bool // the filemark ending the file has not been passed
	done    bool
}

type endSpacer interface {
	SpaceToEnd() error
}

func (m *Media) alive() error {
	return m.drive.alive(m.generation)
}

// Next returns the next archive, or io.EOF after the last one. An archive
// whose header cannot be read is reported once; the following call moves on
// to the archive after it.
func (m *Media) Next() (*Archive, error) {
	if err := m.alive(); err != nil {
		return nil, err
	}
	if m.done {
		return nil, io.EOF
	}
	if err := m.leaveFile(); err != nil {
		return nil, err
	}

	r := newBlockReader(m.drive.dev, m.drive.cfg.BlockSize)
	h, err := readArchiveHeader(r)
	if err == io.EOF {
		// a second filemark or end of data
		m.done = true
		return nil, io.EOF
	}
	index := m.file
	m.inFile = true
	if r.eof {
		// the file ended inside the header
		m.inFile = false
		m.file++
	}
	if err != nil {
		return nil, errors.Wrapf(err, "archive %d", index)
	}
	if !r.atBoundary() {
		return nil, errors.Wrapf(ErrCorrupt, "archive %d: data after header", index)
	}
	a := &Archive{media: m, Index: index, Header: h, r: r}
	m.current = a
	return a, nil
}

// leaveFile spaces past the filemark of the file the tape is in.
func (m *Media) leaveFile() error {
	m.current = nil
	if !m.inFile {
		return nil
	}
	if err := m.drive.dev.ForwardFilemarks(1); err != nil {
		// an archive left unterminated by a crash runs into end of data
		if st, serr := m.drive.dev.Status(); serr == nil && st.EOD {
			m.inFile = false
			m.done = true
			return io.EOF
		}
		return err
	}
	m.inFile = false
	m.file++
	return nil
}

// fileEnded is called by an archive that read up to its filemark.
func (m *Media) fileEnded(a *Archive) {
	if m.current == a {
		m.inFile = false
		m.file++
	}
}

// Locate spaces forward to the archive stored in the given tape file without
// reading the archives in between.
func (m *Media) Locate(index int) (*Archive, error) {
	if err := m.alive(); err != nil {
		return nil, err
	}
	if index < m.file || (index == m.file && m.inFile) {
		return nil, errors.Errorf("archive %d is behind the tape position", index)
	}
	if m.done {
		return nil, errors.Wrapf(ErrArchiveNotFound, "archive %d", index)
	}
	if err := m.leaveFile(); err != nil {
		if err == io.EOF {
			return nil, errors.Wrapf(ErrArchiveNotFound, "archive %d", index)
		}
		return nil, err
	}
	if skip := index - m.file; skip > 0 {
		if err := m.drive.dev.ForwardFilemarks(skip); err != nil {
			if st, serr := m.drive.dev.Status(); serr == nil && st.EOD {
				m.done = true
				return nil, errors.Wrapf(ErrArchiveNotFound, "archive %d", index)
			}
			return nil, err
		}
		m.file = index
	}
	a, err := m.Next()
	if err == io.EOF {
		return nil, errors.Wrapf(ErrArchiveNotFound, "archive %d", index)
	}
	return a, err
}

// SkipToEnd positions the tape at end of data, ready for AppendArchive.
func (m *Media) SkipToEnd() error {
	if err := m.alive(); err != nil {
		return err
	}
	dev := m.drive.dev
	if s, ok := dev.(endSpacer); ok {
		m.current = nil
		m.done = true
		return s.SpaceToEnd()
	}
	if err := m.leaveFile(); err != nil && err != io.EOF {
		return err
	}
	for {
		st, err := dev.Status()
		if err != nil {
			return err
		}
		if st.EOD {
			break
		}
		if err := dev.ForwardFilemarks(1); err != nil {
			if st, serr := dev.Status(); serr == nil && st.EOD {
				break
			}
			return err
		}
		m.file++
	}
	m.done = true
	return nil
}

// AppendArchive starts a new archive at end of data. At most one archive per
// drive is open for writing.
func (m *Media) AppendArchive() (*Archive, error) {
	if err := m.alive(); err != nil {
		return nil, err
	}
	d := m.drive
	d.mu.Lock()
	busy := d.writer != nil
	d.mu.Unlock()
	if busy {
		return nil, ErrArchiveOpen
	}

	st, err := d.dev.Status()
	if err != nil {
		return nil, err
	}
	if !st.EOD {
		return nil, errors.Wrapf(ErrNotAtEndOfData, "at file %d block %d", st.FileNumber, st.BlockNumber)
	}
	index := int(st.FileNumber)
	if st.BlockNumber != 0 {
		// an archive written by a crashed session has no filemark yet
		d.logger.Warn("terminating unfinished archive", zap.Int("archive", index))
		if err := d.dev.WriteFilemarks(1); err != nil {
			return nil, err
		}
		index++
	}

	h := &ArchiveHeader{Version: HeaderVersion, Created: d.cfg.Now().UTC().Truncate(time.Second), Host: d.cfg.Host}
	b, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}
	w := newBlockWriter(d.dev, d.cfg.BlockSize)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.flush(); err != nil {
		return nil, err
	}

	a := &Archive{media: m, Index: index, Header: h, w: w}
	d.mu.Lock()
	d.writer = a
	d.mu.Unlock()
	m.current = nil
	m.inFile = false
	m.done = true
	d.logger.Event("appending archive", zap.Stringer("media", m.ID), zap.Int("archive", index))
	return a, nil
}

// FindObject scans forward for the first object stored under key, starting
// with the archive currently being read. Archives and objects that cannot be
// decoded are passed over.
func (m *Media) FindObject(key string) (*Object, error) {
	if a := m.current; a != nil && !a.done {
		o, err := a.FindObject(key)
		if err == nil {
			return o, nil
		}
		if !skippable(err) {
			return nil, err
		}
	}
	for {
		a, err := m.Next()
		if err == io.EOF {
			return nil, errors.Wrapf(ErrKeyNotFound, "%s", key)
		}
		if skippable(err) {
			m.drive.logger.Warn("skipping archive", zap.Error(err))
			continue
		}
		if err != nil {
			return nil, err
		}
		o, err := a.FindObject(key)
		if err == nil {
			return o, nil
		}
		if !skippable(err) {
			return nil, err
		}
	}
}

func skippable(err error) bool {
	return errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrUnsupportedVersion) || errors.Is(err, ErrCorrupt)
}
