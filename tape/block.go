package tape

import (
	"io"

	"github.com/pkg/errors"

	"github.com/stv0g/git-annex-remote-tape/tapehardware"
)

// Records on tape
//
// Every header and every object (header plus payload) is cut into records of
// the configured block size. Only the last record of a header or object may be
// short, so each object starts on a record boundary and a payload can be
// skipped by spacing over whole records.

// DefaultBlockSize is the record size used when none is configured.
const DefaultBlockSize = 64 * 1024

// minReadBuffer lets a drive configured with a small block size still read
// cartridges written with a larger one.
const minReadBuffer = 1 << 20

// blockReader reads the records of one tape file as a byte stream.
type blockReader struct {
	dev  tapehardware.Device
	buf  []byte
	data []byte // unread part of the current record
	last int    // length of the most recent record
	eof  bool   // filemark or end of data reached
}

func newBlockReader(dev tapehardware.Device, blockSize int) *blockReader {
	if blockSize < minReadBuffer {
		blockSize = minReadBuffer
	}
	return &blockReader{dev: dev, buf: make([]byte, blockSize)}
}

func (r *blockReader) fill() error {
	if r.eof {
		return io.EOF
	}
	n, err := r.dev.ReadBlock(r.buf)
	if err != nil {
		return err
	}
	if n == 0 {
		r.eof = true
		return io.EOF
	}
	r.data = r.buf[:n]
	r.last = n
	return nil
}

func (r *blockReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

// atBoundary reports whether the whole current record has been consumed.
func (r *blockReader) atBoundary() bool {
	return len(r.data) == 0
}

// discard skips n bytes. Whole records are spaced over without reading them.
func (r *blockReader) discard(n int64) error {
	k := int64(len(r.data))
	if k > n {
		k = n
	}
	r.data = r.data[k:]
	n -= k
	if n == 0 {
		return nil
	}
	if r.eof {
		return io.ErrUnexpectedEOF
	}

	// the object continues past the record just read, so it was a full one
	if r.last > 0 && n >= int64(r.last) {
		records := n / int64(r.last)
		if err := r.dev.ForwardRecords(int(records)); err != nil {
			return err
		}
		n -= records * int64(r.last)
	}
	for n > 0 {
		if err := r.fill(); err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		k := int64(len(r.data))
		if k > n {
			k = n
		}
		r.data = r.data[k:]
		n -= k
	}
	return nil
}

// blockWriter cuts a byte stream into records.
type blockWriter struct {
	dev     tapehardware.Device
	buf     []byte
	n       int
	written int64
	err     error // sticky write failure
}

func newBlockWriter(dev tapehardware.Device, blockSize int) *blockWriter {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &blockWriter{dev: dev, buf: make([]byte, blockSize)}
}

func (w *blockWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	total := 0
	for len(p) > 0 {
		k := copy(w.buf[w.n:], p)
		w.n += k
		p = p[k:]
		total += k
		if w.n == len(w.buf) {
			if err := w.writeRecord(); err != nil {
				return total - w.n, err
			}
		}
	}
	return total, nil
}

func (w *blockWriter) writeRecord() error {
	n, err := w.dev.WriteBlock(w.buf[:w.n])
	if err == nil && n != w.n {
		err = errors.Errorf("short write of %d bytes, record has %d", n, w.n)
	}
	if err != nil {
		w.err = err
		return err
	}
	w.written += int64(n)
	w.n = 0
	return nil
}

// flush writes a pending short record, ending the current header or object.
func (w *blockWriter) flush() error {
	if w.err != nil {
		return w.err
	}
	if w.n == 0 {
		return nil
	}
	return w.writeRecord()
}

// pad writes n zero bytes.
func (w *blockWriter) pad(n int64) error {
	zero := make([]byte, len(w.buf))
	for n > 0 {
		k := int64(len(zero))
		if k > n {
			k = n
		}
		if _, err := w.Write(zero[:k]); err != nil {
			return err
		}
		n -= k
	}
	return nil
}
