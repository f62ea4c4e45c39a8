package tape

import (
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Archive is one write session on tape: a header followed by objects, ended
// by a filemark. An Archive is either being read (from Media.Next) or being
// written (from Media.AppendArchive), never both.
type Archive struct {
	media  *Media
	Index  int // tape file number, the first archive is 1
	Header *ArchiveHeader

	r       *blockReader
	w       *blockWriter
	current *Object
	objects int // objects read or written so far
	done    bool
	closed  bool
	err     error // sticky, the rest of the archive cannot be read
}

// Writable reports whether objects can still be appended.
func (a *Archive) Writable() bool {
	return a.w != nil && !a.closed && a.err == nil && a.media.alive() == nil
}

// Objects returns the number of objects read or written so far.
func (a *Archive) Objects() int {
	return a.objects
}

func (a *Archive) fail(err error) error {
	a.err = err
	return err
}

// Next returns the next object, or io.EOF at the end of the archive. An object
// whose payload was not read to the end is skipped.
func (a *Archive) Next() (*Object, error) {
	if err := a.media.alive(); err != nil {
		return nil, err
	}
	if a.w != nil {
		return nil, errors.New("archive is open for writing")
	}
	if a.err != nil {
		return nil, a.err
	}
	if a.done {
		return nil, io.EOF
	}
	if a.current != nil {
		if err := a.current.skip(); err != nil {
			return nil, err
		}
		a.current = nil
	}
	if !a.r.atBoundary() {
		return nil, a.fail(errors.Wrapf(ErrCorrupt, "archive %d object %d: not on a record boundary", a.Index, a.objects))
	}

	h, err := readObjectHeader(a.r)
	if a.r.eof {
		a.done = true
		a.media.fileEnded(a)
	}
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, a.fail(errors.Wrapf(err, "archive %d object %d", a.Index, a.objects))
	}
	o := &Object{Header: h, Index: a.objects, archive: a, remaining: h.Length}
	a.objects++
	a.current = o
	return o, nil
}

// FindObject scans the rest of the archive for key.
func (a *Archive) FindObject(key string) (*Object, error) {
	for {
		o, err := a.Next()
		if err == io.EOF {
			return nil, errors.Wrapf(ErrKeyNotFound, "%s in archive %d", key, a.Index)
		}
		if err != nil {
			return nil, err
		}
		if o.Key() == key {
			return o, nil
		}
	}
}

// AppendObject writes size bytes from r as an object. The object is on the
// medium when AppendObject returns.
//
// If r delivers fewer than size bytes the payload is padded with zeros to keep
// the archive readable and an error is returned.
func (a *Archive) AppendObject(key string, r io.Reader, size int64) (Location, error) {
	if err := a.media.alive(); err != nil {
		return Location{}, err
	}
	if a.w == nil || a.closed {
		return Location{}, ErrArchiveClosed
	}
	if a.err != nil {
		return Location{}, a.err
	}
	d := a.media.drive
	st, err := d.dev.Status()
	if err != nil {
		return Location{}, err
	}
	if st.EOT {
		return Location{}, ErrEndOfMedium
	}

	h := &ObjectHeader{Version: HeaderVersion, Length: size, Key: key}
	b, err := h.MarshalBinary()
	if err != nil {
		return Location{}, err
	}
	if _, err := a.w.Write(b); err != nil {
		return Location{}, a.fail(err)
	}
	n, cerr := io.CopyN(a.w, r, size)
	if a.w.err != nil {
		return Location{}, a.fail(a.w.err)
	}
	if n < size {
		if err := a.w.pad(size - n); err != nil {
			return Location{}, a.fail(err)
		}
	}
	if err := a.w.flush(); err != nil {
		return Location{}, a.fail(err)
	}
	// zero filemarks flush the drive buffer
	if err := d.dev.WriteFilemarks(0); err != nil {
		return Location{}, a.fail(err)
	}

	loc := Location{Media: a.media.ID, Archive: a.Index, Object: a.objects}
	a.objects++
	if n < size {
		if cerr == nil || cerr == io.EOF {
			cerr = io.ErrUnexpectedEOF
		}
		return loc, errors.Wrapf(cerr, "object %s: source ended after %d of %d bytes", key, n, size)
	}
	d.logger.Debug("appended object", zap.String("key", key), zap.Int64("size", size), zap.Stringer("location", loc))
	return loc, nil
}

// Close ends an archive being written with a filemark. Closing an archive
// being read does nothing.
func (a *Archive) Close() error {
	if a.w == nil || a.closed {
		return nil
	}
	a.closed = true
	d := a.media.drive
	d.mu.Lock()
	if d.writer == a {
		d.writer = nil
	}
	d.mu.Unlock()
	if err := a.media.alive(); err != nil {
		return err
	}
	if a.w.err == nil {
		if err := a.w.flush(); err != nil {
			return err
		}
	}
	if err := d.dev.WriteFilemarks(1); err != nil {
		return err
	}
	d.logger.Event("closed archive", zap.Stringer("media", a.media.ID), zap.Int("archive", a.Index), zap.Int("objects", a.objects))
	return nil
}

// Object is one stored payload. It reads as an io.Reader until the end of the
// payload and is valid until the next call to Archive.Next.
type Object struct {
	Header *ObjectHeader
	Index  int // position within the archive

	archive   *Archive
	remaining int64
}

func (o *Object) Key() string {
	return o.Header.Key
}

func (o *Object) Size() int64 {
	return o.Header.Length
}

func (o *Object) Location() Location {
	return Location{Media: o.archive.media.ID, Archive: o.archive.Index, Object: o.Index}
}

func (o *Object) check() error {
	if o.archive.current != o {
		return errors.Errorf("object %s is no longer current", o.Key())
	}
	return o.archive.media.alive()
}

func (o *Object) Read(p []byte) (int, error) {
	if err := o.check(); err != nil {
		return 0, err
	}
	if o.archive.err != nil {
		return 0, o.archive.err
	}
	if o.remaining == 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > o.remaining {
		p = p[:o.remaining]
	}
	r := o.archive.r
	n, err := r.Read(p)
	o.remaining -= int64(n)
	if err == io.EOF {
		return n, o.truncated()
	}
	if err != nil {
		return n, err
	}
	if o.remaining == 0 && !r.atBoundary() {
		return n, o.archive.fail(errors.Wrapf(ErrCorrupt, "object %s: data after payload", o.Key()))
	}
	return n, nil
}

func (o *Object) truncated() error {
	a := o.archive
	a.done = true
	a.media.fileEnded(a)
	return a.fail(errors.Wrapf(ErrCorrupt, "object %s: payload ends %d bytes early", o.Key(), o.remaining))
}

// skip moves past the unread part of the payload.
func (o *Object) skip() error {
	r := o.archive.r
	if err := r.discard(o.remaining); err != nil {
		if err == io.ErrUnexpectedEOF {
			return o.truncated()
		}
		return o.archive.fail(err)
	}
	o.remaining = 0
	if !r.atBoundary() {
		return o.archive.fail(errors.Wrapf(ErrCorrupt, "object %s: data after payload", o.Key()))
	}
	return nil
}
