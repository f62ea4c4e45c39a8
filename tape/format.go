// This file isolates the rest of the code from the binary layout of the headers
// written to tape. There are two parts to this file
//  1. The header structures and their encoding
//  2. Functions to read headers back from a record stream
//
// All integers are little endian. Strings carry a 16 bit length prefix.
//
//	MediaHeader:   version(1) magic(8) created(8) host(2+n)
//	ArchiveHeader: version(1) created(8) host(2+n)
//	ObjectHeader:  version(1) length(8) key(2+n)
package tape

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/stv0g/git-annex-remote-tape/utils"
)

// HeaderVersion is the newest header version this program reads and the one
// it writes.
const HeaderVersion uint8 = 1

// MediaMagic identifies a cartridge written by this program.
const MediaMagic = "GATAPE01"

const maxStringLength = math.MaxUint16

var errBadMagic = errors.New("bad media magic")

// PART 1 - HEADERS

type MediaHeader struct {
	Version uint8
	Created time.Time
	Host    string
}

type ArchiveHeader struct {
	Version uint8
	Created time.Time
	Host    string
}

type ObjectHeader struct {
	Version uint8
	Length  int64
	Key     string
}

// ID identifies the cartridge. It is derived from the header alone, so it
// survives reading the cartridge on another machine.
func (h *MediaHeader) ID() ulid.ULID {
	return utils.IDFromHeader("media", h.Created, h.Host)
}

func (h *MediaHeader) MarshalBinary() ([]byte, error) {
	var e encoder
	e.u8(h.Version)
	e.buf.WriteString(MediaMagic)
	e.time(h.Created)
	e.str(h.Host)
	return e.bytes()
}

func (h *ArchiveHeader) MarshalBinary() ([]byte, error) {
	var e encoder
	e.u8(h.Version)
	e.time(h.Created)
	e.str(h.Host)
	return e.bytes()
}

func (h *ObjectHeader) MarshalBinary() ([]byte, error) {
	if h.Length < 0 {
		return nil, errors.Errorf("negative object length %d", h.Length)
	}
	if h.Key == "" {
		return nil, errors.New("empty object key")
	}
	var e encoder
	e.u8(h.Version)
	e.u64(uint64(h.Length))
	e.str(h.Key)
	return e.bytes()
}

type encoder struct {
	buf bytes.Buffer
	err error
}

func (e *encoder) u8(v uint8) {
	e.buf.WriteByte(v)
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) time(t time.Time) {
	e.u64(uint64(t.Unix()))
}

func (e *encoder) str(s string) {
	if len(s) > maxStringLength {
		e.err = errors.Errorf("string of %d bytes does not fit a header", len(s))
		return
	}
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(len(s)))
	e.buf.Write(b[:])
	e.buf.WriteString(s)
}

func (e *encoder) bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.buf.Bytes(), nil
}

// PART 2 - READING HEADERS
//
// Each reader returns io.EOF if the stream ends before the first byte, which
// is how a filemark or end of data shows up. A stream ending inside a header
// is ErrCorrupt.

type decoder struct {
	r   io.Reader
	err error
}

func (d *decoder) full(b []byte) {
	if d.err != nil {
		return
	}
	if _, err := io.ReadFull(d.r, b); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			err = errors.Wrap(ErrCorrupt, "truncated header")
		}
		d.err = err
	}
}

func (d *decoder) u64() uint64 {
	var b [8]byte
	d.full(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (d *decoder) time() time.Time {
	return time.Unix(int64(d.u64()), 0).UTC()
}

func (d *decoder) str() string {
	var b [2]byte
	d.full(b[:])
	if d.err != nil {
		return ""
	}
	s := make([]byte, binary.LittleEndian.Uint16(b[:]))
	d.full(s)
	return string(s)
}

// readVersion reads the leading version byte and rejects versions this program
// does not know the layout of.
func readVersion(r io.Reader, what string) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	if b[0] == 0 || b[0] > HeaderVersion {
		return b[0], errors.Wrapf(ErrUnsupportedVersion, "%s header version %d", what, b[0])
	}
	return b[0], nil
}

func readMediaHeader(r io.Reader) (*MediaHeader, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, err
	}
	// check the magic first, a foreign tape has no meaningful version
	magic := make([]byte, len(MediaMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errBadMagic
		}
		return nil, err
	}
	if string(magic) != MediaMagic {
		return nil, errBadMagic
	}
	if b[0] == 0 || b[0] > HeaderVersion {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "media header version %d", b[0])
	}
	d := decoder{r: r}
	h := &MediaHeader{Version: b[0]}
	h.Created = d.time()
	h.Host = d.str()
	if d.err != nil {
		return nil, d.err
	}
	return h, nil
}

func readArchiveHeader(r io.Reader) (*ArchiveHeader, error) {
	v, err := readVersion(r, "archive")
	if err != nil {
		return nil, err
	}
	d := decoder{r: r}
	h := &ArchiveHeader{Version: v}
	h.Created = d.time()
	h.Host = d.str()
	if d.err != nil {
		return nil, d.err
	}
	return h, nil
}

func readObjectHeader(r io.Reader) (*ObjectHeader, error) {
	v, err := readVersion(r, "object")
	if err != nil {
		return nil, err
	}
	d := decoder{r: r}
	h := &ObjectHeader{Version: v}
	length := d.u64()
	h.Key = d.str()
	if d.err != nil {
		return nil, d.err
	}
	if length > math.MaxInt64 {
		return nil, errors.Wrapf(ErrCorrupt, "object length %d", length)
	}
	h.Length = int64(length)
	return h, nil
}
