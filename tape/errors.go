package tape

import "github.com/pkg/errors"

var (
	// ErrNotAtEndOfData is returned when appending anywhere but at end-of-data.
	ErrNotAtEndOfData = errors.New("tape is not positioned at end of data")
	// ErrAlreadyInitialized is returned when initializing media that carries
	// a media header.
	ErrAlreadyInitialized = errors.New("media is already initialized")
	// ErrNotBlank is returned when initializing media that holds data written
	// by something else.
	ErrNotBlank = errors.New("media is not blank")
	// ErrNotInitialized is returned when mounting media without a media header.
	ErrNotInitialized = errors.New("media is not initialized")
	// ErrUnsupportedVersion is returned for headers newer than this program.
	ErrUnsupportedVersion = errors.New("unsupported header version")
	ErrKeyNotFound        = errors.New("key not found")
	ErrArchiveNotFound    = errors.New("archive not found")
	ErrArchiveClosed      = errors.New("archive is closed")
	ErrArchiveOpen        = errors.New("another archive is open for writing")
	// ErrStaleMedia is returned by a Media (or its Archives) after the drive
	// was mounted, initialized or erased again.
	ErrStaleMedia  = errors.New("media is stale, mount again")
	ErrDriveClosed = errors.New("drive is closed")
	// ErrEndOfMedium is returned when the early warning for end of medium
	// is set and no further objects may be appended.
	ErrEndOfMedium = errors.New("end of medium")
	// ErrCorrupt is returned when the recorded structure does not match its
	// headers, e.g. a payload that ends before its declared length.
	ErrCorrupt = errors.New("corrupt tape structure")
)
