package utils

import (
	"bytes"
	"crypto/sha256"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

// IDFromHeader derives a stable ULID from what a header records about its
// creation. Reading the same header again always yields the same ID.
func IDFromHeader(kind string, created time.Time, host string) ulid.ULID {
	sum := sha256.Sum256([]byte(kind + "\x00" + host))
	id, err := ulid.New(ulid.Timestamp(created), bytes.NewReader(sum[:]))
	if err != nil {
		// only possible for times past the year 10889
		return ulid.ULID{}
	}
	return id
}

// GetTimeFromID parses an ID and returns it together with its timestamp.
func GetTimeFromID(id string) (ulid.ULID, time.Time, error) {
	u, err := ulid.Parse(id)
	if err != nil {
		return ulid.ULID{}, time.Time{}, errors.Wrapf(err, "parsing id %q", id)
	}
	return u, ulid.Time(u.Time()), nil
}
