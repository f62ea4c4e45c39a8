package tape

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

// Location is where an object was written. It is what gets recorded as
// per-key state.
type Location struct {
	Media   ulid.ULID
	Archive int
	Object  int
}

func (l Location) String() string {
	return fmt.Sprintf("media=%s archive=%d object=%d", l.Media, l.Archive, l.Object)
}

// ParseLocation parses the output of Location.String. Unknown fields are
// ignored so later versions can add to it.
func ParseLocation(s string) (Location, error) {
	var (
		l    Location
		seen int
	)
	for _, field := range strings.Fields(s) {
		name, value, ok := strings.Cut(field, "=")
		if !ok {
			return Location{}, errors.Errorf("malformed location field %q", field)
		}
		var err error
		switch name {
		case "media":
			l.Media, err = ulid.Parse(value)
			seen++
		case "archive":
			l.Archive, err = strconv.Atoi(value)
			seen++
		case "object":
			l.Object, err = strconv.Atoi(value)
			seen++
		}
		if err != nil {
			return Location{}, errors.Wrapf(err, "location field %q", field)
		}
	}
	if seen != 3 {
		return Location{}, errors.Errorf("incomplete location %q", s)
	}
	return l, nil
}
