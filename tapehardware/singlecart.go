package tapehardware

import (
	"github.com/pkg/errors"
)

//**** SINGLE CARTRIDGE LIBRARY ********

// SingleCartLibrary stands in for a changer when the drive is loaded by hand.
// The only cartridge it knows is the one with the configured label.
type SingleCartLibrary struct {
	label string
	dev   Device
}

type unloader interface {
	Unload() error
}

func NewSingleCartLibrary(label string, dev Device) *SingleCartLibrary {
	return &SingleCartLibrary{label: label, dev: dev}
}

func (l *SingleCartLibrary) Audit() ([]Cartridge, error) {
	if l.label == "" {
		return nil, nil
	}
	_, inDrive, err := l.Loaded()
	if err != nil {
		return nil, err
	}
	return []Cartridge{{Volser: l.label, InDrive: inDrive}}, nil
}

// Load succeeds only for the cartridge that is already there.
func (l *SingleCartLibrary) Load(volser string) error {
	loaded, ok, err := l.Loaded()
	if err != nil {
		return err
	}
	if !ok || loaded != volser {
		return errors.Errorf("cartridge %s must be inserted by hand", volser)
	}
	return nil
}

// Unload ejects the cartridge if the device can.
func (l *SingleCartLibrary) Unload() error {
	u, ok := l.dev.(unloader)
	if !ok {
		return errors.New("drive cannot eject")
	}
	return u.Unload()
}

func (l *SingleCartLibrary) Loaded() (string, bool, error) {
	st, err := l.dev.Status()
	if err != nil {
		return "", false, err
	}
	if !st.Online || l.label == "" {
		return "", false, nil
	}
	return l.label, true, nil
}
