package tapehardware

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kbj/mtx"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/stv0g/git-annex-remote-tape/utils"
)

//**** REAL TAPE LIBRARY ********

// MtxLibrary drives a SCSI media changer through the mtx command. Only one
// data transfer element, the one backing our Drive, is used.
type MtxLibrary struct {
	mtx    *mtx.Changer
	drive  int
	logger *utils.Logger
}

func NewMtxLibrary(libraryDevice string, drive int, logger *utils.Logger) *MtxLibrary {
	return &MtxLibrary{
		mtx:    mtx.NewChanger(NewSpectraChanger(libraryDevice)),
		drive:  drive,
		logger: logger,
	}
}

func (l *MtxLibrary) Audit() ([]Cartridge, error) {
	var cartridges []Cartridge

	// find cartridges in drives
	drives, err := l.mtx.Drives()
	if err != nil {
		return nil, errors.Wrap(err, "unable to get drive info")
	}
	for _, drive := range drives {
		if drive.Num == l.drive && drive.Vol != nil {
			cartridges = append(cartridges, Cartridge{Volser: drive.Vol.Serial, Slot: drive.Num, InDrive: true})
		}
	}

	// find cartridges in slots
	slots, err := l.mtx.Slots()
	if err != nil {
		return nil, errors.Wrap(err, "unable to get cartridge info")
	}
	for _, slot := range slots {
		if slot.Type == mtx.StorageSlot && slot.Vol != nil {
			cartridges = append(cartridges, Cartridge{Volser: slot.Vol.Serial, Slot: slot.Num})
		}
	}
	return cartridges, nil
}

func (l *MtxLibrary) Load(volser string) error {
	loaded, ok, err := l.Loaded()
	if err != nil {
		return err
	}
	if ok && loaded == volser {
		return nil
	}
	if ok {
		if err := l.Unload(); err != nil {
			return err
		}
	}

	slots, err := l.mtx.Slots()
	if err != nil {
		return errors.Wrap(err, "unable to get cartridge info")
	}
	for _, slot := range slots {
		if slot.Type == mtx.StorageSlot && slot.Vol != nil && slot.Vol.Serial == volser {
			l.logger.Event("loading cartridge", zap.String("volser", volser), zap.Int("slot", slot.Num), zap.Int("drive", l.drive))
			return errors.Wrapf(l.mtx.Load(slot.Num, l.drive), "loading %s from slot %d", volser, slot.Num)
		}
	}
	return errors.Errorf("cartridge %s not found in library", volser)
}

func (l *MtxLibrary) Unload() error {
	volser, ok, err := l.Loaded()
	if err != nil || !ok {
		return err
	}
	slot, err := l.findFreeSlot()
	if err != nil {
		return err
	}
	l.logger.Event("unloading cartridge", zap.String("volser", volser), zap.Int("slot", slot), zap.Int("drive", l.drive))
	return errors.Wrapf(l.mtx.Unload(slot, l.drive), "unloading %s to slot %d", volser, slot)
}

func (l *MtxLibrary) Loaded() (string, bool, error) {
	drives, err := l.mtx.Drives()
	if err != nil {
		return "", false, errors.Wrap(err, "unable to get drive info")
	}
	for _, drive := range drives {
		if drive.Num == l.drive && drive.Vol != nil {
			return drive.Vol.Serial, true, nil
		}
	}
	return "", false, nil
}

// find first free slot
func (l *MtxLibrary) findFreeSlot() (int, error) {
	slots, err := l.mtx.Slots()
	if err != nil {
		return 0, errors.Wrap(err, "unable to get cartridge info")
	}
	for _, s := range slots {
		if s.Type == mtx.StorageSlot && s.Vol == nil {
			return s.Num, nil
		}
	}
	return 0, errors.New("no slots available")
}

//**** MTX PROVIDER  ********
type Changer struct {
	device string
}

func NewSpectraChanger(device string) *Changer {
	return &Changer{
		device: device,
	}
}

func (c *Changer) Do(args ...string) ([]byte, error) {
	return exec.Command("mtx", append([]string{"-f", c.device}, args...)...).Output()
}

//**** SIMULATED TAPE LIBRARY ********

// CartridgeSuffix names simulated cartridge files inside a library directory.
const CartridgeSuffix = ".tape"

// SimulatedLibrary treats every *.tape file in a directory as a cartridge
// that can be loaded into a Simulator.
type SimulatedLibrary struct {
	tapeDirectory string
	drive         *Simulator
	logger        *utils.Logger
}

func NewSimulatedLibrary(tapeDirectory string, drive *Simulator, logger *utils.Logger) (*SimulatedLibrary, error) {
	if err := os.MkdirAll(tapeDirectory, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating simulated library %s", tapeDirectory)
	}
	return &SimulatedLibrary{tapeDirectory: tapeDirectory, drive: drive, logger: logger}, nil
}

func (l *SimulatedLibrary) Audit() ([]Cartridge, error) {
	entries, err := os.ReadDir(l.tapeDirectory)
	if err != nil {
		return nil, errors.Wrapf(err, "reading simulated library %s", l.tapeDirectory)
	}
	loaded, inDrive, _ := l.Loaded()
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), CartridgeSuffix) {
			names = append(names, strings.TrimSuffix(e.Name(), CartridgeSuffix))
		}
	}
	sort.Strings(names)
	cartridges := make([]Cartridge, 0, len(names))
	for slot, name := range names {
		cartridges = append(cartridges, Cartridge{Volser: name, Slot: slot, InDrive: inDrive && name == loaded})
	}
	return cartridges, nil
}

// Load inserts the named cartridge, creating a blank one if it does not
// exist yet.
func (l *SimulatedLibrary) Load(volser string) error {
	if volser == "" || strings.ContainsAny(volser, `/\`) {
		return errors.Errorf("invalid cartridge name %q", volser)
	}
	l.logger.Event("loading simulated cartridge", zap.String("volser", volser))
	return l.drive.LoadFile(CartridgePath(l.tapeDirectory, volser))
}

func (l *SimulatedLibrary) Unload() error {
	l.logger.Event("unloading simulated cartridge", zap.String("volser", l.drive.Name()))
	return l.drive.Eject()
}

func (l *SimulatedLibrary) Loaded() (string, bool, error) {
	st, err := l.drive.Status()
	if err != nil {
		return "", false, err
	}
	if !st.Online {
		return "", false, nil
	}
	return l.drive.Name(), true, nil
}

// CartridgePath is the file backing a simulated cartridge.
func CartridgePath(tapeDirectory, volser string) string {
	return filepath.Join(tapeDirectory, volser+CartridgeSuffix)
}

func cartridgeName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), CartridgeSuffix)
}
