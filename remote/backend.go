// Package remote connects git-annex to the tape: Backend implements the
// requests of an external special remote and Protocol speaks the line
// protocol git-annex uses to send them.
package remote

import (
	"context"
	"io"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/stv0g/git-annex-remote-tape/dbmanager"
	"github.com/stv0g/git-annex-remote-tape/jobs"
	"github.com/stv0g/git-annex-remote-tape/tape"
	"github.com/stv0g/git-annex-remote-tape/tapehardware"
	"github.com/stv0g/git-annex-remote-tape/utils"
)

const DefaultCacheSize = 4096

var (
	// ErrNotAvailable means a retrieval was queued and has to be started by
	// the operator.
	ErrNotAvailable = errors.New("data not available yet")
	// ErrRemoveUnsupported is returned for every removal, tape is write once.
	ErrRemoveUnsupported = errors.New("dropping keys from tapes is not supported")
	ErrDriveBusy         = errors.New("drive is busy")
)

type Config struct {
	// Library is optional; when set the loaded volume serial is recorded
	// for each cartridge written or scanned.
	Library   tapehardware.Library
	CacheSize int
	Logger    *utils.Logger
}

// Backend answers git-annex requests. Stores of one session go into a single
// archive that stays open until Close.
type Backend struct {
	drive   *tape.Drive
	db      *dbmanager.DBManager
	jobs    *jobs.Manager
	library tapehardware.Library
	present *lru.Cache // key -> tape.Location
	logger  *utils.Logger

	archive *tape.Archive // session archive, guarded by the drive
}

func New(drive *tape.Drive, db *dbmanager.DBManager, mgr *jobs.Manager, cfg Config) (*Backend, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.NewNopLogger()
	}
	c, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Backend{
		drive:   drive,
		db:      db,
		jobs:    mgr,
		library: cfg.Library,
		present: c,
		logger:  cfg.Logger,
	}, nil
}

// Store appends the file at sourcePath under key. The object is on tape when
// Store returns.
func (b *Backend) Store(ctx context.Context, key, sourcePath string) (tape.Location, error) {
	f, err := os.Open(sourcePath)
	if err != nil {
		return tape.Location{}, errors.Wrapf(err, "opening %s", sourcePath)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return tape.Location{}, errors.Wrapf(err, "opening %s", sourcePath)
	}

	var (
		loc   tape.Location
		media *tape.Media
	)
	err = b.drive.Exclusive(ctx, func() error {
		a, m, err := b.sessionArchive()
		if err != nil {
			return err
		}
		media = m
		loc, err = a.AppendObject(key, f, info.Size())
		if errors.Is(err, tape.ErrEndOfMedium) {
			if cerr := b.endSession(); cerr != nil {
				b.logger.Error("closing full archive", cerr)
			}
		}
		return err
	})
	if err != nil {
		return tape.Location{}, errors.Wrapf(err, "storing %s", key)
	}

	rec := &dbmanager.ObjectRecord{
		Key:     key,
		Media:   loc.Media.String(),
		Archive: loc.Archive,
		Object:  loc.Object,
		Size:    info.Size(),
		Stored:  time.Now(),
	}
	if err := b.db.AddObject(rec); err != nil {
		return loc, err
	}
	if err := b.SetState(key, loc.String()); err != nil {
		return loc, err
	}
	if media != nil {
		b.recordMedia(media, loc.Archive)
	}
	b.present.Add(key, loc)
	b.logger.Event("stored key", zap.String("key", key), zap.Int64("size", info.Size()), zap.Stringer("location", loc))
	return loc, nil
}

// sessionArchive returns the archive of this session, starting one at the
// end of the cartridge if there is none. The caller holds the drive.
func (b *Backend) sessionArchive() (*tape.Archive, *tape.Media, error) {
	if b.archive != nil && b.archive.Writable() {
		return b.archive, nil, nil
	}
	b.archive = nil
	m, err := b.drive.Mount()
	if err != nil {
		return nil, nil, err
	}
	if err := m.SkipToEnd(); err != nil {
		return nil, nil, err
	}
	a, err := m.AppendArchive()
	if err != nil {
		return nil, nil, err
	}
	b.archive = a
	return a, m, nil
}

func (b *Backend) endSession() error {
	a := b.archive
	b.archive = nil
	if a == nil {
		return nil
	}
	return a.Close()
}

// recordMedia updates the catalogue entry of the cartridge in the drive.
func (b *Backend) recordMedia(m *tape.Media, archives int) {
	info, err := b.db.GetMedia(m.ID.String())
	if err == dbmanager.ErrNotFound {
		info = &dbmanager.MediaInfo{ID: m.ID.String()}
	} else if err != nil {
		b.logger.Error("reading media catalogue", err)
		return
	}
	info.Host = m.Header.Host
	info.Created = m.Header.Created
	info.LastSeen = time.Now()
	if archives > info.Archives {
		info.Archives = archives
	}
	if b.library != nil {
		if volser, ok, err := b.library.Loaded(); err == nil && ok {
			info.Volser = volser
		}
	}
	if err := b.db.UpsertMedia(info); err != nil {
		b.logger.Error("updating media catalogue", err)
	}
}

// Retrieve queues a job that copies key to destination and returns
// ErrNotAvailable. Once such a job has completed and the file is in place,
// Retrieve succeeds and forgets the job.
func (b *Backend) Retrieve(key, destination string) (*jobs.Job, error) {
	list, err := b.jobs.List()
	if err != nil {
		return nil, err
	}
	for _, j := range list {
		if j.Key != key || j.Destination != destination {
			continue
		}
		switch j.State {
		case jobs.StateCompleted:
			if _, err := os.Stat(destination); err == nil {
				if err := b.jobs.Drop(j.ID); err != nil {
					b.logger.Warn("dropping completed job", zap.Int64("job", j.ID), zap.Error(err))
				}
				return j, nil
			}
		case jobs.StatePending, jobs.StateRunning:
			return j, errors.Wrapf(ErrNotAvailable, "waiting for job %d", j.ID)
		}
	}
	j, err := b.jobs.Enqueue(key, destination)
	if err != nil {
		return nil, err
	}
	return j, errors.Wrapf(ErrNotAvailable, "queued as job %d", j.ID)
}

// CheckPresent looks in the cache, the object index and finally the stored
// state. The tape itself is not touched.
func (b *Backend) CheckPresent(key string) (bool, error) {
	if _, ok := b.present.Get(key); ok {
		return true, nil
	}
	copies, err := b.db.FindObjects(key)
	if err != nil {
		return false, err
	}
	if len(copies) > 0 {
		c := copies[0]
		if id, err := ulid.Parse(c.Media); err == nil {
			b.present.Add(key, tape.Location{Media: id, Archive: c.Archive, Object: c.Object})
		}
		return true, nil
	}
	state, err := b.GetState(key)
	if err != nil {
		return false, err
	}
	if loc, err := tape.ParseLocation(state); err == nil {
		b.present.Add(key, loc)
		return true, nil
	}
	return false, nil
}

func (b *Backend) GetState(key string) (string, error) {
	return b.db.GetState(key)
}

func (b *Backend) SetState(key, value string) error {
	return b.db.SetState(key, value)
}

// Remove always fails; objects on tape cannot be deleted.
func (b *Backend) Remove(key string) error {
	return errors.Wrapf(ErrRemoveUnsupported, "removing %s", key)
}

// Rescan reads every archive on the cartridge, skipping payloads, and
// replaces the index of that cartridge with what it found.
func (b *Backend) Rescan(ctx context.Context) (int, error) {
	var objects []*dbmanager.ObjectRecord
	err := b.drive.Exclusive(ctx, func() error {
		if err := b.endSession(); err != nil {
			return err
		}
		m, err := b.drive.Mount()
		if err != nil {
			return err
		}
		archives := 0
		for {
			a, err := m.Next()
			if err == io.EOF {
				break
			}
			if errors.Is(err, tape.ErrUnsupportedVersion) || errors.Is(err, tape.ErrCorrupt) {
				b.logger.Warn("skipping unreadable archive", zap.Error(err))
				continue
			}
			if err != nil {
				return err
			}
			archives = a.Index
			for {
				o, err := a.Next()
				if err == io.EOF {
					break
				}
				if err != nil {
					b.logger.Warn("rest of archive unreadable", zap.Int("archive", a.Index), zap.Error(err))
					break
				}
				loc := o.Location()
				objects = append(objects, &dbmanager.ObjectRecord{
					Key:     o.Key(),
					Media:   loc.Media.String(),
					Archive: loc.Archive,
					Object:  loc.Object,
					Size:    o.Size(),
					Stored:  a.Header.Created,
				})
			}
		}
		if err := b.db.ReplaceMediaObjects(ctx, m.ID.String(), objects); err != nil {
			return err
		}
		b.recordMedia(m, archives)
		b.logger.Event("rescanned media", zap.Stringer("media", m.ID), zap.Int("archives", archives), zap.Int("objects", len(objects)))
		return nil
	})
	if err != nil {
		return 0, err
	}
	b.present.Purge()
	return len(objects), nil
}

// Info reports on the drive without waiting for it.
func (b *Backend) Info() (*tape.Info, error) {
	var info *tape.Info
	ok, err := b.drive.TryExclusive(func() error {
		if b.archive != nil && b.archive.Writable() {
			return errors.Wrap(ErrDriveBusy, "archive open for writing")
		}
		var err error
		info, err = b.drive.Info()
		return err
	})
	if !ok {
		return nil, ErrDriveBusy
	}
	return info, err
}

// Close ends the session archive.
func (b *Backend) Close() error {
	return b.drive.Exclusive(context.Background(), b.endSession)
}
