package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/stv0g/git-annex-remote-tape/dbmanager"
	"github.com/stv0g/git-annex-remote-tape/tape"
)

const DEFAULT_SIM_OBJECT_SIZE int = 500

func simulateCommand(env *environment) cli.Command {
	return cli.Command{
		Name:      "simulate",
		Usage:     "create initialized simulated cartridges, optionally holding sample objects",
		ArgsUsage: "<volser>...",
		Flags: []cli.Flag{
			cli.IntFlag{Name: "objects", Usage: "sample objects to write to each cartridge"},
			cli.IntFlag{Name: "size", Value: DEFAULT_SIM_OBJECT_SIZE, Usage: "bytes per sample object"},
		},
		Action: func(c *cli.Context) error {
			if env.cfg.Simulate == "" {
				return errors.New("tape simulate needs a simulated library, set --simulate")
			}
			names := []string(c.Args())
			if len(names) == 0 {
				names = []string{env.cfg.Cartridge}
			}
			d, err := env.openDrive("")
			if err != nil {
				return err
			}
			db, err := env.openDB()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return d.Exclusive(ctx, func() error {
				return createSimulatedTapes(ctx, c, env, d, db, names)
			})
		},
	}
}

// createSimulatedTapes replaces each named cartridge with a freshly
// initialized one. Sample objects go into a single archive and are indexed
// so retrieval jobs can be tried against them.
func createSimulatedTapes(ctx context.Context, c *cli.Context, env *environment, d *tape.Drive, db *dbmanager.DBManager, names []string) error {
	objects, size := c.Int("objects"), c.Int("size")
	if objects < 0 || size < 0 {
		return errors.New("objects and size must not be negative")
	}
	objectCount := 0
	var last time.Time
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		// cartridge identities are derived from the creation second
		if !last.IsZero() {
			time.Sleep(time.Until(last.Add(time.Second)))
		}
		if err := env.library.Load(name); err != nil {
			return err
		}
		if err := d.EraseMedia(ctx, false); err != nil {
			return err
		}
		h, err := d.InitializeMedia()
		if err != nil {
			return err
		}
		id := h.ID().String()
		last = h.Created

		if objects > 0 {
			m, err := d.Mount()
			if err != nil {
				return err
			}
			if err := m.SkipToEnd(); err != nil {
				return err
			}
			a, err := m.AppendArchive()
			if err != nil {
				return err
			}
			for i := 0; i < objects; i++ {
				// create random data to be the object
				randomData := make([]byte, size)
				if _, err := rand.Read(randomData); err != nil {
					return errors.Wrap(err, "unable to create random data")
				}
				objectName := fmt.Sprintf("Object%06d", objectCount)
				objectCount++

				loc, err := a.AppendObject(objectName, bytes.NewReader(randomData), int64(size))
				if err != nil {
					return err
				}
				rec := &dbmanager.ObjectRecord{
					Key:     objectName,
					Media:   id,
					Archive: loc.Archive,
					Object:  loc.Object,
					Size:    int64(size),
					Stored:  time.Now(),
				}
				if err := db.AddObject(rec); err != nil {
					return err
				}
			}
			if err := a.Close(); err != nil {
				return err
			}
		}

		info := &dbmanager.MediaInfo{ID: id, Volser: name, Host: h.Host, Created: h.Created, LastSeen: time.Now()}
		if objects > 0 {
			info.Archives = 1
		}
		if err := db.UpsertMedia(info); err != nil {
			return err
		}
		env.logger.Event("created simulated cartridge", zap.String("volser", name), zap.String("media", id), zap.Int("objects", objects))
		fmt.Fprintf(c.App.Writer, "%s\t%s\t%d objects\n", name, id, objects)
	}
	// put the configured cartridge back so the rest of the run sees it
	return env.library.Load(env.cfg.Cartridge)
}
