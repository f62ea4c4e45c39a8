package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/stv0g/git-annex-remote-tape/tape"
	"github.com/stv0g/git-annex-remote-tape/tapehardware"
)

func tapeCommand(env *environment) cli.Command {
	return cli.Command{
		Name:  "tape",
		Usage: "manage the cartridge in the drive",
		Subcommands: []cli.Command{
			{
				Name:   "init",
				Usage:  "initialize a blank cartridge for use with git-annex-remote-tape",
				Action: env.withDrive(tapeInit),
			},
			{
				Name:  "erase",
				Usage: "erase all data from the cartridge",
				Flags: []cli.Flag{
					cli.BoolFlag{Name: "secure, s", Usage: "overwrite every block, takes hours and cannot be interrupted"},
				},
				Action: env.withDrive(tapeErase),
			},
			{
				Name:   "info",
				Usage:  "show information about the cartridge",
				Action: env.withDrive(tapeInfo),
			},
			{
				Name:   "scan",
				Usage:  "rebuild the index of the cartridge by reading it",
				Action: func(c *cli.Context) error { return tapeScan(c, env) },
			},
			{
				Name:   "library",
				Usage:  "list the cartridges the library holds",
				Action: func(c *cli.Context) error { return tapeLibrary(c, env) },
			},
			{
				Name:      "load",
				Usage:     "load a cartridge into the drive",
				ArgsUsage: "<volser>",
				Action:    func(c *cli.Context) error { return tapeLoad(c, env) },
			},
			{
				Name:   "unload",
				Usage:  "return the cartridge in the drive to its slot",
				Action: func(c *cli.Context) error { return tapeUnload(c, env) },
			},
			simulateCommand(env),
		},
	}
}

// withDrive runs fn holding the configured drive.
func (env *environment) withDrive(fn func(ctx context.Context, c *cli.Context, d *tape.Drive) error) func(c *cli.Context) error {
	return func(c *cli.Context) error {
		d, err := env.openDrive(env.cfg.Drive)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		return d.Exclusive(ctx, func() error {
			return fn(ctx, c, d)
		})
	}
}

func tapeInit(ctx context.Context, c *cli.Context, d *tape.Drive) error {
	h, err := d.InitializeMedia()
	if err != nil {
		return errors.Wrap(err, "initializing cartridge")
	}
	fmt.Fprintf(c.App.Writer, "initialized cartridge %s\n", h.ID())
	return nil
}

func tapeErase(ctx context.Context, c *cli.Context, d *tape.Drive) error {
	secure := c.Bool("secure")
	if secure {
		fmt.Fprintln(c.App.Writer, "secure erase started, this takes hours")
	}
	if err := d.EraseMedia(ctx, secure); err != nil {
		return errors.Wrap(err, "erasing cartridge")
	}
	fmt.Fprintln(c.App.Writer, "cartridge erased")
	return nil
}

func tapeInfo(ctx context.Context, c *cli.Context, d *tape.Drive) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintf(w, "Status:\t\t%s\n", info.Status)
	if !info.Status.Online {
		fmt.Fprintln(w, "Cartridge:\tnone")
		return nil
	}
	if !info.Initialized {
		fmt.Fprintln(w, "Cartridge:\tnot initialized")
	} else {
		fmt.Fprintf(w, "Cartridge:\t%s\n", info.MediaID)
		fmt.Fprintf(w, "Host:\t\t%s\n", info.Header.Host)
		fmt.Fprintf(w, "Created:\t%s (%s)\n", info.Header.Created.Local().Format("2006-01-02 15:04:05"), humanize.Time(info.Header.Created))
	}
	fmt.Fprintf(w, "Position:\tblock %d\n", info.Position)
	if info.Capacity > 0 {
		fmt.Fprintf(w, "Capacity:\t%s, %s remaining\n", humanize.IBytes(uint64(info.Capacity)), humanize.IBytes(uint64(info.Remaining)))
	}
	return nil
}

func tapeScan(c *cli.Context, env *environment) error {
	b, err := env.openBackend(env.cfg.Drive)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	n, err := b.Rescan(ctx)
	if err != nil {
		return errors.Wrap(err, "scanning cartridge")
	}
	fmt.Fprintf(c.App.Writer, "indexed %d objects\n", n)
	return nil
}

func openLibrary(env *environment) (tapehardware.Library, error) {
	if _, err := env.openDrive(env.cfg.Drive); err != nil {
		return nil, err
	}
	return env.library, nil
}

func tapeLibrary(c *cli.Context, env *environment) error {
	lib, err := openLibrary(env)
	if err != nil {
		return err
	}
	cartridges, err := lib.Audit()
	if err != nil {
		return err
	}
	db, err := env.openDB()
	if err != nil {
		return err
	}
	known := make(map[string]string)
	media, err := db.ListMedia()
	if err != nil {
		return err
	}
	for _, m := range media {
		if m.Volser != "" {
			known[m.Volser] = m.ID
		}
	}

	w := c.App.Writer
	fmt.Fprintln(w, "Cartridge\tSlot\tDrive\tObjects\tMedia")
	for _, tc := range cartridges {
		inDrive := ""
		if tc.InDrive {
			inDrive = "loaded"
		}
		objects := "-"
		if id, ok := known[tc.Volser]; ok {
			n, err := db.CountObjects(id)
			if err != nil {
				return err
			}
			objects = strconv.Itoa(n)
		}
		fmt.Fprintf(w, "%-10s\t%d\t%s\t%s\t%s\n", tc.Volser, tc.Slot, inDrive, objects, known[tc.Volser])
	}
	return nil
}

func tapeLoad(c *cli.Context, env *environment) error {
	volser := c.Args().First()
	if volser == "" {
		return errors.New("tape load: missing volume serial")
	}
	lib, err := openLibrary(env)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	// the drive must not be in use while the library moves cartridges
	return env.drive.Exclusive(ctx, func() error {
		if err := lib.Load(volser); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "loaded %s\n", volser)
		return nil
	})
}

func tapeUnload(c *cli.Context, env *environment) error {
	lib, err := openLibrary(env)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	return env.drive.Exclusive(ctx, lib.Unload)
}
