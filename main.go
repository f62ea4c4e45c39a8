// git-annex-remote-tape is a git-annex external special remote that keeps
// annexed objects on a sequential tape drive. Without a subcommand it speaks
// the special remote protocol on stdin/stdout; the tape and jobs subcommands
// are for the operator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/stv0g/git-annex-remote-tape/dbmanager"
	"github.com/stv0g/git-annex-remote-tape/jobs"
	"github.com/stv0g/git-annex-remote-tape/remote"
	"github.com/stv0g/git-annex-remote-tape/tape"
	"github.com/stv0g/git-annex-remote-tape/tapehardware"
	"github.com/stv0g/git-annex-remote-tape/utils"
)

func main() {
	env := &environment{}
	app := newApp(env)
	err := app.Run(os.Args)
	if cerr := env.close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "git-annex-remote-tape:", err)
		if env.logger != nil {
			env.logger.Fatal("command failed", zap.Error(err))
		}
		os.Exit(1)
	}
}

func newApp(env *environment) *cli.App {
	app := cli.NewApp()
	app.Name = "git-annex-remote-tape"
	app.Usage = "git-annex special remote for tape drives"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "config file path (default: " + filepath.Join(stateDir(), DEFAULT_CONFIG_FILE) + ")",
		},
		cli.StringFlag{
			Name:  "drive, d",
			Usage: "tape device, e.g. " + DEFAULT_DRIVE,
		},
		cli.StringFlag{
			Name:  "simulate",
			Usage: "directory of simulated cartridges, replaces the tape device",
		},
		cli.StringFlag{
			Name:  "cartridge",
			Usage: "cartridge to load into the simulated drive",
		},
		cli.StringFlag{
			Name:  "log, l",
			Usage: "log file for this run",
		},
		cli.BoolFlag{
			Name:  "clean",
			Usage: "truncate the log file",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "log debug events",
		},
	}

	app.Before = func(c *cli.Context) error {
		return env.setup(c)
	}

	app.Action = func(c *cli.Context) error {
		return runRemote(env)
	}

	app.Commands = []cli.Command{
		tapeCommand(env),
		jobsCommand(env),
	}
	return app
}

// environment holds what the commands of one run share. Everything is
// opened on first use and closed when the run ends.
type environment struct {
	cfg     *Config
	logger  *utils.Logger
	closers []func() error

	drive    *tape.Drive
	library  tapehardware.Library
	db       *dbmanager.DBManager
	jobs     *jobs.Manager
	backend  *remote.Backend
	registry *prometheus.Registry
}

func (env *environment) setup(c *cli.Context) error {
	path, explicit := c.GlobalString("config"), true
	if path == "" {
		path, explicit = filepath.Join(stateDir(), DEFAULT_CONFIG_FILE), false
	}
	overrides := make(map[string]interface{})
	for _, key := range []string{"drive", "simulate", "cartridge", "log"} {
		if c.GlobalIsSet(key) {
			overrides[key] = c.GlobalString(key)
		}
	}
	if c.GlobalBool("debug") {
		overrides["debug"] = true
	}
	cfg, err := loadConfig(path, explicit, overrides)
	if err != nil {
		return err
	}
	env.cfg = cfg

	if err := os.MkdirAll(filepath.Dir(cfg.Log), 0o755); err != nil {
		return errors.Wrap(err, "creating log directory")
	}
	logger, err := utils.NewLogger(cfg.Log, c.GlobalBool("clean"), cfg.Debug)
	if err != nil {
		return err
	}
	env.logger = logger
	env.closers = append(env.closers, func() error {
		logger.Sync()
		return nil
	})
	env.registry = prometheus.NewRegistry()

	logger.Event("****RUN PARMS ****", zap.Strings("args", os.Args), zap.String("drive", cfg.Drive),
		zap.String("simulate", cfg.Simulate), zap.String("database", cfg.Database))
	return nil
}

// openDrive opens the tape device at path, or the simulated drive if the
// configuration asks for one, together with the library that feeds it.
func (env *environment) openDrive(path string) (*tape.Drive, error) {
	if env.drive != nil {
		return env.drive, nil
	}
	cfg := env.cfg
	tcfg := tape.Config{BlockSize: cfg.BlockSize, Logger: env.logger}

	if cfg.Simulate != "" {
		sim := tapehardware.NewSimulator(0)
		lib, err := tapehardware.NewSimulatedLibrary(cfg.Simulate, sim, env.logger)
		if err != nil {
			return nil, err
		}
		if err := lib.Load(cfg.Cartridge); err != nil {
			return nil, err
		}
		env.library = lib
		env.drive = tape.NewDrive(sim, tcfg)
	} else {
		dev, err := tapehardware.Open(path)
		if err != nil {
			return nil, err
		}
		if cfg.Library != "" {
			env.library = tapehardware.NewMtxLibrary(cfg.Library, cfg.LibraryDrive, env.logger)
		} else {
			env.library = tapehardware.NewSingleCartLibrary(cfg.Cartridge, dev)
		}
		env.drive = tape.NewDrive(dev, tcfg)
	}
	env.closers = append(env.closers, env.drive.Close)
	env.logger.Event("opened drive", zap.String("device", path), zap.String("simulate", cfg.Simulate))
	return env.drive, nil
}

func (env *environment) openDB() (*dbmanager.DBManager, error) {
	if env.db != nil {
		return env.db, nil
	}
	if err := os.MkdirAll(filepath.Dir(env.cfg.Database), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating database directory")
	}
	db, err := dbmanager.NewDBManager(env.cfg.Database, false, env.logger)
	if err != nil {
		return nil, err
	}
	env.db = db
	env.closers = append(env.closers, db.Close)
	return db, nil
}

// openQueue opens the job queue without touching the drive, so jobs can be
// listed and dropped while another process runs them.
func (env *environment) openQueue() (*jobs.Manager, error) {
	db, err := env.openDB()
	if err != nil {
		return nil, err
	}
	return jobs.New(db, nil, jobs.Config{Logger: env.logger})
}

// openJobs opens the job manager together with the drive the jobs run on.
func (env *environment) openJobs(path string) (*jobs.Manager, error) {
	if env.jobs != nil {
		return env.jobs, nil
	}
	drive, err := env.openDrive(path)
	if err != nil {
		return nil, err
	}
	db, err := env.openDB()
	if err != nil {
		return nil, err
	}

	dests := jobs.NewDestinations()
	if err := os.MkdirAll(env.cfg.Cache, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating cache directory")
	}
	client, err := jobs.NewS3Client(context.Background(), env.cfg.Region)
	if err != nil {
		env.logger.Warn("s3 destinations disabled", zap.Error(err))
	} else {
		dests.Register("s3", jobs.S3Opener(client, env.cfg.Cache, env.logger))
	}

	mgr, err := jobs.New(db, drive, jobs.Config{
		Destinations: dests,
		Loader:       env.library,
		LockFile:     env.cfg.Database + ".lock",
		Metrics:      jobs.NewMetrics(env.registry),
		Logger:       env.logger,
	})
	if err != nil {
		return nil, err
	}
	env.jobs = mgr
	env.closers = append(env.closers, mgr.Close)
	return mgr, nil
}

func (env *environment) openBackend(path string) (*remote.Backend, error) {
	if env.backend != nil {
		return env.backend, nil
	}
	mgr, err := env.openJobs(path)
	if err != nil {
		return nil, err
	}
	b, err := remote.New(env.drive, env.db, mgr, remote.Config{Library: env.library, Logger: env.logger})
	if err != nil {
		return nil, err
	}
	env.backend = b
	env.closers = append(env.closers, b.Close)
	return b, nil
}

// close releases everything in the reverse order it was opened.
func (env *environment) close() error {
	var first error
	for i := len(env.closers) - 1; i >= 0; i-- {
		if err := env.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	env.closers = nil
	return first
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runRemote answers git-annex on stdin and stdout until it hangs up.
func runRemote(env *environment) error {
	ctx, cancel := signalContext()
	defer cancel()

	open := func(ctx context.Context, s remote.Settings) (*remote.Backend, error) {
		path := env.cfg.Drive
		if s.Drive != "" {
			path = s.Drive
		}
		env.logger.Event("preparing remote", zap.Stringer("uuid", s.UUID), zap.String("drive", path), zap.String("remote", s.RemoteName))
		return env.openBackend(path)
	}
	p := remote.NewProtocol(open, os.Stdin, os.Stdout, remote.ProtocolConfig{Cost: env.cfg.Cost, Logger: env.logger})
	return p.Run(ctx)
}
