package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/stv0g/git-annex-remote-tape/jobs"
	"github.com/stv0g/git-annex-remote-tape/utils"
)

// Retrievals git-annex asked for are queued as jobs. Reading them takes the
// drive for as long as the scan runs, so they only start when the operator
// (or the serve schedule) says so.

func jobsCommand(env *environment) cli.Command {
	return cli.Command{
		Name:  "jobs",
		Usage: "manage pending retrieval jobs",
		Subcommands: []cli.Command{
			{
				Name:   "list",
				Usage:  "list retrieval jobs",
				Action: func(c *cli.Context) error { return jobsList(c, env) },
			},
			{
				Name:      "info",
				Usage:     "show details about a retrieval job",
				ArgsUsage: "<job-id>",
				Action:    func(c *cli.Context) error { return jobsInfo(c, env) },
			},
			{
				Name:      "start",
				Usage:     "start a single or all pending retrieval jobs",
				ArgsUsage: "[job-id]",
				Action:    func(c *cli.Context) error { return jobsStart(c, env) },
			},
			{
				Name:      "drop",
				Usage:     "drop a single or all retrieval jobs that are not running",
				ArgsUsage: "[job-id]",
				Action:    func(c *cli.Context) error { return jobsDrop(c, env) },
			},
			{
				Name:  "serve",
				Usage: "start pending jobs on a schedule and export metrics",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "schedule", Usage: "cron schedule for starting pending jobs"},
					cli.StringFlag{Name: "listen", Usage: "address of the health and metrics endpoint"},
				},
				Action: func(c *cli.Context) error { return jobsServe(c, env) },
			},
		},
	}
}

// jobID parses the optional job id argument.
func jobID(c *cli.Context, required bool) (int64, bool, error) {
	arg := c.Args().First()
	if arg == "" {
		if required {
			return 0, false, errors.New("missing job id")
		}
		return 0, false, nil
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, false, errors.Errorf("invalid job id %q", arg)
	}
	return id, true, nil
}

func printJob(w io.Writer, j *jobs.Job) {
	fmt.Fprintf(w, "%5d  %-9s  %-12s  %s -> %s\n", j.ID, j.State, humanize.Time(j.Created), j.Key, j.Destination)
}

func jobsList(c *cli.Context, env *environment) error {
	mgr, err := env.openQueue()
	if err != nil {
		return err
	}
	list, err := mgr.List()
	if err != nil {
		return err
	}
	w := c.App.Writer
	if len(list) == 0 {
		fmt.Fprintln(w, "no jobs")
		return nil
	}
	fmt.Fprintf(w, "%5s  %-9s  %-12s  %s\n", "ID", "STATE", "CREATED", "KEY -> DESTINATION")
	for _, j := range list {
		printJob(w, j)
	}
	return nil
}

func jobsInfo(c *cli.Context, env *environment) error {
	id, _, err := jobID(c, true)
	if err != nil {
		return err
	}
	mgr, err := env.openQueue()
	if err != nil {
		return err
	}
	j, err := mgr.Info(id)
	if err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintf(w, "Job:\t\t%d\n", j.ID)
	fmt.Fprintf(w, "State:\t\t%s\n", j.State)
	fmt.Fprintf(w, "Key:\t\t%s\n", j.Key)
	fmt.Fprintf(w, "Destination:\t%s\n", j.Destination)
	if j.Media != "" {
		fmt.Fprintf(w, "Cartridge:\t%s (archive %d)\n", j.Media, j.Archive)
		if _, initialized, err := utils.GetTimeFromID(j.Media); err == nil {
			fmt.Fprintf(w, "Initialized:\t%s\n", initialized.Local().Format(time.DateTime))
		}
	}
	fmt.Fprintf(w, "Created:\t%s\n", j.Created.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Updated:\t%s\n", j.Updated.Local().Format(time.DateTime))
	if j.Bytes > 0 {
		fmt.Fprintf(w, "Transferred:\t%s\n", humanize.IBytes(uint64(j.Bytes)))
	}
	if j.State == jobs.StateFailed {
		fmt.Fprintf(w, "Failure:\t%s: %s\n", j.Failure, j.Cause)
	}
	return nil
}

func jobsStart(c *cli.Context, env *environment) error {
	id, single, err := jobID(c, false)
	if err != nil {
		return err
	}
	mgr, err := env.openJobs(env.cfg.Drive)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	w := c.App.Writer
	if single {
		j, err := mgr.Start(ctx, id)
		if err != nil {
			return err
		}
		printJob(w, j)
		return j.Err()
	}

	env.logger.Event("******STARTING PENDING JOBS*******")
	list, err := mgr.StartAll(ctx)
	failed := 0
	for _, j := range list {
		printJob(w, j)
		if j.State == jobs.StateFailed {
			failed++
		}
	}
	env.logger.Event("******FINISHED PENDING JOBS*******", zap.Int("jobs", len(list)), zap.Int("failed", failed))
	if err != nil {
		return err
	}
	if failed > 0 {
		return errors.Errorf("%d of %d jobs failed, see jobs info", failed, len(list))
	}
	return nil
}

func jobsDrop(c *cli.Context, env *environment) error {
	id, single, err := jobID(c, false)
	if err != nil {
		return err
	}
	mgr, err := env.openQueue()
	if err != nil {
		return err
	}
	if single {
		if err := mgr.Drop(id); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "dropped job %d\n", id)
		return nil
	}
	n, err := mgr.DropAll()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "dropped %d jobs\n", n)
	return nil
}

//**** SERVE ********

// healthCheckHandler responds with 200 OK for health checks
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func newServeMux(gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthCheckHandler)
	mux.HandleFunc("/healthz", healthCheckHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", healthCheckHandler)
	return mux
}

func jobsServe(c *cli.Context, env *environment) error {
	schedule := env.cfg.Schedule
	if c.IsSet("schedule") {
		schedule = c.String("schedule")
	}
	listen := env.cfg.Metrics
	if c.IsSet("listen") {
		listen = c.String("listen")
	}
	mgr, err := env.openJobs(env.cfg.Drive)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	srv := &http.Server{
		Addr:              listen,
		Handler:           newServeMux(env.registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		env.logger.Event("metrics server starting", zap.String("addr", listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			env.logger.Error("metrics server failed", err)
		}
	}()

	env.logger.Event("serving retrieval jobs", zap.String("schedule", schedule))
	err = mgr.Serve(ctx, schedule)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if serr := srv.Shutdown(shutdownCtx); err == nil {
		err = serr
	}
	return err
}
