package jobs

import (
	"context"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/stv0g/git-annex-remote-tape/dbmanager"
	"github.com/stv0g/git-annex-remote-tape/tape"
	"github.com/stv0g/git-annex-remote-tape/tapehardware"
	"github.com/stv0g/git-annex-remote-tape/utils"
)

// DefaultReadyTimeout bounds the wait for a drive to come online after the
// library loaded a cartridge.
const DefaultReadyTimeout = 5 * time.Minute

// Loader puts a cartridge into the drive. tapehardware.Library implements it.
type Loader interface {
	Load(volser string) error
	Loaded() (string, bool, error)
}

type Config struct {
	Destinations *Destinations
	// Loader is optional. When set, a job whose cartridge has a known volume
	// serial gets that cartridge loaded before it runs.
	Loader       Loader
	ReadyTimeout time.Duration
	// LockFile is locked by the process running jobs for as long as its
	// Manager is open. Only that process recovers interrupted jobs. Empty
	// means jobs are only run from this process.
	LockFile string
	Metrics  *Metrics
	Logger   *utils.Logger
}

// Manager keeps the retrieval queue and executes jobs one at a time on its
// drive. A Manager without a drive only manages the queue.
type Manager struct {
	db     *dbmanager.DBManager
	drive  *tape.Drive
	cfg    Config
	logger *utils.Logger

	// guarded by the drive
	runner    *runnerLock
	recovered bool
}

// New returns a Manager. drive may be nil for listing, inspecting and
// dropping jobs; Start then fails with ErrNoDrive.
func New(db *dbmanager.DBManager, drive *tape.Drive, cfg Config) (*Manager, error) {
	if cfg.Destinations == nil {
		cfg.Destinations = NewDestinations()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.NewNopLogger()
	}
	return &Manager{db: db, drive: drive, cfg: cfg, logger: cfg.Logger}, nil
}

// Close gives up the runner lock.
func (m *Manager) Close() error {
	if m.drive == nil {
		return nil
	}
	return m.drive.Exclusive(context.Background(), func() error {
		if m.runner == nil {
			return nil
		}
		err := m.runner.release()
		m.runner = nil
		m.recovered = false
		return err
	})
}

// becomeRunner takes the runner lock and, the first time, marks jobs left
// running by a previous process as failed: a half written destination cannot
// be resumed. The caller holds the drive.
func (m *Manager) becomeRunner() error {
	if m.recovered {
		return nil
	}
	if m.cfg.LockFile != "" && m.runner == nil {
		l, err := tryLock(m.cfg.LockFile)
		if err != nil {
			return err
		}
		m.runner = l
	}
	n, err := m.db.FailJobsIn(string(StateRunning), string(StateFailed), string(FailureInterrupted), "process ended while the job was running")
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Warn("marked interrupted jobs as failed", zap.Int64("jobs", n))
	}
	m.recovered = true
	return nil
}

// Enqueue records a pending retrieval of key into destination. The same key
// may be queued any number of times.
func (m *Manager) Enqueue(key, destination string) (*Job, error) {
	if key == "" {
		return nil, errors.New("empty key")
	}
	if _, err := m.cfg.Destinations.Open(destination); err != nil {
		return nil, err
	}
	rec := &dbmanager.JobRecord{Key: key, Destination: destination, State: string(StatePending)}
	// the most recent copy is the one to go for
	copies, err := m.db.FindObjects(key)
	if err != nil {
		return nil, err
	}
	if len(copies) > 0 {
		rec.Media = copies[0].Media
		rec.Archive = copies[0].Archive
	}
	id, err := m.db.InsertJob(rec)
	if err != nil {
		return nil, err
	}
	m.logger.Event("queued job", zap.Int64("job", id), zap.String("key", key), zap.String("destination", destination), zap.String("media", rec.Media))
	return m.Info(id)
}

// List returns every job in ascending id order.
func (m *Manager) List() ([]*Job, error) {
	recs, err := m.db.ListJobs()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(recs))
	for _, r := range recs {
		jobs = append(jobs, jobFromRecord(r))
	}
	return jobs, nil
}

func (m *Manager) Info(id int64) (*Job, error) {
	rec, err := m.db.GetJob(id)
	if err == dbmanager.ErrNotFound {
		return nil, errors.Wrapf(ErrNotFound, "job %d", id)
	}
	if err != nil {
		return nil, err
	}
	return jobFromRecord(rec), nil
}

// Start runs a pending job and returns it in its final state. A job that
// fails is not an error of Start; its cause is recorded on the job. ctx only
// bounds the wait for the drive, a job that got the drive runs to the end.
func (m *Manager) Start(ctx context.Context, id int64) (*Job, error) {
	if m.drive == nil {
		return nil, ErrNoDrive
	}
	var job *Job
	err := m.drive.Exclusive(ctx, func() error {
		if err := m.becomeRunner(); err != nil {
			return err
		}
		var err error
		job, err = m.run(context.WithoutCancel(ctx), id)
		return err
	})
	return job, err
}

// StartAll runs every pending job in ascending id order. Failed jobs do not
// stop the batch. Cancelling ctx stops it between jobs.
func (m *Manager) StartAll(ctx context.Context) ([]*Job, error) {
	if m.drive == nil {
		return nil, ErrNoDrive
	}
	if err := m.drive.Exclusive(ctx, m.becomeRunner); err != nil {
		return nil, err
	}
	recs, err := m.db.ListJobs(string(StatePending))
	if err != nil {
		return nil, err
	}
	var done []*Job
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		job, err := m.Start(ctx, rec.ID)
		// dropped or started elsewhere in the meantime
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidJobState) {
			continue
		}
		if err != nil {
			return done, err
		}
		done = append(done, job)
	}
	return done, nil
}

// Drop removes a pending or finished job.
func (m *Manager) Drop(id int64) error {
	ok, err := m.db.DeleteJob(id, string(StateRunning))
	if err == dbmanager.ErrNotFound {
		return errors.Wrapf(ErrNotFound, "job %d", id)
	}
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrInvalidJobState, "job %d is running", id)
	}
	m.logger.Event("dropped job", zap.Int64("job", id))
	return nil
}

// DropAll removes every job that is not running and returns how many.
func (m *Manager) DropAll() (int64, error) {
	n, err := m.db.DeleteJobsExcept(string(StateRunning))
	if err != nil {
		return 0, err
	}
	m.logger.Event("dropped jobs", zap.Int64("jobs", n))
	return n, nil
}

// Serve runs StartAll whenever the cron schedule fires until ctx is done.
func (m *Manager) Serve(ctx context.Context, schedule string) error {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return errors.Wrapf(err, "parsing cron schedule %q", schedule)
	}
	for {
		next := sched.Next(time.Now())
		m.logger.Debug("next scheduled run", zap.Time("at", next))
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		jobs, err := m.StartAll(ctx)
		if err != nil && ctx.Err() == nil {
			m.logger.Error("scheduled run failed", err)
		}
		m.logger.Event("scheduled run finished", zap.Int("jobs", len(jobs)))
	}
}

// JOB EXECUTION FUNCTIONS

func (m *Manager) run(ctx context.Context, id int64) (*Job, error) {
	rec, err := m.db.GetJob(id)
	if err == dbmanager.ErrNotFound {
		return nil, errors.Wrapf(ErrNotFound, "job %d", id)
	}
	if err != nil {
		return nil, err
	}
	if State(rec.State) != StatePending {
		return nil, errors.Wrapf(ErrInvalidJobState, "job %d is %s", id, rec.State)
	}
	ok, err := m.db.TransitionJob(id, string(StatePending), string(StateRunning))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrInvalidJobState, "job %d is no longer pending", id)
	}
	job := jobFromRecord(rec)
	job.State = StateRunning
	logger := m.logger.With(zap.Int64("job", id), zap.String("key", job.Key))
	logger.Event("job running")

	start := time.Now()
	n, kind, err := m.execute(ctx, job, logger)
	if err != nil {
		job.State, job.Failure, job.Cause = StateFailed, kind, err.Error()
		logger.Error("job failed", err, zap.String("failure", string(kind)))
	} else {
		job.State = StateCompleted
		logger.Event("job completed", zap.Int64("bytes", n), zap.Duration("took", time.Since(start)))
	}
	job.Bytes = n
	ok, err = m.db.FinishJob(id, string(StateRunning), string(job.State), string(job.Failure), job.Cause, n)
	if err != nil {
		return nil, err
	}
	if !ok {
		logger.Warn("job was resolved elsewhere while it ran, outcome not recorded", zap.String("outcome", string(job.State)))
		return m.Info(id)
	}
	m.cfg.Metrics.finished(job)
	return m.Info(id)
}

// execute copies the job's object to its destination and classifies any
// failure.
func (m *Manager) execute(ctx context.Context, job *Job, logger *utils.Logger) (int64, FailureKind, error) {
	dest, err := m.cfg.Destinations.Open(job.Destination)
	if err != nil {
		return 0, FailureDestination, err
	}
	if err := m.load(ctx, job, logger); err != nil {
		return 0, classify(err), err
	}
	media, err := m.drive.Mount()
	if err != nil {
		return 0, classify(err), err
	}
	if job.Media != "" && media.ID.String() != job.Media {
		err := errors.Wrapf(ErrCartridgeMismatch, "want media %s, mounted media is %s", job.Media, media.ID)
		return 0, FailureCartridgeMismatch, err
	}
	obj, err := m.find(media, job, logger)
	if err != nil {
		return 0, classify(err), err
	}

	src := &sourceReader{r: obj}
	n, err := dest.Put(ctx, src)
	if src.err != nil {
		return n, classify(src.err), src.err
	}
	if err != nil {
		return n, FailureDestination, err
	}
	return n, "", nil
}

// find looks in the archive the key was last stored in and falls back to
// scanning the whole cartridge.
func (m *Manager) find(media *tape.Media, job *Job, logger *utils.Logger) (*tape.Object, error) {
	if job.Archive > 0 {
		a, err := media.Locate(job.Archive)
		if err == nil {
			var o *tape.Object
			if o, err = a.FindObject(job.Key); err == nil {
				return o, nil
			}
		}
		if !recoverable(err) {
			return nil, err
		}
		logger.Warn("key not where the index says, scanning the cartridge", zap.Int("archive", job.Archive), zap.Error(err))
		if media, err = m.drive.Mount(); err != nil {
			return nil, err
		}
	}
	return media.FindObject(job.Key)
}

// load asks the library for the job's cartridge and waits until the drive is
// ready.
func (m *Manager) load(ctx context.Context, job *Job, logger *utils.Logger) error {
	if m.cfg.Loader == nil || job.Media == "" {
		return nil
	}
	info, err := m.db.GetMedia(job.Media)
	if err == dbmanager.ErrNotFound || (err == nil && info.Volser == "") {
		return nil
	}
	if err != nil {
		return err
	}
	loaded, ok, err := m.cfg.Loader.Loaded()
	if err != nil {
		return err
	}
	if ok && loaded == info.Volser {
		return nil
	}
	logger.Event("loading cartridge", zap.String("volser", info.Volser))
	if err := m.cfg.Loader.Load(info.Volser); err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = m.cfg.ReadyTimeout
	return backoff.Retry(func() error {
		st, err := m.drive.Device().Status()
		if err != nil {
			return err
		}
		if !st.Online {
			return errors.Errorf("drive not ready after loading %s", info.Volser)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

func recoverable(err error) bool {
	return errors.Is(err, tape.ErrKeyNotFound) || errors.Is(err, tape.ErrArchiveNotFound) ||
		errors.Is(err, tape.ErrCorrupt) || errors.Is(err, tape.ErrUnsupportedVersion)
}

func classify(err error) FailureKind {
	switch {
	case errors.Is(err, tape.ErrKeyNotFound):
		return FailureKeyNotFound
	case errors.Is(err, ErrCartridgeMismatch):
		return FailureCartridgeMismatch
	case tapehardware.IsDeviceFault(err):
		return FailureDeviceFault
	case errors.Is(err, tape.ErrNotInitialized), errors.Is(err, tape.ErrCorrupt), errors.Is(err, tape.ErrUnsupportedVersion):
		return FailureMedia
	}
	return FailureError
}

// sourceReader remembers a read error so it is not blamed on the destination.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}
