// Package dbmanager keeps everything that has to survive the process: the
// retrieval job queue, per-key state, the index of objects written to tape and
// the catalogue of known cartridges.
package dbmanager

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/stv0g/git-annex-remote-tape/utils"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

type DBManager struct {
	db     *sql.DB
	logger *utils.Logger
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		destination TEXT NOT NULL,
		media TEXT NOT NULL DEFAULT '',
		archive INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		failure TEXT NOT NULL DEFAULT '',
		cause TEXT NOT NULL DEFAULT '',
		bytes INTEGER NOT NULL DEFAULT 0,
		created INTEGER NOT NULL,
		updated INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS state (key TEXT NOT NULL PRIMARY KEY, value TEXT NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS objects (
		key TEXT NOT NULL,
		media TEXT NOT NULL,
		archive INTEGER NOT NULL,
		object INTEGER NOT NULL,
		size INTEGER NOT NULL,
		stored INTEGER NOT NULL,
		PRIMARY KEY (media, archive, object))`,
	`CREATE INDEX IF NOT EXISTS objects_key ON objects (key)`,
	`CREATE TABLE IF NOT EXISTS media (id TEXT NOT NULL PRIMARY KEY, volser TEXT NOT NULL DEFAULT '', info BLOB)`,
}

// NewDBManager opens (and if needed creates) the database at dbName. With
// clean set an existing database is removed first.
func NewDBManager(dbName string, clean bool, logger *utils.Logger) (*DBManager, error) {
	if clean {
		if err := os.Remove(dbName); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "removing database %s", dbName)
		}
	}
	// operator commands read the queue while another process runs jobs
	db, err := sql.Open("sqlite", dbName+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrapf(err, "opening database %s", dbName)
	}
	// sqlite allows one writer, serialize in the pool instead of on SQLITE_BUSY
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "creating schema in %s", dbName)
		}
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	logger.Debug("opened database", zap.String("path", dbName))
	return &DBManager{db: db, logger: logger}, nil
}

func (dbm *DBManager) Close() error {
	return dbm.db.Close()
}

// JOB TABLE FUNCTIONS

// JobRecord is a row of the jobs table.
type JobRecord struct {
	ID          int64
	Key         string
	Destination string
	Media       string // expected cartridge, empty if unknown
	Archive     int    // archive to start looking in, 0 if unknown
	State       string
	Failure     string
	Cause       string
	Bytes       int64
	Created     time.Time
	Updated     time.Time
}

const jobColumns = "id, key, destination, media, archive, state, failure, cause, bytes, created, updated"

func scanJob(row interface{ Scan(...any) error }) (*JobRecord, error) {
	var (
		j                JobRecord
		created, updated int64
	)
	err := row.Scan(&j.ID, &j.Key, &j.Destination, &j.Media, &j.Archive, &j.State, &j.Failure, &j.Cause, &j.Bytes, &created, &updated)
	if err != nil {
		return nil, err
	}
	j.Created = time.Unix(0, created)
	j.Updated = time.Unix(0, updated)
	return &j, nil
}

// InsertJob stores a new job and returns its id. Ids increase monotonically
// and are never reused.
func (dbm *DBManager) InsertJob(j *JobRecord) (int64, error) {
	now := time.Now().UnixNano()
	sql := "INSERT INTO jobs (key, destination, media, archive, state, created, updated) VALUES (?,?,?,?,?,?,?)"
	res, err := dbm.db.Exec(sql, j.Key, j.Destination, j.Media, j.Archive, j.State, now, now)
	if err != nil {
		return 0, errors.Wrap(err, "inserting job")
	}
	return res.LastInsertId()
}

func (dbm *DBManager) GetJob(id int64) (*JobRecord, error) {
	row := dbm.db.QueryRow("SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading job %d", id)
	}
	return j, nil
}

// ListJobs returns jobs in ascending id order, optionally only those in one
// of the given states.
func (dbm *DBManager) ListJobs(states ...string) ([]*JobRecord, error) {
	rows, err := dbm.db.Query("SELECT " + jobColumns + " FROM jobs ORDER BY id")
	if err != nil {
		return nil, errors.Wrap(err, "listing jobs")
	}
	defer rows.Close()

	var jobs []*JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "reading job")
		}
		if len(states) > 0 && !contains(states, j.State) {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, errors.Wrap(rows.Err(), "listing jobs")
}

func contains(list []string, s string) bool {
	for _, l := range list {
		if l == s {
			return true
		}
	}
	return false
}

// TransitionJob moves a job from one state to another. It returns false if
// the job is not in the from state.
func (dbm *DBManager) TransitionJob(id int64, from, to string) (bool, error) {
	sql := "UPDATE jobs SET state = ?, updated = ? WHERE id = ? AND state = ?"
	res, err := dbm.db.Exec(sql, to, time.Now().UnixNano(), id, from)
	if err != nil {
		return false, errors.Wrapf(err, "updating job %d", id)
	}
	n, err := res.RowsAffected()
	return n == 1, errors.Wrapf(err, "updating job %d", id)
}

// FinishJob records the outcome of a job that is still in the from state. It
// returns false if the job was changed or removed in the meantime.
func (dbm *DBManager) FinishJob(id int64, from, state, failure, cause string, bytes int64) (bool, error) {
	sql := "UPDATE jobs SET state = ?, failure = ?, cause = ?, bytes = ?, updated = ? WHERE id = ? AND state = ?"
	res, err := dbm.db.Exec(sql, state, failure, cause, bytes, time.Now().UnixNano(), id, from)
	if err != nil {
		return false, errors.Wrapf(err, "finishing job %d", id)
	}
	n, err := res.RowsAffected()
	return n == 1, errors.Wrapf(err, "finishing job %d", id)
}

// DeleteJob removes a job unless it is in the protected state. It returns
// false if the job exists but is protected.
func (dbm *DBManager) DeleteJob(id int64, protected string) (bool, error) {
	res, err := dbm.db.Exec("DELETE FROM jobs WHERE id = ? AND state != ?", id, protected)
	if err != nil {
		return false, errors.Wrapf(err, "deleting job %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "deleting job %d", id)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := dbm.GetJob(id); err != nil {
		return false, err
	}
	return false, nil
}

// DeleteJobsExcept removes every job not in the protected state and returns
// how many were removed.
func (dbm *DBManager) DeleteJobsExcept(protected string) (int64, error) {
	res, err := dbm.db.Exec("DELETE FROM jobs WHERE state != ?", protected)
	if err != nil {
		return 0, errors.Wrap(err, "deleting jobs")
	}
	return res.RowsAffected()
}

// FailJobsIn marks every job in state as failed in one transaction and
// returns how many there were.
func (dbm *DBManager) FailJobsIn(state, failed, failure, cause string) (int64, error) {
	sql := "UPDATE jobs SET state = ?, failure = ?, cause = ?, updated = ? WHERE state = ?"
	res, err := dbm.db.Exec(sql, failed, failure, cause, time.Now().UnixNano(), state)
	if err != nil {
		return 0, errors.Wrap(err, "failing jobs")
	}
	return res.RowsAffected()
}

// STATE TABLE FUNCTIONS

// SetState stores value for key. An empty value removes the key.
func (dbm *DBManager) SetState(key, value string) error {
	var err error
	if value == "" {
		_, err = dbm.db.Exec("DELETE FROM state WHERE key = ?", key)
	} else {
		_, err = dbm.db.Exec("INSERT OR REPLACE INTO state (key, value) VALUES (?,?)", key, value)
	}
	return errors.Wrapf(err, "setting state of %s", key)
}

// GetState returns the value stored for key, or an empty string.
func (dbm *DBManager) GetState(key string) (string, error) {
	var value string
	err := dbm.db.QueryRow("SELECT value FROM state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, errors.Wrapf(err, "reading state of %s", key)
}

// OBJECT TABLE FUNCTIONS

// ObjectRecord is where a copy of a key was written.
type ObjectRecord struct {
	Key     string
	Media   string
	Archive int
	Object  int
	Size    int64
	Stored  time.Time
}

func (dbm *DBManager) AddObject(o *ObjectRecord) error {
	return addObject(dbm.db, o)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func addObject(db execer, o *ObjectRecord) error {
	sql := "INSERT OR REPLACE INTO objects (key, media, archive, object, size, stored) VALUES (?,?,?,?,?,?)"
	_, err := db.Exec(sql, o.Key, o.Media, o.Archive, o.Object, o.Size, o.Stored.UnixNano())
	return errors.Wrapf(err, "indexing %s", o.Key)
}

// FindObjects returns every known copy of key, most recently written first.
func (dbm *DBManager) FindObjects(key string) ([]*ObjectRecord, error) {
	sql := "SELECT key, media, archive, object, size, stored FROM objects WHERE key = ? ORDER BY stored DESC, archive DESC, object DESC"
	rows, err := dbm.db.Query(sql, key)
	if err != nil {
		return nil, errors.Wrapf(err, "looking up %s", key)
	}
	defer rows.Close()
	var objects []*ObjectRecord
	for rows.Next() {
		var (
			o      ObjectRecord
			stored int64
		)
		if err := rows.Scan(&o.Key, &o.Media, &o.Archive, &o.Object, &o.Size, &stored); err != nil {
			return nil, errors.Wrapf(err, "looking up %s", key)
		}
		o.Stored = time.Unix(0, stored)
		objects = append(objects, &o)
	}
	return objects, errors.Wrapf(rows.Err(), "looking up %s", key)
}

// ReplaceMediaObjects replaces the index of one cartridge, e.g. after a full
// scan.
func (dbm *DBManager) ReplaceMediaObjects(ctx context.Context, media string, objects []*ObjectRecord) error {
	tx, err := dbm.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "starting transaction")
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM objects WHERE media = ?", media); err != nil {
		return errors.Wrapf(err, "clearing index of %s", media)
	}
	for _, o := range objects {
		if err := addObject(tx, o); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "committing index")
}

// CountObjects returns the number of indexed objects on a cartridge.
func (dbm *DBManager) CountObjects(media string) (int, error) {
	var n int
	err := dbm.db.QueryRow("SELECT COUNT(*) FROM objects WHERE media = ?", media).Scan(&n)
	return n, errors.Wrapf(err, "counting objects of %s", media)
}

// MEDIA TABLE FUNCTIONS

// MediaInfo is what is known about a cartridge. It is stored as JSON so the
// table does not change when fields are added.
type MediaInfo struct {
	ID       string    `json:"id"`
	Volser   string    `json:"volser,omitempty"`
	Host     string    `json:"host"`
	Created  time.Time `json:"created"`
	Archives int       `json:"archives"`
	LastSeen time.Time `json:"lastSeen"`
}

func (dbm *DBManager) UpsertMedia(m *MediaInfo) error {
	info, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encoding media info")
	}
	sql := "INSERT OR REPLACE INTO media (id, volser, info) VALUES (?,?,?)"
	_, err = dbm.db.Exec(sql, m.ID, m.Volser, info)
	return errors.Wrapf(err, "storing media %s", m.ID)
}

func (dbm *DBManager) GetMedia(id string) (*MediaInfo, error) {
	var info []byte
	err := dbm.db.QueryRow("SELECT info FROM media WHERE id = ?", id).Scan(&info)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading media %s", id)
	}
	var m MediaInfo
	if err := json.Unmarshal(info, &m); err != nil {
		return nil, errors.Wrapf(err, "decoding media %s", id)
	}
	return &m, nil
}

func (dbm *DBManager) ListMedia() ([]*MediaInfo, error) {
	rows, err := dbm.db.Query("SELECT info FROM media ORDER BY id")
	if err != nil {
		return nil, errors.Wrap(err, "listing media")
	}
	defer rows.Close()
	var media []*MediaInfo
	for rows.Next() {
		var info []byte
		if err := rows.Scan(&info); err != nil {
			return nil, errors.Wrap(err, "listing media")
		}
		var m MediaInfo
		if err := json.Unmarshal(info, &m); err != nil {
			return nil, errors.Wrap(err, "decoding media")
		}
		media = append(media, &m)
	}
	return media, errors.Wrap(rows.Err(), "listing media")
}
