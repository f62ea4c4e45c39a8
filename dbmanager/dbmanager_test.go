package dbmanager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stv0g/git-annex-remote-tape/utils"
)

func newTestDB(t *testing.T) (*DBManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tape.db")
	dbm, err := NewDBManager(path, false, utils.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { dbm.Close() })
	return dbm, path
}

func TestJobTable(t *testing.T) {
	dbm, _ := newTestDB(t)

	first, err := dbm.InsertJob(&JobRecord{Key: "k1", Destination: "/tmp/a", State: "pending"})
	require.NoError(t, err)
	second, err := dbm.InsertJob(&JobRecord{Key: "k1", Destination: "/tmp/b", State: "pending", Media: "M", Archive: 3})
	require.NoError(t, err)
	assert.Greater(t, second, first)

	ok, err := dbm.TransitionJob(first, "pending", "running")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = dbm.TransitionJob(first, "pending", "running")
	require.NoError(t, err)
	assert.False(t, ok)

	// running jobs are protected
	ok, err = dbm.DeleteJob(first, "running")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = dbm.DeleteJob(42, "running")
	assert.Equal(t, ErrNotFound, err)

	ok, err = dbm.FinishJob(first, "running", "failed", "KeyNotFound", "key not found", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	// a job already resolved elsewhere is left alone
	ok, err = dbm.FinishJob(first, "running", "completed", "", "", 5)
	require.NoError(t, err)
	assert.False(t, ok)
	j, err := dbm.GetJob(first)
	require.NoError(t, err)
	assert.Equal(t, "failed", j.State)
	assert.Equal(t, "KeyNotFound", j.Failure)

	jobs, err := dbm.ListJobs("pending")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, second, jobs[0].ID)
	assert.Equal(t, "M", jobs[0].Media)
	assert.Equal(t, 3, jobs[0].Archive)

	ok, err = dbm.DeleteJob(first, "running")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = dbm.GetJob(first)
	assert.Equal(t, ErrNotFound, err)

	// ids are not reused
	third, err := dbm.InsertJob(&JobRecord{Key: "k2", Destination: "/tmp/c", State: "pending"})
	require.NoError(t, err)
	assert.Greater(t, third, second)
}

func TestFailJobsSurvivesReopen(t *testing.T) {
	dbm, path := newTestDB(t)
	id, err := dbm.InsertJob(&JobRecord{Key: "k", Destination: "/d", State: "running"})
	require.NoError(t, err)
	require.NoError(t, dbm.Close())

	dbm, err = NewDBManager(path, false, nil)
	require.NoError(t, err)
	defer dbm.Close()
	n, err := dbm.FailJobsIn("running", "failed", "Interrupted", "process ended while running")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	j, err := dbm.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, "failed", j.State)
	assert.Equal(t, "Interrupted", j.Failure)

	n, err = dbm.DeleteJobsExcept("running")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStateTable(t *testing.T) {
	dbm, _ := newTestDB(t)
	v, err := dbm.GetState("key")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, dbm.SetState("key", "media=x archive=1 object=0"))
	require.NoError(t, dbm.SetState("key", "media=x archive=2 object=0"))
	v, err = dbm.GetState("key")
	require.NoError(t, err)
	assert.Equal(t, "media=x archive=2 object=0", v)

	require.NoError(t, dbm.SetState("key", ""))
	v, err = dbm.GetState("key")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestObjectIndex(t *testing.T) {
	dbm, _ := newTestDB(t)
	t0 := time.Unix(1700000000, 0)
	require.NoError(t, dbm.AddObject(&ObjectRecord{Key: "a", Media: "M1", Archive: 1, Object: 0, Size: 5, Stored: t0}))
	require.NoError(t, dbm.AddObject(&ObjectRecord{Key: "a", Media: "M1", Archive: 2, Object: 4, Size: 5, Stored: t0.Add(time.Hour)}))
	require.NoError(t, dbm.AddObject(&ObjectRecord{Key: "b", Media: "M2", Archive: 1, Object: 0, Size: 1, Stored: t0}))

	objects, err := dbm.FindObjects("a")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, 2, objects[0].Archive)

	require.NoError(t, dbm.ReplaceMediaObjects(context.Background(), "M1", []*ObjectRecord{
		{Key: "c", Media: "M1", Archive: 1, Object: 0, Size: 2, Stored: t0},
	}))
	objects, err = dbm.FindObjects("a")
	require.NoError(t, err)
	assert.Empty(t, objects)
	n, err := dbm.CountObjects("M1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = dbm.CountObjects("M2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMediaTable(t *testing.T) {
	dbm, _ := newTestDB(t)
	_, err := dbm.GetMedia("nope")
	assert.Equal(t, ErrNotFound, err)

	m := &MediaInfo{ID: "M1", Volser: "VOL001", Host: "h", Created: time.Unix(1, 0).UTC(), Archives: 2}
	require.NoError(t, dbm.UpsertMedia(m))
	m.Archives = 3
	require.NoError(t, dbm.UpsertMedia(m))

	got, err := dbm.GetMedia("M1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Archives)
	assert.Equal(t, "VOL001", got.Volser)

	all, err := dbm.ListMedia()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
