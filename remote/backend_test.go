package remote

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stv0g/git-annex-remote-tape/dbmanager"
	"github.com/stv0g/git-annex-remote-tape/jobs"
	"github.com/stv0g/git-annex-remote-tape/tape"
	"github.com/stv0g/git-annex-remote-tape/tapehardware"
)

type fixture struct {
	dir     string
	db      *dbmanager.DBManager
	drive   *tape.Drive
	jobs    *jobs.Manager
	backend *Backend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := dbmanager.NewDBManager(filepath.Join(dir, "remote.db"), false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	drive := tape.NewDrive(tapehardware.NewSimulator(0), tape.Config{BlockSize: 16, Host: "test"})
	_, err = drive.InitializeMedia()
	require.NoError(t, err)
	mgr, err := jobs.New(db, drive, jobs.Config{})
	require.NoError(t, err)
	b, err := New(drive, db, mgr, Config{})
	require.NoError(t, err)
	return &fixture{dir: dir, db: db, drive: drive, jobs: mgr, backend: b}
}

func (f *fixture) source(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// contents returns key -> payload for every object on the cartridge.
func (f *fixture) contents(t *testing.T) map[string]string {
	t.Helper()
	out := make(map[string]string)
	m, err := f.drive.Mount()
	require.NoError(t, err)
	for {
		a, err := m.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		for {
			o, err := a.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			b, err := io.ReadAll(o)
			require.NoError(t, err)
			out[o.Key()] = string(b)
		}
	}
}

func TestStoreAndCheckPresent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	locA, err := f.backend.Store(ctx, "a", f.source(t, "a", "hello"))
	require.NoError(t, err)
	locB, err := f.backend.Store(ctx, "b", f.source(t, "b", "world"))
	require.NoError(t, err)
	// one session, one archive
	assert.Equal(t, 1, locA.Archive)
	assert.Equal(t, locA.Archive, locB.Archive)
	assert.Equal(t, 0, locA.Object)
	assert.Equal(t, 1, locB.Object)

	state, err := f.backend.GetState("a")
	require.NoError(t, err)
	assert.Equal(t, locA.String(), state)

	ok, err := f.backend.CheckPresent("a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.backend.CheckPresent("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.backend.Close())
	assert.Equal(t, map[string]string{"a": "hello", "b": "world"}, f.contents(t))

	// a new session appends a new archive
	locC, err := f.backend.Store(ctx, "c", f.source(t, "c", "again"))
	require.NoError(t, err)
	assert.Equal(t, 2, locC.Archive)
	require.NoError(t, f.backend.Close())

	info, err := f.db.GetMedia(locC.Media.String())
	require.NoError(t, err)
	assert.Equal(t, 2, info.Archives)
}

func TestStoreMissingSource(t *testing.T) {
	f := newFixture(t)
	_, err := f.backend.Store(context.Background(), "a", filepath.Join(f.dir, "nope"))
	assert.Error(t, err)
	ok, err := f.backend.CheckPresent("a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetrieveQueuesJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.backend.Store(ctx, "a", f.source(t, "a", "hello"))
	require.NoError(t, err)
	dest := filepath.Join(f.dir, "retrieved")

	j, err := f.backend.Retrieve("a", dest)
	assert.True(t, errors.Is(err, ErrNotAvailable), "got %v", err)
	require.NotNil(t, j)
	assert.Equal(t, jobs.StatePending, j.State)

	// asking again does not queue a second job
	again, err := f.backend.Retrieve("a", dest)
	assert.True(t, errors.Is(err, ErrNotAvailable))
	assert.Equal(t, j.ID, again.ID)
	list, err := f.jobs.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	done, err := f.jobs.Start(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StateCompleted, done.State, done.String())

	_, err = f.backend.Retrieve("a", dest)
	require.NoError(t, err)
	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	list, err = f.jobs.List()
	require.NoError(t, err)
	assert.Empty(t, list)

	// the session archive was closed by the job's mount; storing starts a new one
	loc, err := f.backend.Store(ctx, "b", f.source(t, "b", "world"))
	require.NoError(t, err)
	assert.Equal(t, 2, loc.Archive)
}

func TestRemoveRefuses(t *testing.T) {
	f := newFixture(t)
	err := f.backend.Remove("a")
	assert.True(t, errors.Is(err, ErrRemoveUnsupported))
}

func TestCheckPresentFromState(t *testing.T) {
	f := newFixture(t)
	loc := tape.Location{Media: f.mediaID(t), Archive: 4, Object: 2}
	require.NoError(t, f.backend.SetState("recorded", loc.String()))
	require.NoError(t, f.backend.SetState("garbage", "block=1234 offset=999"))

	tests := []struct {
		key  string
		want bool
	}{
		{"recorded", true},
		{"garbage", false},
		{"unknown", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			ok, err := f.backend.CheckPresent(tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func (f *fixture) mediaID(t *testing.T) ulid.ULID {
	t.Helper()
	m, err := f.drive.Mount()
	require.NoError(t, err)
	return m.ID
}

func TestRescanRebuildsIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loc, err := f.backend.Store(ctx, "a", f.source(t, "a", "hello"))
	require.NoError(t, err)
	_, err = f.backend.Store(ctx, "b", f.source(t, "b", "world"))
	require.NoError(t, err)
	require.NoError(t, f.backend.Close())

	// forget everything that is not on tape
	require.NoError(t, f.db.ReplaceMediaObjects(ctx, loc.Media.String(), nil))
	require.NoError(t, f.db.SetState("a", ""))
	require.NoError(t, f.db.SetState("b", ""))
	fresh, err := New(f.drive, f.db, f.jobs, Config{})
	require.NoError(t, err)
	ok, err := fresh.CheckPresent("a")
	require.NoError(t, err)
	require.False(t, ok)

	n, err := fresh.Rescan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, key := range []string{"a", "b"} {
		ok, err := fresh.CheckPresent(key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}
	copies, err := f.db.FindObjects("b")
	require.NoError(t, err)
	require.Len(t, copies, 1)
	assert.Equal(t, 1, copies[0].Object)
}

func TestInfoWhileArchiveOpen(t *testing.T) {
	f := newFixture(t)
	_, err := f.backend.Store(context.Background(), "a", f.source(t, "a", "hello"))
	require.NoError(t, err)

	_, err = f.backend.Info()
	assert.True(t, errors.Is(err, ErrDriveBusy), "got %v", err)

	require.NoError(t, f.backend.Close())
	info, err := f.backend.Info()
	require.NoError(t, err)
	assert.True(t, info.Initialized)
}
