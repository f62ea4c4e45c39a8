package tape

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stv0g/git-annex-remote-tape/tapehardware"
)

// small records make every object span several of them
const testBlockSize = 16

func testConfig() Config {
	return Config{
		BlockSize: testBlockSize,
		Host:      "test",
		Now:       func() time.Time { return time.Unix(1700000000, 0) },
	}
}

func newTestDrive(t *testing.T, capacity int64) (*Drive, *tapehardware.Simulator) {
	t.Helper()
	sim := tapehardware.NewSimulator(capacity)
	d := NewDrive(sim, testConfig())
	_, err := d.InitializeMedia()
	require.NoError(t, err)
	return d, sim
}

type kv struct{ key, value string }

// writeArchive appends one archive holding the given objects and closes it.
func writeArchive(t *testing.T, d *Drive, objects ...kv) int {
	t.Helper()
	m, err := d.Mount()
	require.NoError(t, err)
	require.NoError(t, m.SkipToEnd())
	a, err := m.AppendArchive()
	require.NoError(t, err)
	for _, o := range objects {
		_, err := a.AppendObject(o.key, strings.NewReader(o.value), int64(len(o.value)))
		require.NoError(t, err)
	}
	require.NoError(t, a.Close())
	return a.Index
}

// readArchives returns the contents of every archive on the cartridge.
func readArchives(t *testing.T, d *Drive) [][]kv {
	t.Helper()
	m, err := d.Mount()
	require.NoError(t, err)
	var out [][]kv
	for {
		a, err := m.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		var objects []kv
		for {
			o, err := a.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			b, err := io.ReadAll(o)
			require.NoError(t, err)
			objects = append(objects, kv{o.Key(), string(b)})
		}
		out = append(out, objects)
	}
}

func TestScenarioHelloWorld(t *testing.T) {
	d, _ := newTestDrive(t, 0)
	index := writeArchive(t, d, kv{"a", "hello"}, kv{"b", "world"})
	assert.Equal(t, 1, index)

	assert.Equal(t, [][]kv{{{"a", "hello"}, {"b", "world"}}}, readArchives(t, d))
}

func TestRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 3, 4, 15, 16, 17, 20, 100, 1000}
	var objects []kv
	for i, size := range sizes {
		value := strings.Repeat(string(rune('a'+i)), size)
		objects = append(objects, kv{key: "key-" + string(rune('a'+i)), value: value})
	}
	d, _ := newTestDrive(t, 0)
	writeArchive(t, d, objects[:5]...)
	writeArchive(t, d, objects[5:]...)

	for _, want := range objects {
		t.Run(want.key, func(t *testing.T) {
			m, err := d.Mount()
			require.NoError(t, err)
			o, err := m.FindObject(want.key)
			require.NoError(t, err)
			assert.Equal(t, int64(len(want.value)), o.Size())
			b, err := io.ReadAll(o)
			require.NoError(t, err)
			assert.Equal(t, want.value, string(b))
		})
	}

	m, err := d.Mount()
	require.NoError(t, err)
	_, err = m.FindObject("missing")
	assert.True(t, errors.Is(err, ErrKeyNotFound), "got %v", err)
}

func TestForwardOnly(t *testing.T) {
	d, _ := newTestDrive(t, 0)
	for i := 0; i < 3; i++ {
		writeArchive(t, d, kv{"x", "1"}, kv{"y", "2"}, kv{"z", "3"})
	}

	m, err := d.Mount()
	require.NoError(t, err)
	last := 0
	for {
		a, err := m.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Greater(t, a.Index, last)
		last = a.Index

		prev := -1
		for {
			o, err := a.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			assert.Greater(t, o.Index, prev)
			prev = o.Index
		}
		assert.Equal(t, 2, prev)

		// exhausted archives stay exhausted
		_, err = a.Next()
		assert.Equal(t, io.EOF, err)
	}
	assert.Equal(t, 3, last)

	// no wrap around
	for i := 0; i < 2; i++ {
		_, err = m.Next()
		assert.Equal(t, io.EOF, err)
	}
	_, err = m.Locate(1)
	assert.Error(t, err)
}

func TestSkipMatchesFullScan(t *testing.T) {
	objects := []kv{
		{"a", ""},
		{"b", "12345"},
		{"c", strings.Repeat("c", 40)},
		{"d", strings.Repeat("d", 48)},
		{"e", "four"},
		{"f", strings.Repeat("f", 20)},
		{"g", strings.Repeat("g", 33)},
	}
	d, sim := newTestDrive(t, 0)
	writeArchive(t, d, objects...)
	writeArchive(t, d, kv{"next", "archive"})

	scan := func(read bool) (*tapehardware.Status, []string) {
		m, err := d.Mount()
		require.NoError(t, err)
		a, err := m.Next()
		require.NoError(t, err)
		var keys []string
		for {
			o, err := a.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			keys = append(keys, o.Key())
			if read {
				_, err := io.Copy(io.Discard, o)
				require.NoError(t, err)
			}
		}
		st, err := sim.Status()
		require.NoError(t, err)
		return st, keys
	}

	fullStatus, fullKeys := scan(true)
	sim.ResetJournal()
	skipStatus, skipKeys := scan(false)

	assert.Equal(t, fullKeys, skipKeys)
	assert.Equal(t, fullStatus.FileNumber, skipStatus.FileNumber)
	assert.Equal(t, fullStatus.BlockNumber, skipStatus.BlockNumber)
	assert.Equal(t, int64(2), skipStatus.FileNumber)
	assert.Equal(t, int64(0), skipStatus.BlockNumber)
	assert.Contains(t, sim.Journal(), "fsr")
}

func TestUnsupportedObjectVersion(t *testing.T) {
	d, sim := newTestDrive(t, 0)

	// an archive whose only object comes from a newer writer
	m, err := d.Mount()
	require.NoError(t, err)
	require.NoError(t, m.SkipToEnd())
	ah, err := (&ArchiveHeader{Version: HeaderVersion, Created: time.Unix(1, 0), Host: "newer"}).MarshalBinary()
	require.NoError(t, err)
	_, err = sim.WriteBlock(ah)
	require.NoError(t, err)
	oh, err := (&ObjectHeader{Version: HeaderVersion, Length: 5, Key: "a"}).MarshalBinary()
	require.NoError(t, err)
	oh[0] = HeaderVersion + 1
	_, err = sim.WriteBlock(append(oh, "hello"...))
	require.NoError(t, err)
	require.NoError(t, sim.WriteFilemarks(1))

	writeArchive(t, d, kv{"b", "world"})

	m, err = d.Mount()
	require.NoError(t, err)
	a, err := m.Next()
	require.NoError(t, err)
	_, err = a.Next()
	assert.True(t, errors.Is(err, ErrUnsupportedVersion), "got %v", err)
	_, err = a.Next()
	assert.True(t, errors.Is(err, ErrUnsupportedVersion), "got %v", err)

	a, err = m.Next()
	require.NoError(t, err)
	assert.Equal(t, 2, a.Index)
	o, err := a.Next()
	require.NoError(t, err)
	b, err := io.ReadAll(o)
	require.NoError(t, err)
	assert.Equal(t, "world", string(b))

	m, err = d.Mount()
	require.NoError(t, err)
	o, err = m.FindObject("b")
	require.NoError(t, err)
	assert.Equal(t, 2, o.Location().Archive)
}

func TestUnsupportedArchiveVersion(t *testing.T) {
	d, sim := newTestDrive(t, 0)
	m, err := d.Mount()
	require.NoError(t, err)
	require.NoError(t, m.SkipToEnd())
	ah, err := (&ArchiveHeader{Version: HeaderVersion, Created: time.Unix(1, 0), Host: "newer"}).MarshalBinary()
	require.NoError(t, err)
	ah[0] = 9
	_, err = sim.WriteBlock(ah)
	require.NoError(t, err)
	require.NoError(t, sim.WriteFilemarks(1))
	writeArchive(t, d, kv{"b", "world"})

	m, err = d.Mount()
	require.NoError(t, err)
	_, err = m.Next()
	assert.True(t, errors.Is(err, ErrUnsupportedVersion), "got %v", err)
	a, err := m.Next()
	require.NoError(t, err)
	assert.Equal(t, 2, a.Index)
}

func TestLocate(t *testing.T) {
	d, sim := newTestDrive(t, 0)
	writeArchive(t, d, kv{"a", "1"})
	writeArchive(t, d, kv{"b", "2"})
	writeArchive(t, d, kv{"c", "3"})

	m, err := d.Mount()
	require.NoError(t, err)
	sim.ResetJournal()
	a, err := m.Locate(3)
	require.NoError(t, err)
	assert.Equal(t, 3, a.Index)
	assert.NotContains(t, sim.Journal(), "fsr")
	o, err := a.FindObject("c")
	require.NoError(t, err)
	assert.Equal(t, Location{Media: m.ID, Archive: 3, Object: 0}, o.Location())

	m, err = d.Mount()
	require.NoError(t, err)
	_, err = m.Locate(7)
	assert.True(t, errors.Is(err, ErrArchiveNotFound), "got %v", err)
}

func TestInitializeMedia(t *testing.T) {
	d, sim := newTestDrive(t, 0)
	_, err := d.InitializeMedia()
	assert.Equal(t, ErrAlreadyInitialized, err)

	require.NoError(t, d.EraseMedia(context.Background(), false))
	_, err = d.Mount()
	assert.Equal(t, ErrNotInitialized, err)

	_, err = sim.WriteBlock([]byte("tar archive from somewhere else"))
	require.NoError(t, err)
	_, err = d.InitializeMedia()
	assert.Equal(t, ErrNotBlank, err)

	require.NoError(t, d.EraseMedia(context.Background(), true))
	h, err := d.InitializeMedia()
	require.NoError(t, err)
	m, err := d.Mount()
	require.NoError(t, err)
	assert.Equal(t, h.ID(), m.ID)
	assert.Equal(t, "test", m.Header.Host)
}

func TestEraseHonoursCancelledContext(t *testing.T) {
	d, sim := newTestDrive(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sim.ResetJournal()
	assert.Error(t, d.EraseMedia(ctx, true))
	assert.NotContains(t, sim.Journal(), "erase")
}

func TestAppendRequiresEndOfData(t *testing.T) {
	d, _ := newTestDrive(t, 0)
	writeArchive(t, d, kv{"a", "1"})

	m, err := d.Mount()
	require.NoError(t, err)
	_, err = m.AppendArchive()
	assert.True(t, errors.Is(err, ErrNotAtEndOfData), "got %v", err)

	require.NoError(t, m.SkipToEnd())
	a, err := m.AppendArchive()
	require.NoError(t, err)
	_, err = m.AppendArchive()
	assert.Equal(t, ErrArchiveOpen, err)
	require.NoError(t, a.Close())

	_, err = a.AppendObject("late", strings.NewReader("x"), 1)
	assert.Equal(t, ErrArchiveClosed, err)
}

func TestStaleMedia(t *testing.T) {
	d, _ := newTestDrive(t, 0)
	writeArchive(t, d, kv{"a", "1"})

	old, err := d.Mount()
	require.NoError(t, err)
	a, err := old.Next()
	require.NoError(t, err)

	_, err = d.Mount()
	require.NoError(t, err)
	_, err = old.Next()
	assert.Equal(t, ErrStaleMedia, err)
	_, err = a.Next()
	assert.Equal(t, ErrStaleMedia, err)

	require.NoError(t, d.Close())
	_, err = d.Mount()
	assert.Equal(t, ErrDriveClosed, err)
}

func TestMountTerminatesOpenArchive(t *testing.T) {
	d, _ := newTestDrive(t, 0)
	m, err := d.Mount()
	require.NoError(t, err)
	require.NoError(t, m.SkipToEnd())
	a, err := m.AppendArchive()
	require.NoError(t, err)
	_, err = a.AppendObject("a", strings.NewReader("hello"), 5)
	require.NoError(t, err)

	// no Close, mounting again writes the filemark
	assert.Equal(t, [][]kv{{{"a", "hello"}}}, readArchives(t, d))
	writeArchive(t, d, kv{"b", "world"})
	assert.Equal(t, [][]kv{{{"a", "hello"}}, {{"b", "world"}}}, readArchives(t, d))
}

func TestUnterminatedArchiveAfterCrash(t *testing.T) {
	d, sim := newTestDrive(t, 0)
	m, err := d.Mount()
	require.NoError(t, err)
	require.NoError(t, m.SkipToEnd())
	a, err := m.AppendArchive()
	require.NoError(t, err)
	_, err = a.AppendObject("a", strings.NewReader("hello"), 5)
	require.NoError(t, err)

	// a new process finds the archive without its filemark
	d = NewDrive(sim, testConfig())
	assert.Equal(t, [][]kv{{{"a", "hello"}}}, readArchives(t, d))

	index := writeArchive(t, d, kv{"b", "world"})
	assert.Equal(t, 2, index)
	assert.Equal(t, [][]kv{{{"a", "hello"}}, {{"b", "world"}}}, readArchives(t, d))
}

func TestShortSourceIsPadded(t *testing.T) {
	d, _ := newTestDrive(t, 0)
	m, err := d.Mount()
	require.NoError(t, err)
	require.NoError(t, m.SkipToEnd())
	a, err := m.AppendArchive()
	require.NoError(t, err)
	_, err = a.AppendObject("short", strings.NewReader("abc"), 6)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF), "got %v", err)
	_, err = a.AppendObject("next", strings.NewReader("ok"), 2)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	assert.Equal(t, [][]kv{{{"short", "abc\x00\x00\x00"}, {"next", "ok"}}}, readArchives(t, d))
}

func TestEndOfMedium(t *testing.T) {
	d, _ := newTestDrive(t, 1000)
	m, err := d.Mount()
	require.NoError(t, err)
	require.NoError(t, m.SkipToEnd())
	a, err := m.AppendArchive()
	require.NoError(t, err)
	// media header 23 bytes, archive header 15, object header 12
	_, err = a.AppendObject("a", bytes.NewReader(make([]byte, 940)), 940)
	require.NoError(t, err)
	_, err = a.AppendObject("b", strings.NewReader("x"), 1)
	assert.Equal(t, ErrEndOfMedium, err)
	require.NoError(t, a.Close())
}

func TestExclusiveSerializesDeviceAccess(t *testing.T) {
	d, sim := newTestDrive(t, 0)
	writeArchive(t, d, kv{"a", "hello"}, kv{"b", "world"})
	sim.SetLatency(time.Millisecond)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = d.Exclusive(context.Background(), func() error {
				m, err := d.Mount()
				if err != nil {
					return err
				}
				o, err := m.FindObject("b")
				if err != nil {
					return err
				}
				_, err = io.Copy(io.Discard, o)
				return err
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, sim.Overlaps())
}

func TestDriveInfo(t *testing.T) {
	d, _ := newTestDrive(t, 1<<20)
	writeArchive(t, d, kv{"a", "hello"})

	info, err := d.Info()
	require.NoError(t, err)
	assert.True(t, info.Initialized)
	assert.Equal(t, int64(1<<20), info.Capacity)
	assert.Less(t, info.Remaining, info.Capacity)
	assert.Equal(t, "test", info.Header.Host)
	assert.Equal(t, info.Header.ID(), info.MediaID)

	blank := NewDrive(tapehardware.NewSimulator(0), testConfig())
	info, err = blank.Info()
	require.NoError(t, err)
	assert.False(t, info.Initialized)
}

func TestInitializeMediaWithoutReportedEOD(t *testing.T) {
	sim := tapehardware.NewSimulator(0)
	sim.SetLazyEOD(true)
	d := NewDrive(sim, testConfig())
	h, err := d.InitializeMedia()
	require.NoError(t, err)
	m, err := d.Mount()
	require.NoError(t, err)
	assert.Equal(t, h.ID(), m.ID)
	_, err = d.InitializeMedia()
	assert.Equal(t, ErrAlreadyInitialized, err)

	// a leading filemark means something else wrote the tape
	other := tapehardware.NewSimulator(0)
	other.SetLazyEOD(true)
	require.NoError(t, other.WriteFilemarks(1))
	_, err = NewDrive(other, testConfig()).InitializeMedia()
	assert.Equal(t, ErrNotBlank, err)
}

func TestDeviceFaultsPropagate(t *testing.T) {
	d, sim := newTestDrive(t, 0)
	m, err := d.Mount()
	require.NoError(t, err)
	require.NoError(t, m.SkipToEnd())
	a, err := m.AppendArchive()
	require.NoError(t, err)
	sim.SetWriteProtected(true)
	_, err = a.AppendObject("a", strings.NewReader("hello"), 5)
	require.Error(t, err)
	var de *tapehardware.DeviceError
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.Equal(t, syscall.EACCES, de.Errno)
	// the archive stays failed
	_, err = a.AppendObject("b", strings.NewReader("x"), 1)
	assert.True(t, tapehardware.IsDeviceFault(err), "got %v", err)

	d, sim = newTestDrive(t, 0)
	m, err = d.Mount()
	require.NoError(t, err)
	require.NoError(t, m.SkipToEnd())
	sim.SetWriteProtected(true)
	_, err = m.AppendArchive()
	assert.True(t, tapehardware.IsDeviceFault(err), "got %v", err)

	require.NoError(t, sim.Eject())
	_, err = d.Mount()
	assert.True(t, tapehardware.IsDeviceFault(err), "got %v", err)
}
