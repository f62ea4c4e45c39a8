package remote

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stv0g/git-annex-remote-tape/tape"
)

const testUUID = "8b3a8f0e-3c4c-4a8e-9d6e-2f1d1c5a7b01"

// converse feeds git-annex's side of the conversation and returns ours.
func converse(t *testing.T, open Opener, input ...string) ([]string, error) {
	t.Helper()
	var out bytes.Buffer
	p := NewProtocol(open, strings.NewReader(strings.Join(input, "\n")+"\n"), &out, ProtocolConfig{})
	err := p.Run(context.Background())
	return strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n"), err
}

func TestProtocolSession(t *testing.T) {
	f := newFixture(t)
	var settings Settings
	open := func(ctx context.Context, s Settings) (*Backend, error) {
		settings = s
		return f.backend, nil
	}
	src := f.source(t, "src", "hello")
	dest := filepath.Join(f.dir, "dest")

	out, err := converse(t, open,
		"EXTENSIONS INFO ASYNC",
		"PREPARE",
		"VALUE /dev/nst0",
		"VALUE "+testUUID,
		"VALUE /repo/.git",
		"TRANSFER STORE KEY1 "+src,
		"CHECKPRESENT KEY1",
		"CHECKPRESENT KEY2",
		"VALUE",
		"TRANSFER RETRIEVE KEY1 "+dest,
		"REMOVE KEY1",
		"GETCOST",
		"GETAVAILABILITY",
		"EXPORTSUPPORTED",
		"FOOBAR",
	)
	require.NoError(t, err)
	assert.Equal(t, "/dev/nst0", settings.Drive)
	assert.Equal(t, testUUID, settings.UUID.String())
	assert.Equal(t, "/repo/.git", settings.GitDir)

	require.Len(t, out, 18)
	want := []string{
		"VERSION 2",
		"EXTENSIONS INFO",
		"GETCONFIG drive",
		"GETUUID",
		"GETGITDIR",
		"PREPARE-SUCCESS",
	}
	assert.Equal(t, want, out[:6])

	setstate, ok := strings.CutPrefix(out[6], "SETSTATE KEY1 ")
	require.True(t, ok, out[6])
	loc, err := tape.ParseLocation(setstate)
	require.NoError(t, err)
	assert.Equal(t, 1, loc.Archive)

	want = []string{
		"TRANSFER-SUCCESS STORE KEY1",
		"CHECKPRESENT-SUCCESS KEY1",
		"GETSTATE KEY2",
		"CHECKPRESENT-FAILURE KEY2",
		"INFO retrieval of KEY1 queued as job 1, run `git-annex-remote-tape jobs start 1`",
		"TRANSFER-FAILURE RETRIEVE KEY1 queued as job 1: data not available yet",
		"REMOVE-FAILURE KEY1 dropping keys from tapes is not supported",
		"COST 1100",
		"AVAILABILITY LOCAL",
		"EXPORTSUPPORTED-FAILURE",
		"UNSUPPORTED-REQUEST",
	}
	assert.Equal(t, want, out[7:])
}

func TestProtocolCheckPresentFromGitAnnexState(t *testing.T) {
	f := newFixture(t)
	open := func(ctx context.Context, s Settings) (*Backend, error) { return f.backend, nil }
	loc := tape.Location{Media: f.mediaID(t), Archive: 1, Object: 0}

	out, err := converse(t, open,
		"PREPARE",
		"VALUE",
		"VALUE "+testUUID,
		"VALUE /repo/.git",
		"CHECKPRESENT KEY",
		"VALUE "+loc.String(),
	)
	require.NoError(t, err)
	assert.Equal(t, "CHECKPRESENT-SUCCESS KEY", out[len(out)-1])

	// remembered locally from now on
	state, err := f.backend.GetState("KEY")
	require.NoError(t, err)
	assert.Equal(t, loc.String(), state)
}

func TestProtocolFailures(t *testing.T) {
	neverOpen := func(ctx context.Context, s Settings) (*Backend, error) {
		return nil, errors.New("no drive")
	}

	tests := []struct {
		name  string
		input []string
		last  string
	}{
		{"bad uuid", []string{"INITREMOTE", "VALUE /dev/nst0", "VALUE not-a-uuid"}, "INITREMOTE-FAILURE"},
		{"not prepared", []string{"TRANSFER STORE KEY /tmp/x"}, "TRANSFER-FAILURE STORE KEY remote is not prepared"},
		{"bad transfer", []string{"TRANSFER SIDEWAYS KEY /tmp/x"}, "ERROR"},
		{"backend unavailable", []string{"PREPARE", "VALUE /dev/nst0", "VALUE " + testUUID, "VALUE /repo/.git", "CHECKPRESENT KEY"}, "CHECKPRESENT-UNKNOWN KEY no drive"},
		{"listconfigs", []string{"LISTCONFIGS"}, "CONFIGEND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := converse(t, neverOpen, tt.input...)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(out[len(out)-1], tt.last), "got %q", out[len(out)-1])
		})
	}
}

func TestProtocolStopsOnGitAnnexError(t *testing.T) {
	open := func(ctx context.Context, s Settings) (*Backend, error) { return nil, nil }
	out, err := converse(t, open, "ERROR something broke", "GETCOST")
	assert.True(t, errors.Is(err, errGitAnnex), "got %v", err)
	assert.Equal(t, []string{"VERSION 2"}, out)
}
