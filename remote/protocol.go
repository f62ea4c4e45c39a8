package remote

// This file speaks the git-annex external special remote protocol, version 2.
// git-annex writes requests to our stdin one per line; we answer on stdout.
// While handling a request we may ask git-annex questions of our own
// (GETCONFIG, GETUUID, GETSTATE, ...) and read its VALUE reply from stdin.

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/stv0g/git-annex-remote-tape/tape"
	"github.com/stv0g/git-annex-remote-tape/utils"
)

const (
	ProtocolVersion = 2
	DefaultCost     = 1100
)

var (
	errEndOfInput   = errors.New("git-annex closed the connection")
	errUnexpected   = errors.New("unexpected reply")
	errBadArguments = errors.New("invalid arguments")
	errGitAnnex     = errors.New("git-annex reported an error")
)

// Settings is what git-annex tells us about the remote.
type Settings struct {
	Drive      string // device path from the remote's drive= setting
	UUID       uuid.UUID
	GitDir     string
	RemoteName string
}

// Opener creates the Backend once the remote is prepared.
type Opener func(ctx context.Context, s Settings) (*Backend, error)

type ProtocolConfig struct {
	Cost   int
	Logger *utils.Logger
}

type Protocol struct {
	open   Opener
	in     *bufio.Reader
	out    *bufio.Writer
	cost   int
	logger *utils.Logger

	settings   Settings
	extensions map[string]bool
	prepared   bool
	backend    *Backend
}

func NewProtocol(open Opener, in io.Reader, out io.Writer, cfg ProtocolConfig) *Protocol {
	if cfg.Cost <= 0 {
		cfg.Cost = DefaultCost
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.NewNopLogger()
	}
	return &Protocol{
		open:       open,
		in:         bufio.NewReader(in),
		out:        bufio.NewWriter(out),
		cost:       cfg.Cost,
		logger:     cfg.Logger,
		extensions: make(map[string]bool),
	}
}

// Run answers requests until git-annex closes stdin.
func (p *Protocol) Run(ctx context.Context) (err error) {
	defer func() {
		if p.backend != nil {
			if cerr := p.backend.Close(); err == nil {
				err = cerr
			}
		}
	}()
	if err := p.send("VERSION %d", ProtocolVersion); err != nil {
		return err
	}
	for {
		line, err := p.readLine()
		if err == errEndOfInput {
			return nil
		}
		if err != nil {
			return err
		}
		if err := p.process(ctx, line); err != nil {
			if err == errEndOfInput {
				return nil
			}
			if errors.Cause(err) == errGitAnnex {
				return err
			}
			p.logger.Error("request failed", err, zap.String("request", line))
			if err := p.send("ERROR %s", oneLine(err.Error())); err != nil {
				return err
			}
		}
	}
}

func (p *Protocol) process(ctx context.Context, line string) error {
	cmd, args, _ := strings.Cut(line, " ")
	p.logger.Debug("request", zap.String("line", line))

	switch cmd {
	case "INITREMOTE":
		if err := p.fetch(true); err != nil {
			return p.send("INITREMOTE-FAILURE %s", oneLine(err.Error()))
		}
		return p.send("INITREMOTE-SUCCESS")
	case "EXTENSIONS":
		for _, e := range strings.Fields(args) {
			p.extensions[e] = true
		}
		return p.send("EXTENSIONS INFO")
	case "PREPARE":
		if err := p.fetch(false); err != nil {
			return p.send("PREPARE-FAILURE %s", oneLine(err.Error()))
		}
		p.prepared = true
		return p.send("PREPARE-SUCCESS")
	case "TRANSFER":
		return p.transfer(ctx, args)
	case "CHECKPRESENT":
		return p.checkPresent(ctx, args)
	case "REMOVE":
		return p.send("REMOVE-FAILURE %s %s", args, ErrRemoveUnsupported)
	case "LISTCONFIGS":
		if err := p.send("CONFIG drive Path of the SCSI tape drive (e.g. /dev/nst0)"); err != nil {
			return err
		}
		return p.send("CONFIGEND")
	case "GETCOST":
		return p.send("COST %d", p.cost)
	case "GETORDERED":
		return p.send("ORDERED")
	case "GETAVAILABILITY":
		return p.send("AVAILABILITY LOCAL")
	case "GETINFO":
		return p.getInfo()
	case "EXPORTSUPPORTED":
		return p.send("EXPORTSUPPORTED-FAILURE")
	case "ERROR":
		return errors.Wrap(errGitAnnex, args)
	}
	return p.send("UNSUPPORTED-REQUEST")
}

// fetch asks git-annex about the remote.
func (p *Protocol) fetch(initialize bool) error {
	drive, err := p.ask("GETCONFIG drive")
	if err != nil {
		return err
	}
	p.settings.Drive = drive

	id, err := p.ask("GETUUID")
	if err != nil {
		return err
	}
	if p.settings.UUID, err = uuid.Parse(id); err != nil {
		return errors.Wrapf(errBadArguments, "uuid %q", id)
	}

	if p.settings.GitDir, err = p.ask("GETGITDIR"); err != nil {
		return err
	}
	if !initialize && p.extensions["GETGITREMOTENAME"] {
		if p.settings.RemoteName, err = p.ask("GETGITREMOTENAME"); err != nil {
			return err
		}
	}
	return nil
}

func (p *Protocol) getBackend(ctx context.Context) (*Backend, error) {
	if p.backend != nil {
		return p.backend, nil
	}
	if !p.prepared {
		return nil, errors.New("remote is not prepared")
	}
	b, err := p.open(ctx, p.settings)
	if err != nil {
		return nil, err
	}
	p.backend = b
	return b, nil
}

func (p *Protocol) transfer(ctx context.Context, args string) error {
	parts := strings.SplitN(args, " ", 3)
	if len(parts) != 3 {
		return errors.Wrapf(errBadArguments, "TRANSFER %s", args)
	}
	direction, key, file := parts[0], parts[1], parts[2]
	if direction != "STORE" && direction != "RETRIEVE" {
		return errors.Wrapf(errBadArguments, "transfer direction %q", direction)
	}

	b, err := p.getBackend(ctx)
	if err != nil {
		return p.send("TRANSFER-FAILURE %s %s %s", direction, key, oneLine(err.Error()))
	}

	if direction == "STORE" {
		loc, err := b.Store(ctx, key, file)
		if err != nil {
			return p.send("TRANSFER-FAILURE STORE %s %s", key, oneLine(err.Error()))
		}
		if err := p.send("SETSTATE %s %s", key, loc); err != nil {
			return err
		}
		return p.send("TRANSFER-SUCCESS STORE %s", key)
	}

	j, err := b.Retrieve(key, file)
	switch {
	case err == nil:
		return p.send("TRANSFER-SUCCESS RETRIEVE %s", key)
	case errors.Is(err, ErrNotAvailable):
		if err := p.info("retrieval of %s queued as job %d, run `git-annex-remote-tape jobs start %d`", key, j.ID, j.ID); err != nil {
			return err
		}
		return p.send("TRANSFER-FAILURE RETRIEVE %s %s", key, oneLine(err.Error()))
	default:
		return p.send("TRANSFER-FAILURE RETRIEVE %s %s", key, oneLine(err.Error()))
	}
}

func (p *Protocol) checkPresent(ctx context.Context, key string) error {
	if key == "" {
		return errors.Wrap(errBadArguments, "CHECKPRESENT without key")
	}
	b, err := p.getBackend(ctx)
	if err != nil {
		return p.send("CHECKPRESENT-UNKNOWN %s %s", key, oneLine(err.Error()))
	}
	ok, err := b.CheckPresent(key)
	if err != nil {
		return p.send("CHECKPRESENT-UNKNOWN %s %s", key, oneLine(err.Error()))
	}
	if !ok {
		// another clone may have stored it and recorded the location
		state, err := p.ask("GETSTATE " + key)
		if err != nil {
			return err
		}
		if loc, err := tape.ParseLocation(state); err == nil {
			ok = true
			if err := b.SetState(key, loc.String()); err != nil {
				p.logger.Warn("saving state from git-annex", zap.String("key", key), zap.Error(err))
			}
		}
	}
	if ok {
		return p.send("CHECKPRESENT-SUCCESS %s", key)
	}
	return p.send("CHECKPRESENT-FAILURE %s", key)
}

// getInfo answers GETINFO. The drive is only queried if it is idle.
func (p *Protocol) getInfo() error {
	fields := [][2]string{}
	if p.settings.Drive != "" {
		fields = append(fields, [2]string{"drive", p.settings.Drive})
	}
	if p.backend != nil {
		info, err := p.backend.Info()
		switch {
		case err != nil:
			fields = append(fields, [2]string{"drive status", oneLine(err.Error())})
		case info.Initialized:
			fields = append(fields, [2]string{"media", info.MediaID.String()})
			if info.Capacity > 0 {
				fields = append(fields, [2]string{"remaining", humanize.IBytes(uint64(info.Remaining)) + " of " + humanize.IBytes(uint64(info.Capacity))})
			}
		default:
			fields = append(fields, [2]string{"media", "not initialized"})
		}
	}
	for _, f := range fields {
		if err := p.send("INFOFIELD %s", f[0]); err != nil {
			return err
		}
		if err := p.send("INFOVALUE %s", f[1]); err != nil {
			return err
		}
	}
	return p.send("INFOEND")
}

// info sends a message for the user, if git-annex accepts them.
func (p *Protocol) info(format string, args ...interface{}) error {
	if !p.prepared || !p.extensions["INFO"] {
		return nil
	}
	return p.send("INFO %s", oneLine(fmt.Sprintf(format, args...)))
}

// ask sends a request to git-annex and returns the value of its reply.
func (p *Protocol) ask(request string) (string, error) {
	if err := p.send("%s", request); err != nil {
		return "", err
	}
	line, err := p.readLine()
	if err != nil {
		return "", err
	}
	if line == "VALUE" {
		return "", nil
	}
	value, ok := strings.CutPrefix(line, "VALUE ")
	if !ok {
		return "", errors.Wrapf(errUnexpected, "%s: got %q", request, line)
	}
	return value, nil
}

func (p *Protocol) send(format string, args ...interface{}) error {
	if _, err := fmt.Fprintf(p.out, format+"\n", args...); err != nil {
		return err
	}
	return p.out.Flush()
}

func (p *Protocol) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err == io.EOF && line == "" {
		return "", errEndOfInput
	}
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func oneLine(s string) string {
	return strings.ReplaceAll(s, "\n", " ")
}
