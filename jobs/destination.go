package jobs

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/stv0g/git-annex-remote-tape/utils"
)

// Destination receives the payload of a retrieved object.
type Destination interface {
	Put(ctx context.Context, r io.Reader) (int64, error)
	String() string
}

// Opener turns a destination reference into a Destination. It fails if the
// reference can never be written, so bad jobs are refused at enqueue time.
type Opener func(ref *url.URL) (Destination, error)

// Destinations maps reference schemes to openers. Plain paths and file://
// URLs are always known.
type Destinations struct {
	openers map[string]Opener
}

func NewDestinations() *Destinations {
	d := &Destinations{openers: make(map[string]Opener)}
	d.Register("file", openFile)
	return d
}

func (d *Destinations) Register(scheme string, o Opener) {
	d.openers[scheme] = o
}

func (d *Destinations) Open(ref string) (Destination, error) {
	if ref == "" {
		return nil, errors.New("empty destination")
	}
	if !strings.Contains(ref, "://") {
		return openFile(&url.URL{Scheme: "file", Path: ref})
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, errors.Wrapf(err, "destination %q", ref)
	}
	o, ok := d.openers[u.Scheme]
	if !ok {
		return nil, errors.Errorf("destination %q: unsupported scheme %q", ref, u.Scheme)
	}
	return o(u)
}

//**** FILE DESTINATION ********

// FileDestination writes to a temporary file next to the target and renames
// it into place once the data is on disk, so a failed job never leaves a
// partial file under the target name.
type FileDestination struct {
	path string
}

func openFile(u *url.URL) (Destination, error) {
	path := u.Path
	if path == "" {
		return nil, errors.Errorf("destination %s: no path", u)
	}
	info, err := os.Stat(filepath.Dir(path))
	if err != nil {
		return nil, errors.Wrapf(err, "destination %s", path)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("destination %s: parent is not a directory", path)
	}
	return &FileDestination{path: path}, nil
}

func (f *FileDestination) String() string {
	return f.path
}

func (f *FileDestination) Put(ctx context.Context, r io.Reader) (int64, error) {
	dir, base := filepath.Split(f.path)
	tmp, err := os.CreateTemp(dir, "."+base+".tmp*")
	if err != nil {
		return 0, errors.Wrapf(err, "creating temporary file for %s", f.path)
	}
	n, err := io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), f.path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return n, errors.Wrapf(err, "writing %s", f.path)
	}
	return n, nil
}

//**** S3 DESTINATION ********

// S3API is the part of the S3 client a destination uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds a client from the default credential chain.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create s3 session")
	}
	return s3.NewFromConfig(cfg, func(options *s3.Options) {
		if region != "" {
			options.Region = region
		}
	}), nil
}

// S3Destination uploads to s3://bucket/key. The payload is spooled to the
// cache directory first because the upload needs a seekable body of known
// length.
type S3Destination struct {
	client S3API
	bucket string
	key    string
	cache  string
	logger *utils.Logger
}

// S3Opener returns an Opener for s3:// references.
func S3Opener(client S3API, cache string, logger *utils.Logger) Opener {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return func(u *url.URL) (Destination, error) {
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return nil, errors.Errorf("destination %s: want s3://bucket/key", u)
		}
		return &S3Destination{client: client, bucket: u.Host, key: key, cache: cache, logger: logger}, nil
	}
}

func (s *S3Destination) String() string {
	return "s3://" + s.bucket + "/" + s.key
}

func (s *S3Destination) Put(ctx context.Context, r io.Reader) (int64, error) {
	spool, err := os.CreateTemp(s.cache, "s3-spool-*")
	if err != nil {
		return 0, errors.Wrap(err, "creating spool file")
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	n, err := io.Copy(spool, r)
	if err != nil {
		return n, errors.Wrapf(err, "spooling %s", s)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return n, errors.Wrapf(err, "spooling %s", s)
	}

	params := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key),
		Body:          spool,
		ContentLength: aws.Int64(n),
	}
	if _, err := s.client.PutObject(ctx, params); err != nil {
		return n, errors.Wrapf(err, "S3 PUT %s", s)
	}
	s.logger.Event("uploaded object", zap.String("bucket", s.bucket), zap.String("key", s.key), zap.Int64("bytes", n))
	return n, nil
}
