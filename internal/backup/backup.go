// Package backup ships message-log snapshots to S3. The dashboard's backup
// button always writes a local copy; when a bucket is configured it also
// pushes a CSV snapshot here.
package backup

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hefzhail/botops/internal/log"
	"github.com/hefzhail/botops/internal/xerrors"
)

// ObjectPutter is the slice of the S3 client the uploader uses. Extracted
// so tests can stub the AWS call.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// UploaderOptions configures an Uploader.
type UploaderOptions struct {
	Logger log.Logger

	Bucket string
	Prefix string

	// Client overrides the S3 client; when nil one is built from the
	// default AWS config.
	Client ObjectPutter

	// Now is swappable in tests.
	Now func() time.Time
}

// Uploader pushes snapshots to s3://{Bucket}/{Prefix}/{timestamp}_{name}.
type Uploader struct {
	opts   UploaderOptions
	client ObjectPutter
	logger log.Logger
	now    func() time.Time
}

// NewUploader builds an uploader for the configured bucket.
func NewUploader(ctx context.Context, opts UploaderOptions) (*Uploader, error) {
	if opts.Bucket == "" {
		return nil, xerrors.New("backup: Bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	client := opts.Client
	if client == nil {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "backup: load AWS config")
		}
		client = s3.NewFromConfig(awsCfg)
	}

	return &Uploader{
		opts:   opts,
		client: client,
		logger: opts.Logger,
		now:    opts.Now,
	}, nil
}

// Upload writes one snapshot object and returns its key.
func (u *Uploader) Upload(ctx context.Context, name string, body io.Reader) (string, error) {
	key := u.key(name)

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.opts.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "backup: put s3://%s/%s", u.opts.Bucket, key)
	}

	u.logger.Info(ctx, "snapshot uploaded",
		"bucket", u.opts.Bucket,
		"key", key,
	)
	return key, nil
}

func (u *Uploader) key(name string) string {
	stamped := fmt.Sprintf("%s_%s", u.now().UTC().Format("20060102T150405Z"), path.Base(name))
	if p := strings.Trim(u.opts.Prefix, "/"); p != "" {
		return p + "/" + stamped
	}
	return stamped
}
