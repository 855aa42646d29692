package backup

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3 struct {
	err    error
	bucket string
	key    string
	body   string
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bucket = *in.Bucket
	f.key = *in.Key
	raw, _ := io.ReadAll(in.Body)
	f.body = string(raw)
	return &s3.PutObjectOutput{}, nil
}

func fixedClock() time.Time {
	return time.Date(2025, 7, 4, 10, 30, 0, 0, time.UTC)
}

func TestUpload_WritesPrefixedTimestampedKey(t *testing.T) {
	fake := &fakeS3{}
	u, err := NewUploader(context.Background(), UploaderOptions{
		Bucket: "botops-backups",
		Prefix: "/botops/backups/",
		Client: fake,
		Now:    fixedClock,
	})
	if err != nil {
		t.Fatalf("NewUploader: %v", err)
	}

	key, err := u.Upload(context.Background(), "requests.csv", strings.NewReader("timestamp,user_id\n"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	want := "botops/backups/20250704T103000Z_requests.csv"
	if key != want {
		t.Fatalf("key = %q, want %q", key, want)
	}
	if fake.bucket != "botops-backups" || fake.key != want {
		t.Fatalf("put to %s/%s", fake.bucket, fake.key)
	}
	if fake.body != "timestamp,user_id\n" {
		t.Fatalf("body = %q", fake.body)
	}
}

func TestUpload_NoPrefix(t *testing.T) {
	fake := &fakeS3{}
	u, err := NewUploader(context.Background(), UploaderOptions{
		Bucket: "b",
		Client: fake,
		Now:    fixedClock,
	})
	if err != nil {
		t.Fatalf("NewUploader: %v", err)
	}

	key, err := u.Upload(context.Background(), "/tmp/data/requests.csv", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if key != "20250704T103000Z_requests.csv" {
		t.Fatalf("key = %q", key)
	}
}

func TestUpload_PutFailure(t *testing.T) {
	u, err := NewUploader(context.Background(), UploaderOptions{
		Bucket: "b",
		Client: &fakeS3{err: errors.New("access denied")},
	})
	if err != nil {
		t.Fatalf("NewUploader: %v", err)
	}
	if _, err := u.Upload(context.Background(), "x.csv", strings.NewReader("x")); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewUploader_RequiresBucket(t *testing.T) {
	if _, err := NewUploader(context.Background(), UploaderOptions{Client: &fakeS3{}}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}
