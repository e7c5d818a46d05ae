package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"renderfarm/internal/ports"
)

const (
	uploadPartSize    = 16 << 20
	uploadConcurrency = 5
)

// API is the subset of the S3 client the adapter calls.
type API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Bucket implements ports.StorageProvider on an S3 (or S3-compatible)
// bucket. Object keys are stored under an optional prefix.
type Bucket struct {
	svc      API
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

func New(svc API, bucket, prefix string) *Bucket {
	return &Bucket{
		svc: svc,
		uploader: manager.NewUploader(svc, func(u *manager.Uploader) {
			u.PartSize = uploadPartSize
			u.Concurrency = uploadConcurrency
		}),
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (b *Bucket) Provider() string { return "s3" }

func (b *Bucket) key(objectKey string) string {
	if b.prefix == "" {
		return objectKey
	}
	return path.Join(b.prefix, objectKey)
}

func (b *Bucket) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, fmt.Errorf("object_key is required")
	}

	counter := &countingReader{r: in.Reader}
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(in.ObjectKey)),
		Body:   counter,
	}
	if in.ContentType != "" {
		input.ContentType = aws.String(in.ContentType)
	}

	if _, err := b.uploader.Upload(ctx, input); err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("s3 upload failed: %w", err)
	}
	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: counter.n}, nil
}

func (b *Bucket) GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error) {
	out, err := b.svc.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(objectKey)),
	})
	if err != nil {
		return nil, "", 0, fmt.Errorf("s3 download failed: %w", translateError(err))
	}
	return out.Body, aws.ToString(out.ContentType), aws.ToInt64(out.ContentLength), nil
}

func (b *Bucket) DeleteObject(ctx context.Context, objectKey string) error {
	_, err := b.svc.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(objectKey)),
	})
	err = translateError(err)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// translateError maps missing-object API errors to os.ErrNotExist so
// callers can treat every provider alike.
func translateError(err error) error {
	var aerr smithy.APIError
	if errors.As(err, &aerr) {
		switch aerr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return os.ErrNotExist
		}
	}
	return err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
