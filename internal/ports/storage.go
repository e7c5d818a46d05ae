package ports

import (
	"context"
	"io"
)

type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
}

type PutObjectOutput struct {
	// localfs and s3 return the same object key.
	// gdrive returns the Drive fileId, which Get/Delete take.
	ObjectKey string
	Size      int64
}

// StorageProvider is the artifact store workers read background assets
// from and upload render output to. Implementations: localfs, gdrive, s3.
type StorageProvider interface {
	Provider() string

	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error)
	DeleteObject(ctx context.Context, objectKey string) error
}
