package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter stores archive batches in object storage. PutMultipart is used
// for batches too large for a single request.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// Archiver exports terminal gifts last updated before a cutoff to cold
// storage and marks them archived. It returns how many gifts it exported.
type Archiver interface {
	ArchiveGifts(ctx context.Context, before time.Time) (int64, error)
}
