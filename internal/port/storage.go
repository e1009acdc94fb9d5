package port

import (
	"context"
	"io"
)

type PutOptions struct {
	ContentType  string
	CacheControl string
	Metadata     map[string]string
}

// ArtifactStore is durable storage for published artifacts. Put returns only
// once the store has confirmed the write.
type ArtifactStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error
}
