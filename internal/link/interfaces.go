package link

import (
	"context"
	"io"
	"time"
)

// Extractor fetches a URL and returns its content. Implementations never fail:
// fetch errors are reported as a placeholder body.
type Extractor interface {
	Extract(ctx context.Context, url string) Content
}

// Classifier assigns content to a bucket. Implementations never fail: internal
// errors produce a fallback classification.
type Classifier interface {
	Classify(ctx context.Context, content Content) Classification
}

// Sink appends a row to durable storage, creating the bucket's partition on
// first write. Implementations must be safe for concurrent use.
type Sink interface {
	Append(ctx context.Context, row Row) error
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch IDs.
type IDGenerator interface {
	NewID() (string, error)
}
