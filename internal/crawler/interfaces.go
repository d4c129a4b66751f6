package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (FetchResponse, error)
}

// LinkSource turns one index page into the links of the next level.
type LinkSource interface {
	FetchLinks(ctx context.Context, page LinkRef, level Level) ([]LinkRef, error)
}

// Hasher computes digests for integrity markers.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
