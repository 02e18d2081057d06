package internal

import (
	"context"
	"io"
)

// Sink receives downloaded bytes at absolute offsets. Implementations must
// accept concurrent writes at disjoint offsets.
type Sink interface {
	io.WriterAt
}

// Truncater is implemented by sinks that can be pre-sized before a download.
type Truncater interface {
	Truncate(size int64) error
}

// MetadataProber discovers the size and identity of a downloadable resource.
type MetadataProber interface {
	Probe(ctx context.Context, resourcePath string) (*ResourceMetadata, error)
}

// Downloader fetches a whole resource into a sink.
type Downloader interface {
	Download(ctx context.Context, resourcePath string, sink Sink) error
}

// TokenProvider hands out a valid bearer token.
type TokenProvider interface {
	GetAccessToken(ctx context.Context) (string, error)
}

// StateClearer revokes and forgets persisted credentials.
type StateClearer interface {
	ClearState(ctx context.Context) error
}

// Authenticator is the part of the auth client the refresh helper depends on.
type Authenticator interface {
	TokenProvider
	StateClearer
}

// ForceRefresher renews a token before it expires. Authenticators that
// implement it are renewed early by the refresh helper.
type ForceRefresher interface {
	ForceRefresh(ctx context.Context) (string, error)
}

// RateLimiter throttles work by count (requests) or size (bytes).
type RateLimiter interface {
	Wait(ctx context.Context, n int) error
}
