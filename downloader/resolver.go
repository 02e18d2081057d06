package downloader

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"wmefetch/internal"
	"wmefetch/utils"
)

// ResourceResolver discovers download metadata with HEAD requests. It
// implements internal.MetadataProber.
type ResourceResolver struct {
	httpClient *utils.HTTPClient
	endpoints  *utils.Endpoints
}

// NewResourceResolver creates a resolver that probes resources under endpoints.API.
func NewResourceResolver(httpClient *utils.HTTPClient, endpoints *utils.Endpoints) *ResourceResolver {
	return &ResourceResolver{
		httpClient: httpClient,
		endpoints:  endpoints,
	}
}

// Probe issues HEAD {base}/v2/{resourcePath} and reads the size and identity
// headers. A missing or malformed Content-Length is a data error.
func (r *ResourceResolver) Probe(ctx context.Context, resourcePath string) (*internal.ResourceMetadata, error) {
	target := r.endpoints.API(resourcePath)

	resp, err := r.httpClient.Execute(ctx, http.MethodHead, target)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	meta, dataErr := parseResourceHeaders(resp.Header)
	if dataErr != nil {
		return nil, dataErr.WithURL(http.MethodHead, target)
	}

	internal.LogDebug("Probed %s: %d bytes, etag %q", resourcePath, meta.ContentLength, meta.ETag)
	return meta, nil
}

func parseResourceHeaders(h http.Header) (*internal.ResourceMetadata, *internal.APIError) {
	raw := h.Get("Content-Length")
	if raw == "" {
		return nil, internal.NewDataError("response has no Content-Length header", nil)
	}
	length, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || length < 0 {
		return nil, internal.NewDataError("invalid Content-Length header", err).
			WithContext("content_length", raw)
	}

	meta := &internal.ResourceMetadata{
		ContentLength:   length,
		ETag:            strings.Trim(strings.TrimPrefix(h.Get("ETag"), "W/"), `"`),
		ContentType:     h.Get("Content-Type"),
		AcceptRanges:    h.Get("Accept-Ranges"),
		LastModifiedRaw: h.Get("Last-Modified"),
	}
	if meta.LastModifiedRaw != "" {
		if t, err := http.ParseTime(meta.LastModifiedRaw); err == nil {
			meta.LastModified = t
		}
	}
	return meta, nil
}
