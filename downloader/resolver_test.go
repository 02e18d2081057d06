package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wmefetch/internal"
	"wmefetch/utils"
)

func newTestResolver(t *testing.T, handler http.HandlerFunc) *ResourceResolver {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	endpoints, err := utils.NewEndpoints(server.URL, server.URL, server.URL)
	require.NoError(t, err)
	client := utils.NewHTTPClientWithConfig(&utils.HTTPClientConfig{
		Timeout:     2 * time.Second,
		RetryConfig: &utils.RetryConfig{MaxRetries: 0},
	})
	return NewResourceResolver(client, endpoints)
}

func TestResourceResolver_Probe(t *testing.T) {
	var method, path string
	resolver := newTestResolver(t, func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.Header().Set("Content-Length", "1073741824")
		w.Header().Set("ETag", `W/"9f3c2a"`)
		w.Header().Set("Content-Type", "application/gzip")
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Last-Modified", "Wed, 01 May 2024 12:00:00 GMT")
	})

	meta, err := resolver.Probe(context.Background(), "snapshots/enwiki_namespace_0/download")
	require.NoError(t, err)

	assert.Equal(t, http.MethodHead, method)
	assert.Equal(t, "/v2/snapshots/enwiki_namespace_0/download", path)
	assert.Equal(t, int64(1073741824), meta.ContentLength)
	assert.Equal(t, "9f3c2a", meta.ETag)
	assert.Equal(t, "application/gzip", meta.ContentType)
	assert.Equal(t, "bytes", meta.AcceptRanges)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), meta.LastModified.UTC())
}

func TestParseResourceHeaders_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
	}{
		{"missing", http.Header{}},
		{"not_a_number", http.Header{"Content-Length": []string{"lots"}}},
		{"negative", http.Header{"Content-Length": []string{"-5"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseResourceHeaders(tt.header)
			require.NotNil(t, err)
			assert.ErrorIs(t, err, internal.ErrData)
		})
	}
}

func TestParseResourceHeaders_UnparsableLastModified(t *testing.T) {
	meta, err := parseResourceHeaders(http.Header{
		"Content-Length": []string{"10"},
		"Last-Modified":  []string{"yesterday"},
	})
	require.Nil(t, err)
	assert.Equal(t, int64(10), meta.ContentLength)
	assert.True(t, meta.LastModified.IsZero())
	assert.Equal(t, "yesterday", meta.LastModifiedRaw)
}

func TestResourceResolver_ProbeStatusError(t *testing.T) {
	resolver := newTestResolver(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := resolver.Probe(context.Background(), "snapshots/x/download")
	require.Error(t, err)
	assert.ErrorIs(t, err, internal.ErrStatus)
}
