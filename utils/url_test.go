package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpoints(t *testing.T) {
	e, err := NewEndpoints(
		"https://api.enterprise.wikimedia.com/",
		"https://realtime.enterprise.wikimedia.com",
		"https://auth.enterprise.wikimedia.com/v1/",
	)
	require.NoError(t, err)

	assert.Equal(t, "https://api.enterprise.wikimedia.com/v2/snapshots/enwiki_namespace_0/download",
		e.API("snapshots/enwiki_namespace_0/download"))
	assert.Equal(t, "https://realtime.enterprise.wikimedia.com/v2/articles", e.Realtime("articles"))
	assert.Equal(t, "https://auth.enterprise.wikimedia.com/v1/token-refresh", e.Auth("token-refresh"))
}

func TestNewEndpoints_Invalid(t *testing.T) {
	_, err := NewEndpoints("ftp://x", "https://r", "https://a")
	assert.Error(t, err)
}

func TestValidateBaseURL(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
	}{
		{"https://api.example.com/", false},
		{"http://localhost:8080", false},
		{"", true},
		{"api.example.com", true},
		{"https://", true},
		{"https://api.example.com/?x=1", true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			err := ValidateBaseURL(tt.raw)
			assert.Equal(t, tt.wantErr, err != nil, "err = %v", err)
		})
	}
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "https://h/v2/a/b", JoinURL("https://h/", "/v2/", "a/b"))
	assert.Equal(t, "https://h/v2", JoinURL("https://h", "v2", ""))
}

func TestResourcePath(t *testing.T) {
	assert.Equal(t, "articles/Albert%20Einstein", ResourcePath("articles", "Albert Einstein"))
	assert.Equal(t, "articles/AC%2FDC", ResourcePath("articles", "AC/DC"))
	assert.Equal(t, "snapshots/enwiki_namespace_0/chunks/enwiki_namespace_0_chunk_0",
		ResourcePath("snapshots", "enwiki_namespace_0", "chunks", "enwiki_namespace_0_chunk_0"))
}

func TestBatchPrefix(t *testing.T) {
	ts := time.Date(2024, 3, 9, 7, 45, 0, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "batches/2024-03-09/06", BatchPrefix(ts))
}

func TestValidateIdentifier(t *testing.T) {
	assert.NoError(t, ValidateIdentifier("snapshot", "enwiki_namespace_0"))
	assert.Error(t, ValidateIdentifier("snapshot", ""))
	assert.Error(t, ValidateIdentifier("snapshot", ".."))
	assert.Error(t, ValidateIdentifier("snapshot", "a/b"))
}
