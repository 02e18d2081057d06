package downloader

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wmefetch/internal"
	"wmefetch/utils"
)

// testState records what a range server was asked for.
type testState struct {
	mu       sync.Mutex
	ranges   []string
	gets     atomic.Int32
	inflight atomic.Int32
	peak     atomic.Int32
}

func (ts *testState) addRange(h string) {
	ts.mu.Lock()
	ts.ranges = append(ts.ranges, h)
	ts.mu.Unlock()
}

func (ts *testState) getRanges() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := append([]string(nil), ts.ranges...)
	sort.Strings(out)
	return out
}

func testPayload(n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(data)
	return data
}

// newRangeServer serves data with HEAD and Range support. fail, when set,
// may write its own response and return true to replace the normal one.
func newRangeServer(t *testing.T, data []byte, fail func(w http.ResponseWriter, r *http.Request) bool) (*httptest.Server, *testState) {
	t.Helper()
	state := &testState{}
	modTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			state.gets.Add(1)
			state.addRange(r.Header.Get("Range"))

			cur := state.inflight.Add(1)
			defer state.inflight.Add(-1)
			for {
				peak := state.peak.Load()
				if cur <= peak || state.peak.CompareAndSwap(peak, cur) {
					break
				}
			}
		}
		if fail != nil && fail(w, r) {
			return
		}
		w.Header().Set("ETag", `"v1"`)
		http.ServeContent(w, r, "", modTime, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)
	return server, state
}

func newTestEngine(t *testing.T, serverURL string, chunkSize int64, opts ...EngineOption) *ChunkedEngine {
	t.Helper()
	endpoints, err := utils.NewEndpoints(serverURL, serverURL, serverURL)
	require.NoError(t, err)
	client := utils.NewHTTPClientWithConfig(&utils.HTTPClientConfig{
		Timeout:     5 * time.Second,
		RetryConfig: &utils.RetryConfig{MaxRetries: 0},
	})
	return NewChunkedEngine(client, endpoints, chunkSize, opts...)
}

func TestChunkedEngine_DownloadToMemory(t *testing.T) {
	data := testPayload(2500)
	server, state := newRangeServer(t, data, nil)

	sink := utils.NewMemorySink(0)
	engine := newTestEngine(t, server.URL, 1000, WithConcurrency(3))
	require.NoError(t, engine.Download(context.Background(), "snapshots/enwiki_namespace_0/download", sink))

	assert.Equal(t, data, sink.Bytes())
	assert.Equal(t, []string{"bytes=0-999", "bytes=1000-1999", "bytes=2000-2499"}, state.getRanges())
}

func TestChunkedEngine_SingleRequestWhenChunkUnset(t *testing.T) {
	data := testPayload(4096)
	server, state := newRangeServer(t, data, nil)

	sink := utils.NewMemorySink(0)
	require.NoError(t, newTestEngine(t, server.URL, -1).Download(context.Background(), "chunks/x/download", sink))

	assert.Equal(t, data, sink.Bytes())
	assert.Equal(t, []string{"bytes=0-4095"}, state.getRanges())
}

func TestChunkedEngine_ZeroLengthSkipsGet(t *testing.T) {
	server, state := newRangeServer(t, []byte{}, nil)

	sink := utils.NewMemorySink(0)
	require.NoError(t, newTestEngine(t, server.URL, 1000).Download(context.Background(), "batches/x/download", sink))

	assert.Zero(t, state.gets.Load())
	assert.Zero(t, sink.Len())
}

func TestChunkedEngine_FirstFailureAborts(t *testing.T) {
	data := testPayload(2000)
	server, state := newRangeServer(t, data, func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Range") == "bytes=500-599" {
			w.WriteHeader(http.StatusInternalServerError)
			return true
		}
		return false
	})

	engine := newTestEngine(t, server.URL, 100, WithConcurrency(2))
	err := engine.Download(context.Background(), "snapshots/x/download", utils.NewMemorySink(0))
	require.Error(t, err)

	var transferErr *internal.TransferError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, int64(500), transferErr.Range.Start)
	assert.Equal(t, int64(599), transferErr.Range.End)
	assert.Equal(t, internal.StageRequest, transferErr.Stage)
	assert.True(t, transferErr.Retryable())
	assert.ErrorIs(t, err, internal.ErrStatus)

	assert.Less(t, int(state.gets.Load()), 20, "remaining chunks should not be requested")
}

func TestChunkedEngine_ConcurrencyBound(t *testing.T) {
	data := testPayload(1200)
	server, state := newRangeServer(t, data, func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method == http.MethodGet {
			time.Sleep(20 * time.Millisecond)
		}
		return false
	})

	sink := utils.NewMemorySink(0)
	require.NoError(t, newTestEngine(t, server.URL, 100, WithConcurrency(3)).Download(context.Background(), "x/download", sink))

	assert.Equal(t, data, sink.Bytes())
	assert.Equal(t, int32(12), state.gets.Load())
	assert.LessOrEqual(t, state.peak.Load(), int32(3))
}

func TestChunkedEngine_IgnoredRangeIsRejected(t *testing.T) {
	data := testPayload(2500)
	server, _ := newRangeServer(t, data, func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return true
		}
		return false
	})

	err := newTestEngine(t, server.URL, 1000, WithConcurrency(1)).Download(context.Background(), "x/download", utils.NewMemorySink(0))
	var transferErr *internal.TransferError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, internal.StageRequest, transferErr.Stage)

	// A plain 200 is fine when the single range is the whole resource.
	sink := utils.NewMemorySink(0)
	require.NoError(t, newTestEngine(t, server.URL, -1).Download(context.Background(), "x/download", sink))
	assert.Equal(t, data, sink.Bytes())
}

func TestChunkedEngine_MisplacedPartialContentIsRejected(t *testing.T) {
	data := testPayload(300)
	server, _ := newRangeServer(t, data, func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method != http.MethodGet {
			return false
		}
		// Always the first slice, whatever was asked for.
		w.Header().Set("Content-Range", "bytes 0-99/300")
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[:100])
		return true
	})

	err := newTestEngine(t, server.URL, 100, WithConcurrency(1)).Download(context.Background(), "x/download", utils.NewMemorySink(0))
	var transferErr *internal.TransferError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, internal.StageProcessing, transferErr.Stage)
	assert.Equal(t, int64(100), transferErr.Range.Start)
	assert.ErrorIs(t, err, internal.ErrData)
	assert.Contains(t, err.Error(), "content range mismatch")
}

func TestCheckContentRange(t *testing.T) {
	r := internal.ByteRange{Index: 1, Start: 100, End: 199}
	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{name: "exact", header: "bytes 100-199/300"},
		{name: "unknown_total", header: "bytes 100-199/*"},
		{name: "other_slice", header: "bytes 0-99/300", wantErr: true},
		{name: "longer_slice", header: "bytes 100-299/300", wantErr: true},
		{name: "total_changed", header: "bytes 100-199/400", wantErr: true},
		{name: "missing", header: "", wantErr: true},
		{name: "other_unit", header: "items 100-199/300", wantErr: true},
		{name: "garbage", header: "bytes x-y/z", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkContentRange(tt.header, r, 300)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

type failingSink struct{}

func (failingSink) WriteAt(p []byte, off int64) (int, error) {
	return 0, errors.New("disk full")
}

func TestChunkedEngine_SinkFailureIsProcessingStage(t *testing.T) {
	server, _ := newRangeServer(t, testPayload(300), nil)

	err := newTestEngine(t, server.URL, 100, WithConcurrency(1)).Download(context.Background(), "x/download", failingSink{})
	var transferErr *internal.TransferError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, internal.StageProcessing, transferErr.Stage)
	assert.False(t, transferErr.Retryable())
	assert.Contains(t, err.Error(), "disk full")
}

func TestChunkedEngine_ProbeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	err := newTestEngine(t, server.URL, 1000).Download(context.Background(), "snapshots/missing/download", utils.NewMemorySink(0))
	require.Error(t, err)
	assert.True(t, internal.IsNotFound(err))
}

func TestChunkedEngine_ContextCancel(t *testing.T) {
	data := testPayload(1000)
	server, _ := newRangeServer(t, data, func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method == http.MethodGet {
			<-r.Context().Done()
			return true
		}
		return false
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := newTestEngine(t, server.URL, 100, WithConcurrency(2)).Download(ctx, "x/download", utils.NewMemorySink(0))
	require.Error(t, err)
	assert.ErrorIs(t, err, internal.ErrRequest)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChunkedEngine_DownloadFile(t *testing.T) {
	data := testPayload(2500)
	server, _ := newRangeServer(t, data, nil)

	fileOps := utils.NewFileOperationsFS(memfs.New())
	engine := newTestEngine(t, server.URL, 1000, WithFileOperations(fileOps))

	const output = "/downloads/enwiki.tar.gz"
	require.NoError(t, engine.DownloadFile(context.Background(), "snapshots/enwiki_namespace_0/download", output))

	got, err := fileOps.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.False(t, fileOps.FileExists(output+PartFileExt))
	assert.False(t, fileOps.FileExists(output+ResumeMetadataExt))
}

func TestChunkedEngine_DownloadFileZeroLength(t *testing.T) {
	server, state := newRangeServer(t, []byte{}, nil)

	fileOps := utils.NewFileOperationsFS(memfs.New())
	engine := newTestEngine(t, server.URL, 1000, WithFileOperations(fileOps))
	require.NoError(t, engine.DownloadFile(context.Background(), "x/download", "/out/empty.ndjson"))

	size, err := fileOps.GetFileSize("/out/empty.ndjson")
	require.NoError(t, err)
	assert.Zero(t, size)
	assert.Zero(t, state.gets.Load())
}

func TestChunkedEngine_DownloadFileResumes(t *testing.T) {
	data := testPayload(2500)
	var broken atomic.Bool
	broken.Store(true)

	server, state := newRangeServer(t, data, func(w http.ResponseWriter, r *http.Request) bool {
		if broken.Load() && r.Header.Get("Range") == "bytes=2000-2499" {
			w.WriteHeader(http.StatusBadGateway)
			return true
		}
		return false
	})

	fileOps := utils.NewFileOperationsFS(memfs.New())
	engine := newTestEngine(t, server.URL, 1000, WithConcurrency(1), WithFileOperations(fileOps))

	const output = "/downloads/chunk.tar.gz"
	const resource = "chunks/enwiki_namespace_0_chunk_0/download"

	err := engine.DownloadFile(context.Background(), resource, output)
	require.Error(t, err)
	assert.True(t, fileOps.FileExists(output+PartFileExt))
	assert.False(t, fileOps.FileExists(output))

	saved, err := engine.Planner().LoadResumeMetadata(output)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, saved.Completed)

	broken.Store(false)
	state.mu.Lock()
	state.ranges = nil
	state.mu.Unlock()

	require.NoError(t, engine.DownloadFile(context.Background(), resource, output))
	assert.Equal(t, []string{"bytes=2000-2499"}, state.getRanges())

	got, err := fileOps.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.False(t, fileOps.FileExists(output+ResumeMetadataExt))
}
