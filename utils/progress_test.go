package utils

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressTracker_ConcurrentAdd(t *testing.T) {
	tracker := NewProgressTracker(8000, true)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				tracker.Add(100)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(8000), tracker.Current())

	summary := tracker.Finish()
	assert.Equal(t, int64(8000), summary.TotalBytes)
	assert.True(t, tracker.IsQuiet())
}

func TestProgressTracker_Write(t *testing.T) {
	tracker := NewProgressTracker(10, true)
	n, err := tracker.Write([]byte("hello"))
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(5), tracker.Current())
}

func TestProgressTracker_VisibleSummary(t *testing.T) {
	var out bytes.Buffer
	tracker := newProgressTracker(2048, false, &out)
	tracker.SetLabel("enwiki_namespace_0")
	tracker.Add(2048)

	summary := tracker.Finish()
	assert.Equal(t, "enwiki_namespace_0", summary.Resource)
	assert.Contains(t, out.String(), "Downloaded 2.0 KB")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "2.0 MB", formatBytes(2*1024*1024))
}
