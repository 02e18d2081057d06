package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestLimiter_Disabled(t *testing.T) {
	for _, rps := range []float64{0, -1} {
		l := NewRequestLimiter(rps)
		assert.Nil(t, l)
		assert.NoError(t, l.Wait(context.Background(), 1))
		assert.Zero(t, l.Period())
	}
}

func TestRequestLimiter_Spacing(t *testing.T) {
	l := NewRequestLimiter(10)
	require.NotNil(t, l)
	assert.Equal(t, 100*time.Millisecond, l.Period())

	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), 1))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "first request is not delayed")

	require.NoError(t, l.Wait(context.Background(), 1))
	require.NoError(t, l.Wait(context.Background(), 1))
	assert.GreaterOrEqual(t, time.Since(start), 190*time.Millisecond)
}

func TestRequestLimiter_ContextCancel(t *testing.T) {
	l := NewRequestLimiter(0.5)
	require.NoError(t, l.Wait(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, 1))
}

func TestBandwidthLimiter(t *testing.T) {
	assert.Nil(t, NewBandwidthLimiter(0))

	l := NewBandwidthLimiter(64 * 1024)
	require.NotNil(t, l)

	start := time.Now()
	// the first 64K is the burst, the next 32K takes ~0.5s
	require.NoError(t, l.Wait(context.Background(), 64*1024))
	require.NoError(t, l.Wait(context.Background(), 32*1024))
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestBandwidthLimiter_LargeRequestsAreSplit(t *testing.T) {
	l := NewBandwidthLimiter(1 << 20)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, l.Wait(ctx, 1<<20+1))
}

func TestParseRateLimit(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"1048576", 1048576, false},
		{"100B", 100, false},
		{"500K", 500 * 1024, false},
		{"500KB", 500 * 1024, false},
		{"2.5M", int64(2.5 * 1024 * 1024), false},
		{"1G", 1 << 30, false},
		{"1gb", 1 << 30, false},
		{"abc", 0, true},
		{"5X", 0, true},
		{"-5M", 0, true},
		{"M", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseRateLimit(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
