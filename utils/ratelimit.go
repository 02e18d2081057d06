package utils

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"wmefetch/internal"
)

var (
	_ internal.RateLimiter = (*RequestLimiter)(nil)
	_ internal.RateLimiter = (*BandwidthLimiter)(nil)
)

// RequestLimiter spaces outgoing requests at least one period apart. The
// first request goes out immediately. A nil *RequestLimiter never waits.
type RequestLimiter struct {
	limiter *rate.Limiter
	period  time.Duration
}

// NewRequestLimiter returns a limiter allowing requestsPerSecond requests per
// second, or nil when requestsPerSecond <= 0.
func NewRequestLimiter(requestsPerSecond float64) *RequestLimiter {
	if requestsPerSecond <= 0 {
		return nil
	}
	period := time.Duration(float64(time.Second) / requestsPerSecond)
	return &RequestLimiter{
		limiter: rate.NewLimiter(rate.Every(period), 1),
		period:  period,
	}
}

// Wait blocks until the next request may be sent. n is ignored; every call
// counts as one request.
func (l *RequestLimiter) Wait(ctx context.Context, _ int) error {
	if l == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// Period is the minimum spacing between two requests.
func (l *RequestLimiter) Period() time.Duration {
	if l == nil {
		return 0
	}
	return l.period
}

// BandwidthLimiter caps the aggregate byte rate of all chunk workers sharing it.
type BandwidthLimiter struct {
	limiter *rate.Limiter
	burst   int
}

// minBurst keeps a single copy buffer within one WaitN call.
const minBurst = 32 * 1024

// NewBandwidthLimiter returns nil when bytesPerSecond <= 0.
func NewBandwidthLimiter(bytesPerSecond int64) *BandwidthLimiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(bytesPerSecond)
	if burst < minBurst {
		burst = minBurst
	}
	return &BandwidthLimiter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		burst:   burst,
	}
}

// Wait blocks until n bytes may be consumed.
func (l *BandwidthLimiter) Wait(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}
	for n > 0 {
		take := n
		if take > l.burst {
			take = l.burst
		}
		if err := l.limiter.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// ParseRateLimit parses a bandwidth value such as "500K", "2.5MB" or "1048576"
// into bytes per second. An empty string means unlimited (0).
func ParseRateLimit(rateStr string) (int64, error) {
	rateStr = strings.TrimSpace(rateStr)
	if rateStr == "" {
		return 0, nil
	}

	if val, err := strconv.ParseInt(rateStr, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("rate cannot be negative: %d", val)
		}
		return val, nil
	}

	upper := strings.ToUpper(rateStr)
	numStr, suffix := rateStr, ""
	for _, s := range []string{"KB", "MB", "GB", "TB", "B", "K", "M", "G", "T"} {
		if strings.HasSuffix(upper, s) && len(upper) > len(s) {
			numStr, suffix = rateStr[:len(rateStr)-len(s)], s
			break
		}
	}
	if suffix == "" {
		return 0, fmt.Errorf("invalid rate format: %s", rateStr)
	}

	baseValue, err := strconv.ParseFloat(strings.TrimSpace(numStr), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value in rate: %s", numStr)
	}
	if baseValue < 0 {
		return 0, fmt.Errorf("rate cannot be negative: %g", baseValue)
	}

	var multiplier float64
	switch suffix {
	case "B":
		multiplier = 1
	case "K", "KB":
		multiplier = 1 << 10
	case "M", "MB":
		multiplier = 1 << 20
	case "G", "GB":
		multiplier = 1 << 30
	case "T", "TB":
		multiplier = 1 << 40
	}

	result := baseValue * multiplier
	if result > float64(1<<62) {
		return 0, fmt.Errorf("rate value overflow")
	}
	return int64(result), nil
}
