package utils

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/proxy"

	"wmefetch/internal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxErrBodySize caps how much of a failed response body is kept on a StatusError.
const maxErrBodySize = 4 << 10

const tracerName = "wmefetch/utils"

// RetryConfig defines transport-level retry behavior. Only transport failures
// are retried; responses with an error status never are.
type RetryConfig struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterPercent float64
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:    3,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		Multiplier:    2.0,
		JitterPercent: 0.1,
	}
}

// HTTPClientConfig contains configuration for the HTTP client
type HTTPClientConfig struct {
	Timeout            time.Duration
	ProxyURL           string
	UserAgent          string
	RateLimitPerSecond float64
	RetryConfig        *RetryConfig
	// Transport overrides the tuned default transport.
	Transport http.RoundTripper
}

// HTTPClient executes API requests: it throttles, authenticates, traces and
// classifies every call. It is safe for concurrent use.
type HTTPClient struct {
	client      *http.Client
	stream      *http.Client
	limiter     *RequestLimiter
	retryConfig *RetryConfig
	tracer      trace.Tracer

	mutex     sync.RWMutex
	userAgent string
	token     string
}

// RequestOption customizes a single outgoing request.
type RequestOption func(*http.Request) error

// WithHeader sets a request header.
func WithHeader(key, value string) RequestOption {
	return func(req *http.Request) error {
		req.Header.Set(key, value)
		return nil
	}
}

// WithRange asks for an inclusive byte range.
func WithRange(r internal.ByteRange) RequestOption {
	return WithHeader("Range", r.Header())
}

// WithJSONBody encodes v as the request body.
func WithJSONBody(v interface{}) RequestOption {
	return func(req *http.Request) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(data))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
		req.ContentLength = int64(len(data))
		return nil
	}
}

// NewHTTPClient creates a new HTTP client with default configuration
func NewHTTPClient() *HTTPClient {
	return NewHTTPClientWithConfig(&HTTPClientConfig{
		Timeout:     30 * time.Second,
		UserAgent:   internal.DefaultUserAgent,
		RetryConfig: DefaultRetryConfig(),
	})
}

// NewHTTPClientFromConfig builds the client described by the application config.
func NewHTTPClientFromConfig(cfg *internal.Config) *HTTPClient {
	retry := DefaultRetryConfig()
	retry.MaxRetries = cfg.MaxRetries
	return NewHTTPClientWithConfig(&HTTPClientConfig{
		Timeout:            cfg.Timeout,
		ProxyURL:           cfg.ProxyURL,
		UserAgent:          cfg.UserAgent,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RetryConfig:        retry,
	})
}

// NewHTTPClientWithConfig creates a new HTTP client with custom configuration
func NewHTTPClientWithConfig(config *HTTPClientConfig) *HTTPClient {
	if config.RetryConfig == nil {
		config.RetryConfig = DefaultRetryConfig()
	}
	if config.UserAgent == "" {
		config.UserAgent = internal.DefaultUserAgent
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	transport := config.Transport
	if transport == nil {
		t := &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: config.Timeout,
			ExpectContinueTimeout: 1 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
		if config.ProxyURL != "" {
			if err := configureProxy(t, config.ProxyURL); err != nil {
				internal.LogWarn("Failed to configure proxy %s: %v", config.ProxyURL, err)
			}
		}
		transport = t
	}

	checkRedirect := func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects")
		}
		return nil
	}

	return &HTTPClient{
		client: &http.Client{
			Transport:     transport,
			Timeout:       config.Timeout,
			CheckRedirect: checkRedirect,
		},
		// Long-lived bodies (archives, the realtime feed) must not be cut
		// off by the overall client timeout.
		stream: &http.Client{
			Transport:     transport,
			CheckRedirect: checkRedirect,
		},
		limiter:     NewRequestLimiter(config.RateLimitPerSecond),
		retryConfig: config.RetryConfig,
		tracer:      otel.Tracer(tracerName),
		userAgent:   config.UserAgent,
	}
}

// configureProxy sets up proxy configuration for the transport
func configureProxy(transport *http.Transport, proxyURL string) error {
	parsedURL, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch parsedURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsedURL)
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if parsedURL.User != nil {
			password, _ := parsedURL.User.Password()
			auth = &proxy.Auth{User: parsedURL.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsedURL.Host, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("failed to create SOCKS5 proxy: %w", err)
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return fmt.Errorf("unsupported proxy scheme: %s", parsedURL.Scheme)
	}

	return nil
}

// SetAccessToken replaces the bearer token sent on every request. An empty
// token removes the Authorization header.
func (c *HTTPClient) SetAccessToken(token string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.token = token
}

// AccessToken returns the bearer token currently in use.
func (c *HTTPClient) AccessToken() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.token
}

// UserAgent returns the user agent sent on every request.
func (c *HTTPClient) UserAgent() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.userAgent
}

// Execute performs a bounded request (lookups, probes, auth calls). The
// caller owns the returned body.
func (c *HTTPClient) Execute(ctx context.Context, method, rawURL string, opts ...RequestOption) (*http.Response, error) {
	return c.do(ctx, c.client, method, rawURL, opts)
}

// Stream performs a request whose body may be read for a long time, such as
// a download range or the realtime feed. The caller owns the returned body.
func (c *HTTPClient) Stream(ctx context.Context, method, rawURL string, opts ...RequestOption) (*http.Response, error) {
	return c.do(ctx, c.stream, method, rawURL, opts)
}

func (c *HTTPClient) do(ctx context.Context, client *http.Client, method, rawURL string, opts []RequestOption) (*http.Response, error) {
	requestID := uuid.NewString()

	ctx, span := c.tracer.Start(ctx, "HTTP "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", urlPath(rawURL)),
			attribute.String("request.id", requestID),
		))
	defer span.End()

	resp, err := c.executeWithRetryContext(ctx, method, rawURL, func() (*http.Response, error) {
		if err := c.limiter.Wait(ctx, 1); err != nil {
			return nil, internal.NewRequestError(method, rawURL, err)
		}

		req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		c.mutex.RLock()
		req.Header.Set("User-Agent", c.userAgent)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		c.mutex.RUnlock()
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-ID", requestID)

		for _, opt := range opts {
			if err := opt(req); err != nil {
				return nil, err
			}
		}

		internal.GetLogger().LogHTTPRequest(req)

		resp, err := client.Do(req)
		if err != nil {
			return nil, internal.NewRequestError(method, rawURL, err).WithContext("request_id", requestID)
		}
		return resp, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	internal.GetLogger().LogHTTPResponse(resp)

	if resp.StatusCode >= http.StatusBadRequest {
		body := readErrorBody(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			internal.LogWarn("Received 429 Too Many Requests for %s %s; client may retry", method, rawURL)
		} else {
			internal.LogError("HTTP error %d for %s %s", resp.StatusCode, method, rawURL)
		}

		statusErr := internal.NewStatusError(method, rawURL, resp.StatusCode, body).
			WithContext("request_id", requestID)
		span.SetStatus(codes.Error, statusErr.Message)
		return nil, statusErr
	}

	internal.LogDebug("Request successful: %s %s -> %d", method, rawURL, resp.StatusCode)
	return resp, nil
}

func readErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrBodySize))
	return string(data)
}

func urlPath(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return u.Path
	}
	return ""
}

// executeWithRetryContext retries fn on transport failures with exponential
// backoff. Status responses are returned as-is for the caller to classify.
func (c *HTTPClient) executeWithRetryContext(ctx context.Context, method, rawURL string, fn func() (*http.Response, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.calculateDelay(attempt)
			internal.LogDebug("Retrying %s %s in %v (attempt %d/%d): %v",
				method, rawURL, delay, attempt, c.retryConfig.MaxRetries, lastErr)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, internal.NewRequestError(method, rawURL, ctx.Err())
			}
		}

		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !c.isRetryableError(ctx, err) {
			return nil, err
		}
	}

	return nil, lastErr
}

// calculateDelay calculates the delay for the next retry attempt
func (c *HTTPClient) calculateDelay(attempt int) time.Duration {
	delay := float64(c.retryConfig.BaseDelay) * math.Pow(c.retryConfig.Multiplier, float64(attempt-1))

	jitter := delay * c.retryConfig.JitterPercent * (rand.Float64()*2 - 1)
	delay += jitter

	if delay > float64(c.retryConfig.MaxDelay) {
		delay = float64(c.retryConfig.MaxDelay)
	}
	if delay < 0 {
		delay = float64(c.retryConfig.BaseDelay)
	}

	return time.Duration(delay)
}

// isRetryableError is true only for transport failures that were not caused
// by the caller giving up.
func (c *HTTPClient) isRetryableError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, internal.ErrRequest)
}

// DecodeJSON decodes the response body into out and closes it. Malformed JSON
// is reported as a DataError.
func DecodeJSON(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		method, target := "", ""
		if resp.Request != nil {
			method, target = resp.Request.Method, resp.Request.URL.String()
		}
		return internal.NewDataError("failed to decode JSON response", err).WithURL(method, target)
	}
	return nil
}
