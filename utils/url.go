package utils

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"wmefetch/internal"
)

// Endpoints builds absolute URLs for the three API hosts.
type Endpoints struct {
	base     string
	realtime string
	auth     string
}

// NewEndpoints validates the three base URLs.
func NewEndpoints(base, realtime, auth string) (*Endpoints, error) {
	for field, raw := range map[string]string{"base_url": base, "realtime_url": realtime, "auth_url": auth} {
		if err := ValidateBaseURL(raw); err != nil {
			return nil, internal.NewValidationErrorWithValue(field, err.Error(), raw)
		}
	}
	return &Endpoints{base: base, realtime: realtime, auth: auth}, nil
}

// EndpointsFromConfig returns endpoints for cfg.
func EndpointsFromConfig(cfg *internal.Config) (*Endpoints, error) {
	return NewEndpoints(cfg.BaseURL, cfg.RealtimeURL, cfg.AuthURL)
}

// API returns {base}/v2/{resourcePath}.
func (e *Endpoints) API(resourcePath string) string {
	return JoinURL(e.base, "v2", resourcePath)
}

// Realtime returns {realtime}/v2/{resourcePath}.
func (e *Endpoints) Realtime(resourcePath string) string {
	return JoinURL(e.realtime, "v2", resourcePath)
}

// Auth returns {auth}/{operation}.
func (e *Endpoints) Auth(operation string) string {
	return JoinURL(e.auth, operation)
}

// ValidateBaseURL requires an absolute http(s) URL with a host.
func ValidateBaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("URL cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL must use http or https scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("base URL must not carry a query or fragment")
	}
	return nil
}

// JoinURL joins base and parts with exactly one slash between each.
func JoinURL(base string, parts ...string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(p)
	}
	return b.String()
}

// ResourcePath escapes and joins path segments, e.g.
// ResourcePath("articles", "Albert Einstein") = "articles/Albert%20Einstein".
func ResourcePath(segments ...string) string {
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		if s == "" {
			continue
		}
		escaped = append(escaped, url.PathEscape(s))
	}
	return strings.Join(escaped, "/")
}

// BatchPrefix is the path of the hourly batch window containing t (UTC),
// formatted as batches/YYYY-MM-DD/HH.
func BatchPrefix(t time.Time) string {
	t = t.UTC()
	return ResourcePath("batches", t.Format("2006-01-02"), t.Format("15"))
}

// ValidateIdentifier rejects empty identifiers and ones that would escape
// their path segment.
func ValidateIdentifier(field, id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return internal.NewValidationError(field, "identifier cannot be empty")
	case id == "." || id == "..":
		return internal.NewValidationErrorWithValue(field, "identifier is not a valid path segment", id)
	case strings.ContainsAny(id, "/\\"):
		return internal.NewValidationErrorWithValue(field, "identifier must not contain path separators", id).
			WithSuggestion("Pass a single identifier such as enwiki_namespace_0")
	}
	return nil
}
