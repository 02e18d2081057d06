package internal

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// ByteRange is an inclusive byte interval of a remote resource.
type ByteRange struct {
	Index int   `json:"index"`
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start + 1
}

// Header renders the range as a Range header value.
func (r ByteRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// ResourceMetadata is what a HEAD probe reports about a downloadable resource.
type ResourceMetadata struct {
	ContentLength   int64     `json:"content_length"`
	ETag            string    `json:"etag,omitempty"`
	ContentType     string    `json:"content_type,omitempty"`
	AcceptRanges    string    `json:"accept_ranges,omitempty"`
	LastModified    time.Time `json:"last_modified,omitempty"`
	LastModifiedRaw string    `json:"last_modified_raw,omitempty"`
}

// Record is one decoded JSON object from an NDJSON stream.
type Record map[string]interface{}

// Action is what a record consumer asks the decoder to do next.
type Action int

const (
	Continue Action = iota
	Stop
)

func (a Action) String() string {
	if a == Stop {
		return "stop"
	}
	return "continue"
}

// RecordCallback receives records in stream order.
type RecordCallback func(Record) Action

// Credentials are the account username and password used for login and refresh.
type Credentials struct {
	Username string
	Password string
}

// TokenStore is the persisted token state. Timestamps are serialized as RFC 3339.
type TokenStore struct {
	AccessToken             string    `json:"access_token"`
	AccessTokenGeneratedAt  time.Time `json:"access_token_generated_at"`
	RefreshToken            string    `json:"refresh_token"`
	RefreshTokenGeneratedAt time.Time `json:"refresh_token_generated_at"`
}

// TokenResponse is the body returned by login and token refresh.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Filter narrows a lookup to records whose field equals value.
type Filter struct {
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

// FiltersFromMap converts a field->value map into filters ordered by field name.
func FiltersFromMap(m map[string]interface{}) []Filter {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	filters := make([]Filter, 0, len(keys))
	for _, k := range keys {
		filters = append(filters, Filter{Field: k, Value: m[k]})
	}
	return filters
}

// Request is the query payload sent to lookup and streaming endpoints.
// Zero-valued members are left out of the JSON body.
type Request struct {
	Since             *time.Time        `json:"-"`
	Fields            []string          `json:"fields,omitempty"`
	Filters           []Filter          `json:"filters,omitempty"`
	Limit             int               `json:"limit,omitempty"`
	Parts             []int             `json:"parts,omitempty"`
	Offsets           map[int]int64     `json:"-"`
	SincePerPartition map[int]time.Time `json:"-"`
}

// MarshalJSON renders timestamps as RFC 3339 and partition maps with string keys.
func (r Request) MarshalJSON() ([]byte, error) {
	type plain Request
	out := struct {
		plain
		Since             string            `json:"since,omitempty"`
		Offsets           map[string]int64  `json:"offsets,omitempty"`
		SincePerPartition map[string]string `json:"since_per_partition,omitempty"`
	}{plain: plain(r)}

	if r.Since != nil && !r.Since.IsZero() {
		out.Since = r.Since.UTC().Format(time.RFC3339)
	}
	if len(r.Offsets) > 0 {
		out.Offsets = make(map[string]int64, len(r.Offsets))
		for p, off := range r.Offsets {
			out.Offsets[strconv.Itoa(p)] = off
		}
	}
	if len(r.SincePerPartition) > 0 {
		out.SincePerPartition = make(map[string]string, len(r.SincePerPartition))
		for p, ts := range r.SincePerPartition {
			out.SincePerPartition[strconv.Itoa(p)] = ts.UTC().Format(time.RFC3339)
		}
	}
	return json.Marshal(out)
}

// ResumeMetadata lets an interrupted file download pick up where it stopped.
type ResumeMetadata struct {
	Resource      string    `json:"resource"`
	ETag          string    `json:"etag,omitempty"`
	ContentLength int64     `json:"content_length"`
	ChunkSize     int64     `json:"chunk_size"`
	Completed     []int     `json:"completed"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Matches reports whether the metadata describes the same remote content and plan.
func (m *ResumeMetadata) Matches(resource string, meta *ResourceMetadata, chunkSize int64) bool {
	return m.Resource == resource &&
		m.ETag == meta.ETag &&
		m.ContentLength == meta.ContentLength &&
		m.ChunkSize == chunkSize
}
