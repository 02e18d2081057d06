package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"wmefetch/downloader"
	"wmefetch/internal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Resource kinds accepted by head, download and read.
const (
	kindSnapshot           = "snapshot"
	kindChunk              = "chunk"
	kindBatch              = "batch"
	kindStructuredSnapshot = "structured-snapshot"
)

var batchHourLayouts = []string{
	time.RFC3339,
	"2006-01-02T15",
	"2006-01-02 15",
	"2006-01-02T15:04",
}

var sinceLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// queryFlags collects the request-shaping flags shared by get and stream.
type queryFlags struct {
	fields  []string
	filters []string
	limit   int
	since   string
	parts   []int
}

func (q *queryFlags) bind(cmd *cobra.Command, streaming bool) {
	flags := cmd.Flags()
	flags.StringSliceVar(&q.fields, "fields", nil, "Fields to return, e.g. name,url,version.identifier")
	flags.StringArrayVar(&q.filters, "filter", nil, "Filter as field=value (repeatable); JSON values are decoded")
	flags.IntVar(&q.limit, "limit", 0, "Maximum number of records (0 for no limit)")
	if streaming {
		flags.StringVar(&q.since, "since", "", "Only events after this time (RFC 3339 or YYYY-MM-DD)")
		flags.IntSliceVar(&q.parts, "parts", nil, "Stream partitions to subscribe to")
	}
}

// build turns the parsed flags into a request. It returns nil when no flag
// was set, so lookups go out without a body.
func (q *queryFlags) build() (*internal.Request, error) {
	req := &internal.Request{
		Fields: q.fields,
		Limit:  q.limit,
		Parts:  q.parts,
	}
	if q.limit < 0 {
		return nil, internal.NewValidationErrorWithValue("limit", "must not be negative", q.limit)
	}

	if len(q.filters) > 0 {
		values := make(map[string]interface{}, len(q.filters))
		for _, raw := range q.filters {
			field, value, err := parseFilter(raw)
			if err != nil {
				return nil, err
			}
			values[field] = value
		}
		req.Filters = internal.FiltersFromMap(values)
	}

	if q.since != "" {
		since, err := parseTime("since", q.since, sinceLayouts)
		if err != nil {
			return nil, err
		}
		req.Since = &since
	}

	if len(req.Fields) == 0 && len(req.Filters) == 0 && req.Limit == 0 && len(req.Parts) == 0 && req.Since == nil {
		return nil, nil
	}
	return req, nil
}

// parseFilter splits "field=value". Values that parse as JSON keep their
// type; anything else is sent as a string.
func parseFilter(raw string) (string, interface{}, error) {
	field, value, ok := strings.Cut(raw, "=")
	field = strings.TrimSpace(field)
	if !ok || field == "" {
		return "", nil, internal.NewValidationErrorWithValue("filter", "must be field=value", raw).
			WithSuggestion("Use --filter in_language.identifier=en")
	}

	var decoded interface{}
	if err := json.Unmarshal([]byte(value), &decoded); err == nil && decoded != nil {
		return field, decoded, nil
	}
	return field, value, nil
}

func parseTime(field, value string, layouts []string) (time.Time, error) {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, internal.NewValidationErrorWithValue(field, "unrecognized time format", value).
		WithSuggestion("Use RFC 3339, e.g. 2024-05-01T13:00:00Z")
}

// parseBatchHour resolves the --hour flag; empty means the current UTC hour.
func parseBatchHour(value string) (time.Time, error) {
	if value == "" {
		return currentHour(), nil
	}
	t, err := parseTime("hour", value, batchHourLayouts)
	if err != nil {
		return time.Time{}, err
	}
	return t.Truncate(time.Hour), nil
}

// resourcePath maps a kind and its identifiers to a download path.
func resourcePath(kind string, ids []string, hour time.Time) (string, error) {
	want := 1
	if kind == kindChunk {
		want = 2
	}
	if len(ids) != want {
		return "", internal.NewValidationErrorWithValue("arguments",
			fmt.Sprintf("%s takes %d identifier(s)", kind, want), strings.Join(ids, " "))
	}

	switch kind {
	case kindSnapshot:
		return downloader.SnapshotPath(ids[0])
	case kindChunk:
		return downloader.ChunkPath(ids[0], ids[1])
	case kindBatch:
		return downloader.BatchPath(hour, ids[0])
	case kindStructuredSnapshot:
		return downloader.StructuredSnapshotPath(ids[0])
	default:
		return "", internal.NewValidationErrorWithValue("kind", "unknown resource kind", kind).
			WithSuggestion("Use snapshot, chunk, batch or structured-snapshot")
	}
}

// defaultOutputName names a download after its last identifier.
func defaultOutputName(ids []string) string {
	return ids[len(ids)-1] + ".tar.gz"
}

// recordPrinter writes records as NDJSON and stops after limit records.
type recordPrinter struct {
	enc   *jsoniter.Encoder
	limit int
	count int
}

func newRecordPrinter(w io.Writer, limit int) *recordPrinter {
	return &recordPrinter{enc: json.NewEncoder(w), limit: limit}
}

func (p *recordPrinter) Print(record internal.Record) internal.Action {
	if err := p.enc.Encode(record); err != nil {
		internal.LogError("Failed to write record: %v", err)
		return internal.Stop
	}
	p.count++
	if p.limit > 0 && p.count >= p.limit {
		return internal.Stop
	}
	return internal.Continue
}

func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
