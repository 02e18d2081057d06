// Package decoder turns NDJSON byte streams (archive members, the realtime
// feed) into records delivered to a callback.
package decoder

import (
	"bufio"
	"bytes"
	"io"

	jsoniter "github.com/json-iterator/go"

	"wmefetch/internal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Stats counts what a decode pass did with each line.
type Stats struct {
	Delivered int
	Skipped   int
}

type options struct {
	maxLineSize int
	stats       *Stats
}

// Option configures ReadRecords, ReadAll and Subscriber.
type Option func(*options)

// WithMaxLineSize sets the longest accepted line in bytes.
func WithMaxLineSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxLineSize = n
		}
	}
}

// WithStats collects line counts into s. s is not safe for concurrent decodes.
func WithStats(s *Stats) Option {
	return func(o *options) {
		o.stats = s
	}
}

func newOptions(opts []Option) *options {
	o := &options{maxLineSize: internal.DefaultScannerBufferSize}
	for _, opt := range opts {
		opt(o)
	}
	if o.stats == nil {
		o.stats = &Stats{}
	}
	return o
}

// ReadRecords decodes one JSON object per line from r and hands each to cb in
// order. Blank lines are ignored. Lines that are not JSON objects are logged
// and skipped. It returns Stop as soon as cb does, without reading further.
// Read failures, including a line longer than the configured maximum, are
// returned as a DataError.
func ReadRecords(r io.Reader, cb internal.RecordCallback, opts ...Option) (internal.Action, error) {
	o := newOptions(opts)

	initial := 64 * 1024
	if initial > o.maxLineSize {
		initial = o.maxLineSize
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initial), o.maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var rec internal.Record
		if err := json.Unmarshal(raw, &rec); err != nil || rec == nil {
			o.stats.Skipped++
			internal.LogWarn("Skipping malformed record on line %d: %v", line, errOrNull(err))
			continue
		}

		o.stats.Delivered++
		if cb(rec) == internal.Stop {
			return internal.Stop, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return internal.Continue, internal.NewDataError("failed to read record stream", err).
			WithContext("line", line+1)
	}
	return internal.Continue, nil
}

type nullRecordError struct{}

func (nullRecordError) Error() string { return "line is JSON null" }

func errOrNull(err error) error {
	if err != nil {
		return err
	}
	return nullRecordError{}
}
