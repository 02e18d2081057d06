package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wmefetch/internal"
)

func TestParseFilter(t *testing.T) {
	tests := []struct {
		raw       string
		wantField string
		wantValue interface{}
		wantErr   bool
	}{
		{raw: "in_language.identifier=en", wantField: "in_language.identifier", wantValue: "en"},
		{raw: "namespace.identifier=0", wantField: "namespace.identifier", wantValue: float64(0)},
		{raw: "is_redirect=false", wantField: "is_redirect", wantValue: false},
		{raw: `name="AC/DC"`, wantField: "name", wantValue: "AC/DC"},
		{raw: "url=https://en.wikipedia.org/?a=b", wantField: "url", wantValue: "https://en.wikipedia.org/?a=b"},
		{raw: "empty=", wantField: "empty", wantValue: ""},
		{raw: "no-separator", wantErr: true},
		{raw: "=value", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			field, value, err := parseFilter(tt.raw)
			if tt.wantErr {
				var validationErr *internal.ValidationError
				require.ErrorAs(t, err, &validationErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantField, field)
			assert.Equal(t, tt.wantValue, value)
		})
	}
}

func TestQueryFlags_Build(t *testing.T) {
	t.Run("empty_is_nil", func(t *testing.T) {
		req, err := (&queryFlags{}).build()
		require.NoError(t, err)
		assert.Nil(t, req)
	})

	t.Run("all_members", func(t *testing.T) {
		q := &queryFlags{
			fields:  []string{"name", "url"},
			filters: []string{"is_part_of.identifier=enwiki", "namespace.identifier=0"},
			limit:   5,
			since:   "2024-05-01",
			parts:   []int{0, 1},
		}
		req, err := q.build()
		require.NoError(t, err)
		require.NotNil(t, req)

		assert.Equal(t, []string{"name", "url"}, req.Fields)
		assert.Equal(t, []internal.Filter{
			{Field: "is_part_of.identifier", Value: "enwiki"},
			{Field: "namespace.identifier", Value: float64(0)},
		}, req.Filters)
		assert.Equal(t, 5, req.Limit)
		assert.Equal(t, []int{0, 1}, req.Parts)
		require.NotNil(t, req.Since)
		assert.True(t, req.Since.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))
	})

	t.Run("bad_since", func(t *testing.T) {
		_, err := (&queryFlags{since: "yesterday"}).build()
		var validationErr *internal.ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, "since", validationErr.Field)
	})

	t.Run("negative_limit", func(t *testing.T) {
		_, err := (&queryFlags{limit: -1}).build()
		require.Error(t, err)
	})
}

func TestParseBatchHour(t *testing.T) {
	want := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	for _, in := range []string{"2024-05-01T13", "2024-05-01 13", "2024-05-01T13:45", "2024-05-01T13:45:10Z", "2024-05-01T15:45:10+02:00"} {
		got, err := parseBatchHour(in)
		require.NoError(t, err, in)
		assert.True(t, got.Equal(want), "%s parsed as %s", in, got)
	}

	got, err := parseBatchHour("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, got.Location())
	assert.Zero(t, got.Minute())

	_, err = parseBatchHour("13 o'clock")
	assert.Error(t, err)
}

func TestResourcePath(t *testing.T) {
	hour := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		kind    string
		ids     []string
		want    string
		wantErr bool
	}{
		{kind: kindSnapshot, ids: []string{"enwiki_namespace_0"}, want: "snapshots/enwiki_namespace_0/download"},
		{kind: kindChunk, ids: []string{"enwiki_namespace_0", "enwiki_namespace_0_chunk_0"},
			want: "snapshots/enwiki_namespace_0/chunks/enwiki_namespace_0_chunk_0/download"},
		{kind: kindBatch, ids: []string{"enwiki_namespace_0"}, want: "batches/2024-05-01/08/enwiki_namespace_0/download"},
		{kind: kindStructuredSnapshot, ids: []string{"enwiki_namespace_0"},
			want: "snapshots/structured-contents/enwiki_namespace_0/download"},
		{kind: kindChunk, ids: []string{"enwiki_namespace_0"}, wantErr: true},
		{kind: kindSnapshot, ids: []string{"a", "b"}, wantErr: true},
		{kind: kindSnapshot, ids: []string{"../etc"}, wantErr: true},
		{kind: "dump", ids: []string{"enwiki"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			got, err := resourcePath(tt.kind, tt.ids, hour)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveLookup(t *testing.T) {
	_, ids, err := resolveLookup([]string{"chunk", "enwiki_namespace_0", "enwiki_namespace_0_chunk_0"})
	require.NoError(t, err)
	assert.Equal(t, []string{"enwiki_namespace_0", "enwiki_namespace_0_chunk_0"}, ids)

	_, _, err = resolveLookup([]string{"projects", "extra"})
	assert.Error(t, err)

	_, _, err = resolveLookup([]string{"dumps"})
	var validationErr *internal.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Suggestion, "structured-snapshots")
}

func TestRecordPrinter_StopsAtLimit(t *testing.T) {
	var out bytes.Buffer
	printer := newRecordPrinter(&out, 2)

	assert.Equal(t, internal.Continue, printer.Print(internal.Record{"name": "Earth"}))
	assert.Equal(t, internal.Stop, printer.Print(internal.Record{"name": "Mars"}))
	assert.Equal(t, "{\"name\":\"Earth\"}\n{\"name\":\"Mars\"}\n", out.String())
}
