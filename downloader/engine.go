package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"wmefetch/internal"
	"wmefetch/utils"
)

// DefaultConcurrency is the number of chunk workers when none is configured.
const DefaultConcurrency = 10

const copyBufferSize = 32 * 1024

// ChunkedEngine downloads a resource as parallel byte-range requests and
// writes every chunk at its absolute offset. It implements internal.Downloader.
type ChunkedEngine struct {
	httpClient  *utils.HTTPClient
	endpoints   *utils.Endpoints
	prober      internal.MetadataProber
	planner     *DownloadPlanner
	fileOps     *utils.FileOperations
	concurrency int
	bandwidth   *utils.BandwidthLimiter
	progress    bool
	quiet       bool
}

// EngineOption configures a ChunkedEngine.
type EngineOption func(*ChunkedEngine)

// WithConcurrency bounds the number of chunks in flight.
func WithConcurrency(n int) EngineOption {
	return func(e *ChunkedEngine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithBandwidthLimit caps the aggregate download rate in bytes per second.
func WithBandwidthLimit(bytesPerSecond int64) EngineOption {
	return func(e *ChunkedEngine) {
		e.bandwidth = utils.NewBandwidthLimiter(bytesPerSecond)
	}
}

// WithProgress draws a progress bar for every download. In quiet mode only
// statistics are collected.
func WithProgress(quiet bool) EngineOption {
	return func(e *ChunkedEngine) {
		e.progress = true
		e.quiet = quiet
	}
}

// WithFileOperations replaces the filesystem used by DownloadFile.
func WithFileOperations(fileOps *utils.FileOperations) EngineOption {
	return func(e *ChunkedEngine) {
		e.fileOps = fileOps
	}
}

// WithProber replaces the HEAD-based metadata prober.
func WithProber(prober internal.MetadataProber) EngineOption {
	return func(e *ChunkedEngine) {
		e.prober = prober
	}
}

// NewChunkedEngine creates an engine splitting resources into chunkSize
// ranges. chunkSize <= 0 downloads each resource with a single request.
func NewChunkedEngine(httpClient *utils.HTTPClient, endpoints *utils.Endpoints, chunkSize int64, opts ...EngineOption) *ChunkedEngine {
	e := &ChunkedEngine{
		httpClient:  httpClient,
		endpoints:   endpoints,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.prober == nil {
		e.prober = NewResourceResolver(httpClient, endpoints)
	}
	if e.fileOps == nil {
		e.fileOps = utils.NewFileOperations()
	}
	e.planner = NewDownloadPlanner(chunkSize, e.fileOps)
	return e
}

// Planner exposes the range planner.
func (e *ChunkedEngine) Planner() *DownloadPlanner {
	return e.planner
}

// Download probes resourcePath and writes its full content into sink. A
// zero-length resource completes without a GET. The first chunk to fail
// cancels the rest and is returned as a *internal.TransferError; the sink
// may then hold a partial result.
func (e *ChunkedEngine) Download(ctx context.Context, resourcePath string, sink internal.Sink) error {
	meta, err := e.prober.Probe(ctx, resourcePath)
	if err != nil {
		return err
	}
	if t, ok := sink.(internal.Truncater); ok {
		if err := t.Truncate(meta.ContentLength); err != nil {
			return fmt.Errorf("failed to size sink: %w", err)
		}
	}

	tracker := e.newTracker(resourcePath, meta.ContentLength)
	err = e.transfer(ctx, resourcePath, meta, e.planner.CalculateRanges(meta.ContentLength), sink, tracker, nil)
	if tracker != nil {
		tracker.Finish()
	}
	return err
}

// DownloadFile downloads resourcePath to outputPath through a ".part" file
// and a resume metadata file. An interrupted download of unchanged content
// only fetches the chunks that did not finish.
func (e *ChunkedEngine) DownloadFile(ctx context.Context, resourcePath, outputPath string) error {
	meta, err := e.prober.Probe(ctx, resourcePath)
	if err != nil {
		return err
	}

	if meta.ContentLength == 0 {
		if err := e.fileOps.AtomicWriteFile(outputPath, nil); err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		_ = e.planner.CleanupResumeMetadata(outputPath)
		return nil
	}

	partPath := outputPath + PartFileExt
	ranges := e.planner.CalculateRanges(meta.ContentLength)

	resumeData := e.planner.DetectResumableDownload(outputPath, resourcePath, meta)
	if resumeData != nil {
		internal.LogInfo("Resuming %s from %.1f%% completion",
			outputPath, CalculateResumeProgress(ranges, resumeData.Completed))
	} else {
		_ = e.fileOps.Remove(partPath)
		resumeData = &internal.ResumeMetadata{
			Resource:      resourcePath,
			ETag:          meta.ETag,
			ContentLength: meta.ContentLength,
			ChunkSize:     e.planner.ChunkSize(),
			Completed:     []int{},
			CreatedAt:     time.Now(),
		}
		if err := e.planner.SaveResumeMetadata(outputPath, resumeData); err != nil {
			return fmt.Errorf("failed to save resume metadata: %w", err)
		}
	}

	file, err := e.fileOps.OpenPartialFile(partPath, meta.ContentLength)
	if err != nil {
		return err
	}
	sink := utils.NewFileSink(file)

	pending := PendingRanges(ranges, resumeData.Completed)
	tracker := e.newTracker(resourcePath, meta.ContentLength)
	if tracker != nil {
		remaining := int64(0)
		for _, r := range pending {
			remaining += r.Len()
		}
		tracker.Add(meta.ContentLength - remaining)
	}

	resume := &resumeTracker{planner: e.planner, outputPath: outputPath, data: resumeData}
	err = e.transfer(ctx, resourcePath, meta, pending, sink, tracker, resume.markCompleted)
	if closeErr := sink.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close part file: %w", closeErr)
	}
	if tracker != nil {
		tracker.Finish()
	}
	if err != nil {
		return err
	}

	if err := e.fileOps.AtomicRename(partPath, outputPath); err != nil {
		return fmt.Errorf("failed to rename part file to final file: %w", err)
	}
	if err := e.planner.CleanupResumeMetadata(outputPath); err != nil {
		internal.LogWarn("Failed to cleanup resume metadata: %v", err)
	}
	return nil
}

func (e *ChunkedEngine) newTracker(resourcePath string, total int64) *utils.ProgressTracker {
	if !e.progress {
		return nil
	}
	tracker := utils.NewProgressTracker(total, e.quiet)
	tracker.SetLabel(resourcePath)
	return tracker
}

// transfer runs one worker per range, at most e.concurrency at a time.
// onDone is called after a range is fully written.
func (e *ChunkedEngine) transfer(ctx context.Context, resourcePath string, meta *internal.ResourceMetadata, ranges []internal.ByteRange, sink internal.Sink, tracker *utils.ProgressTracker, onDone func(internal.ByteRange)) error {
	if len(ranges) == 0 {
		return nil
	}

	ctx, span := otel.Tracer("wmefetch/downloader").Start(ctx, "download")
	defer span.End()
	span.SetAttributes(
		attribute.String("resource", resourcePath),
		attribute.Int64("content_length", meta.ContentLength),
		attribute.Int("chunks", len(ranges)),
	)

	target := e.endpoints.API(resourcePath)
	internal.LogInfo("Downloading %s: %d bytes in %d chunks (%d workers)",
		resourcePath, meta.ContentLength, len(ranges), e.concurrency)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for _, r := range ranges {
		if gctx.Err() != nil {
			break
		}
		r := r
		g.Go(func() error {
			if err := e.fetchRange(gctx, target, resourcePath, r, meta.ContentLength, sink, tracker); err != nil {
				return err
			}
			if onDone != nil {
				onDone(r)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		internal.LogError("Download of %s failed: %v", resourcePath, err)
		return err
	}
	if err := ctx.Err(); err != nil {
		return internal.NewRequestError(http.MethodGet, target, err)
	}

	internal.LogInfo("Downloaded %s", resourcePath)
	return nil
}

// fetchRange downloads one range into sink at r.Start.
func (e *ChunkedEngine) fetchRange(ctx context.Context, target, resourcePath string, r internal.ByteRange, total int64, sink internal.Sink, tracker *utils.ProgressTracker) error {
	fail := func(stage internal.TransferStage, err error) error {
		return &internal.TransferError{Resource: resourcePath, Range: r, Stage: stage, Err: err}
	}

	resp, err := e.httpClient.Stream(ctx, http.MethodGet, target, utils.WithRange(r))
	if err != nil {
		return fail(internal.StageRequest, err)
	}
	defer resp.Body.Close()

	wholeResource := r.Start == 0 && r.End == total-1
	switch {
	case resp.StatusCode == http.StatusPartialContent:
		if err := checkContentRange(resp.Header.Get("Content-Range"), r, total); err != nil {
			return fail(internal.StageProcessing, internal.NewDataError("content range mismatch", err).
				WithURL(http.MethodGet, target).WithContext("range", r.Header()))
		}
	case resp.StatusCode == http.StatusOK && wholeResource:
	default:
		return fail(internal.StageRequest, internal.NewStatusError(http.MethodGet, target, resp.StatusCode,
			"range request was not honored").WithContext("range", r.Header()))
	}

	w := io.NewOffsetWriter(sink, r.Start)
	n, err := e.copyWithRateLimit(ctx, w, io.LimitReader(resp.Body, r.Len()), tracker)
	if err != nil {
		var we *writeError
		if errors.As(err, &we) {
			return fail(internal.StageProcessing, we.err)
		}
		return fail(internal.StageRequest, internal.NewRequestError(http.MethodGet, target, err))
	}
	if n != r.Len() {
		return fail(internal.StageProcessing, internal.NewDataError(
			fmt.Sprintf("short chunk body: got %d of %d bytes", n, r.Len()), io.ErrUnexpectedEOF).
			WithURL(http.MethodGet, target))
	}

	internal.LogDebug("Chunk %d of %s done (%s)", r.Index, resourcePath, r.Header())
	return nil
}

// checkContentRange requires a 206 body to cover exactly r. The total after
// the slash is checked when the server reports one.
func checkContentRange(header string, r internal.ByteRange, total int64) error {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return fmt.Errorf("unsupported Content-Range %q", header)
	}
	span, size, ok := strings.Cut(spec, "/")
	if !ok {
		return fmt.Errorf("malformed Content-Range %q", header)
	}
	first, last, ok := strings.Cut(span, "-")
	if !ok {
		return fmt.Errorf("malformed Content-Range %q", header)
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed Content-Range %q: %w", header, err)
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed Content-Range %q: %w", header, err)
	}
	if start != r.Start || end != r.End {
		return fmt.Errorf("requested %s, got bytes %d-%d", r.Header(), start, end)
	}

	if size != "*" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed Content-Range %q: %w", header, err)
		}
		if n != total {
			return fmt.Errorf("resource length changed from %d to %d", total, n)
		}
	}
	return nil
}

// writeError marks a failure of the sink rather than the connection.
type writeError struct {
	err error
}

func (e *writeError) Error() string { return e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// copyWithRateLimit copies src to dst while honoring the bandwidth limiter
// and cancellation.
func (e *ChunkedEngine) copyWithRateLimit(ctx context.Context, dst io.Writer, src io.Reader, tracker *utils.ProgressTracker) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			if err := e.bandwidth.Wait(ctx, nr); err != nil {
				return written, err
			}
			nw, err := dst.Write(buf[:nr])
			if err == nil && nw != nr {
				err = io.ErrShortWrite
			}
			written += int64(nw)
			if tracker != nil {
				tracker.Add(int64(nw))
			}
			if err != nil {
				return written, &writeError{err: err}
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
