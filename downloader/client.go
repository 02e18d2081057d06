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

	"wmefetch/decoder"
	"wmefetch/internal"
	"wmefetch/utils"
)

// Client is the Wikimedia Enterprise API surface: metadata lookups, bulk
// snapshot/chunk/batch transfers and the realtime article stream.
type Client struct {
	httpClient *utils.HTTPClient
	endpoints  *utils.Endpoints
	prober     internal.MetadataProber
	engine     *ChunkedEngine
	subscriber *decoder.Subscriber
	readOpts   []decoder.Option
}

type clientOptions struct {
	chunkSize  int64
	engineOpts []EngineOption
	readOpts   []decoder.Option
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

// WithChunkSize sets the byte-range size used for downloads.
func WithChunkSize(n int64) ClientOption {
	return func(o *clientOptions) {
		o.chunkSize = n
	}
}

// WithEngineOptions passes options to the download engine.
func WithEngineOptions(opts ...EngineOption) ClientOption {
	return func(o *clientOptions) {
		o.engineOpts = append(o.engineOpts, opts...)
	}
}

// WithDecoderOptions passes options to archive reads and the realtime stream.
func WithDecoderOptions(opts ...decoder.Option) ClientOption {
	return func(o *clientOptions) {
		o.readOpts = append(o.readOpts, opts...)
	}
}

// NewClient assembles a client on top of an executor and endpoint set.
func NewClient(httpClient *utils.HTTPClient, endpoints *utils.Endpoints, opts ...ClientOption) *Client {
	o := &clientOptions{chunkSize: -1}
	for _, opt := range opts {
		opt(o)
	}

	prober := NewResourceResolver(httpClient, endpoints)
	engineOpts := append([]EngineOption{WithProber(prober)}, o.engineOpts...)

	return &Client{
		httpClient: httpClient,
		endpoints:  endpoints,
		prober:     prober,
		engine:     NewChunkedEngine(httpClient, endpoints, o.chunkSize, engineOpts...),
		subscriber: decoder.NewSubscriber(httpClient, endpoints, o.readOpts...),
		readOpts:   o.readOpts,
	}
}

// NewClientFromConfig builds the executor, endpoints and engine described by cfg.
func NewClientFromConfig(cfg *internal.Config, opts ...ClientOption) (*Client, error) {
	endpoints, err := utils.EndpointsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	base := []ClientOption{
		WithChunkSize(cfg.DownloadChunkSize),
		WithEngineOptions(
			WithConcurrency(cfg.DownloadConcurrency),
			WithBandwidthLimit(cfg.MaxBytesPerSecond),
		),
		WithDecoderOptions(decoder.WithMaxLineSize(cfg.ScannerBufferSize)),
	}
	return NewClient(utils.NewHTTPClientFromConfig(cfg), endpoints, append(base, opts...)...), nil
}

// HTTPClient exposes the underlying executor.
func (c *Client) HTTPClient() *utils.HTTPClient {
	return c.httpClient
}

// SetAccessToken sets the bearer token sent with every request.
func (c *Client) SetAccessToken(token string) {
	c.httpClient.SetAccessToken(token)
}

// Fetch posts req to {base}/v2/{resourcePath} and decodes the JSON response
// into out. A nil req sends no body.
func (c *Client) Fetch(ctx context.Context, resourcePath string, req *internal.Request, out interface{}) error {
	var opts []utils.RequestOption
	if req != nil {
		opts = append(opts, utils.WithJSONBody(req))
	}

	resp, err := c.httpClient.Execute(ctx, http.MethodPost, c.endpoints.API(resourcePath), opts...)
	if err != nil {
		return err
	}
	return utils.DecodeJSON(resp, out)
}

func (c *Client) fetchList(ctx context.Context, resourcePath string, req *internal.Request) ([]internal.Record, error) {
	var raw interface{}
	if err := c.Fetch(ctx, resourcePath, req, &raw); err != nil {
		return nil, err
	}

	items, ok := raw.([]interface{})
	if !ok {
		return nil, c.shapeError(resourcePath, "list", raw)
	}
	records := make([]internal.Record, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, c.shapeError(resourcePath, "object", item).WithContext("index", i)
		}
		records = append(records, internal.Record(obj))
	}
	return records, nil
}

func (c *Client) fetchOne(ctx context.Context, resourcePath string, req *internal.Request) (internal.Record, error) {
	var raw interface{}
	if err := c.Fetch(ctx, resourcePath, req, &raw); err != nil {
		return nil, err
	}

	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, c.shapeError(resourcePath, "object", raw)
	}
	return internal.Record(obj), nil
}

func (c *Client) shapeError(resourcePath, want string, got interface{}) *internal.APIError {
	return internal.NewDataError(fmt.Sprintf("expected a JSON %s, got %s", want, jsonKind(got)), nil).
		WithURL(http.MethodPost, c.endpoints.API(resourcePath))
}

func jsonKind(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case []interface{}:
		return "list"
	case map[string]interface{}:
		return "object"
	case string:
		return "string"
	case bool:
		return "boolean"
	default:
		return "number"
	}
}

// identified validates id and joins it under prefix.
func identified(field string, prefix []string, id string) (string, error) {
	if err := utils.ValidateIdentifier(field, id); err != nil {
		return "", err
	}
	return strings.Join(append(append([]string{}, prefix...), utils.ResourcePath(id)), "/"), nil
}

// titled escapes an article title, which may itself contain slashes.
func titled(prefix, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", internal.NewValidationError("article", "article name cannot be empty")
	}
	return prefix + "/" + utils.ResourcePath(name), nil
}

func (c *Client) lookup(ctx context.Context, field string, prefix []string, id string, req *internal.Request) (internal.Record, error) {
	p, err := identified(field, prefix, id)
	if err != nil {
		return nil, err
	}
	return c.fetchOne(ctx, p, req)
}

// GetCodes lists project codes.
func (c *Client) GetCodes(ctx context.Context, req *internal.Request) ([]internal.Record, error) {
	return c.fetchList(ctx, "codes", req)
}

// GetCode returns one project code.
func (c *Client) GetCode(ctx context.Context, id string, req *internal.Request) (internal.Record, error) {
	return c.lookup(ctx, "code", []string{"codes"}, id, req)
}

// GetLanguages lists supported languages.
func (c *Client) GetLanguages(ctx context.Context, req *internal.Request) ([]internal.Record, error) {
	return c.fetchList(ctx, "languages", req)
}

// GetLanguage returns one language.
func (c *Client) GetLanguage(ctx context.Context, id string, req *internal.Request) (internal.Record, error) {
	return c.lookup(ctx, "language", []string{"languages"}, id, req)
}

// GetProjects lists projects.
func (c *Client) GetProjects(ctx context.Context, req *internal.Request) ([]internal.Record, error) {
	return c.fetchList(ctx, "projects", req)
}

// GetProject returns one project.
func (c *Client) GetProject(ctx context.Context, id string, req *internal.Request) (internal.Record, error) {
	return c.lookup(ctx, "project", []string{"projects"}, id, req)
}

// GetNamespaces lists namespaces.
func (c *Client) GetNamespaces(ctx context.Context, req *internal.Request) ([]internal.Record, error) {
	return c.fetchList(ctx, "namespaces", req)
}

// GetNamespace returns one namespace.
func (c *Client) GetNamespace(ctx context.Context, id int, req *internal.Request) (internal.Record, error) {
	return c.fetchOne(ctx, utils.ResourcePath("namespaces", strconv.Itoa(id)), req)
}

// GetSnapshots lists available snapshots.
func (c *Client) GetSnapshots(ctx context.Context, req *internal.Request) ([]internal.Record, error) {
	return c.fetchList(ctx, "snapshots", req)
}

// GetSnapshot returns snapshot metadata.
func (c *Client) GetSnapshot(ctx context.Context, id string, req *internal.Request) (internal.Record, error) {
	return c.lookup(ctx, "snapshot", []string{"snapshots"}, id, req)
}

// GetChunks lists the chunks of a snapshot.
func (c *Client) GetChunks(ctx context.Context, snapshotID string, req *internal.Request) ([]internal.Record, error) {
	p, err := identified("snapshot", []string{"snapshots"}, snapshotID)
	if err != nil {
		return nil, err
	}
	return c.fetchList(ctx, p+"/chunks", req)
}

// GetChunk returns chunk metadata.
func (c *Client) GetChunk(ctx context.Context, snapshotID, id string, req *internal.Request) (internal.Record, error) {
	p, err := identified("snapshot", []string{"snapshots"}, snapshotID)
	if err != nil {
		return nil, err
	}
	return c.lookup(ctx, "chunk", []string{p, "chunks"}, id, req)
}

// GetBatches lists the hourly batches of the window containing t.
func (c *Client) GetBatches(ctx context.Context, t time.Time, req *internal.Request) ([]internal.Record, error) {
	return c.fetchList(ctx, utils.BatchPrefix(t), req)
}

// GetBatch returns batch metadata.
func (c *Client) GetBatch(ctx context.Context, t time.Time, id string, req *internal.Request) (internal.Record, error) {
	return c.lookup(ctx, "batch", []string{utils.BatchPrefix(t)}, id, req)
}

// GetArticles returns every version of the named article across projects.
func (c *Client) GetArticles(ctx context.Context, name string, req *internal.Request) ([]internal.Record, error) {
	p, err := titled("articles", name)
	if err != nil {
		return nil, err
	}
	return c.fetchList(ctx, p, req)
}

// GetStructuredContents returns the structured contents of the named article.
func (c *Client) GetStructuredContents(ctx context.Context, name string, req *internal.Request) ([]internal.Record, error) {
	p, err := titled("structured-contents", name)
	if err != nil {
		return nil, err
	}
	return c.fetchList(ctx, p, req)
}

// GetStructuredSnapshots lists structured-contents snapshots.
func (c *Client) GetStructuredSnapshots(ctx context.Context, req *internal.Request) ([]internal.Record, error) {
	return c.fetchList(ctx, "snapshots/structured-contents", req)
}

// GetStructuredSnapshot returns structured-contents snapshot metadata.
func (c *Client) GetStructuredSnapshot(ctx context.Context, id string, req *internal.Request) (internal.Record, error) {
	return c.lookup(ctx, "snapshot", []string{"snapshots", "structured-contents"}, id, req)
}

// SnapshotPath is the download resource of a snapshot.
func SnapshotPath(id string) (string, error) {
	return downloadPath("snapshot", []string{"snapshots"}, id)
}

// ChunkPath is the download resource of a snapshot chunk.
func ChunkPath(snapshotID, id string) (string, error) {
	p, err := identified("snapshot", []string{"snapshots"}, snapshotID)
	if err != nil {
		return "", err
	}
	return downloadPath("chunk", []string{p, "chunks"}, id)
}

// BatchPath is the download resource of an hourly batch.
func BatchPath(t time.Time, id string) (string, error) {
	return downloadPath("batch", []string{utils.BatchPrefix(t)}, id)
}

// StructuredSnapshotPath is the download resource of a structured-contents snapshot.
func StructuredSnapshotPath(id string) (string, error) {
	return downloadPath("snapshot", []string{"snapshots", "structured-contents"}, id)
}

func downloadPath(field string, prefix []string, id string) (string, error) {
	p, err := identified(field, prefix, id)
	if err != nil {
		return "", err
	}
	return p + "/download", nil
}

// Head probes a download resource.
func (c *Client) Head(ctx context.Context, resourcePath string) (*internal.ResourceMetadata, error) {
	return c.prober.Probe(ctx, resourcePath)
}

// Download writes a download resource into sink with parallel range requests.
func (c *Client) Download(ctx context.Context, resourcePath string, sink internal.Sink) error {
	return c.engine.Download(ctx, resourcePath, sink)
}

// DownloadToFile downloads a resource to outputPath, resuming an earlier
// interrupted attempt when possible.
func (c *Client) DownloadToFile(ctx context.Context, resourcePath, outputPath string) error {
	return c.engine.DownloadFile(ctx, resourcePath, outputPath)
}

// Read fetches a download resource with a single GET and streams the
// archive's records to cb.
func (c *Client) Read(ctx context.Context, resourcePath string, cb internal.RecordCallback) error {
	target := c.endpoints.API(resourcePath)

	resp, err := c.httpClient.Stream(ctx, http.MethodGet, target)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := decoder.ReadAll(resp.Body, cb, c.readOpts...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return internal.NewRequestError(http.MethodGet, target, ctxErr)
		}
		var apiErr *internal.APIError
		if errors.As(err, &apiErr) && apiErr.URL == "" {
			apiErr.WithURL(http.MethodGet, target)
		}
		return err
	}
	return nil
}

// ReadAll streams the records of a gzip+tar archive from r.
func (c *Client) ReadAll(r io.Reader, cb internal.RecordCallback) error {
	return decoder.ReadAll(r, cb, c.readOpts...)
}

// HeadSnapshot probes a snapshot download.
func (c *Client) HeadSnapshot(ctx context.Context, id string) (*internal.ResourceMetadata, error) {
	p, err := SnapshotPath(id)
	if err != nil {
		return nil, err
	}
	return c.Head(ctx, p)
}

// DownloadSnapshot downloads a snapshot archive into sink.
func (c *Client) DownloadSnapshot(ctx context.Context, id string, sink internal.Sink) error {
	p, err := SnapshotPath(id)
	if err != nil {
		return err
	}
	return c.Download(ctx, p, sink)
}

// ReadSnapshot streams the records of a snapshot.
func (c *Client) ReadSnapshot(ctx context.Context, id string, cb internal.RecordCallback) error {
	p, err := SnapshotPath(id)
	if err != nil {
		return err
	}
	return c.Read(ctx, p, cb)
}

// HeadChunk probes a snapshot chunk download.
func (c *Client) HeadChunk(ctx context.Context, snapshotID, id string) (*internal.ResourceMetadata, error) {
	p, err := ChunkPath(snapshotID, id)
	if err != nil {
		return nil, err
	}
	return c.Head(ctx, p)
}

// DownloadChunk downloads a snapshot chunk into sink.
func (c *Client) DownloadChunk(ctx context.Context, snapshotID, id string, sink internal.Sink) error {
	p, err := ChunkPath(snapshotID, id)
	if err != nil {
		return err
	}
	return c.Download(ctx, p, sink)
}

// ReadChunk streams the records of a snapshot chunk.
func (c *Client) ReadChunk(ctx context.Context, snapshotID, id string, cb internal.RecordCallback) error {
	p, err := ChunkPath(snapshotID, id)
	if err != nil {
		return err
	}
	return c.Read(ctx, p, cb)
}

// HeadBatch probes an hourly batch download.
func (c *Client) HeadBatch(ctx context.Context, t time.Time, id string) (*internal.ResourceMetadata, error) {
	p, err := BatchPath(t, id)
	if err != nil {
		return nil, err
	}
	return c.Head(ctx, p)
}

// DownloadBatch downloads an hourly batch into sink.
func (c *Client) DownloadBatch(ctx context.Context, t time.Time, id string, sink internal.Sink) error {
	p, err := BatchPath(t, id)
	if err != nil {
		return err
	}
	return c.Download(ctx, p, sink)
}

// ReadBatch streams the records of an hourly batch.
func (c *Client) ReadBatch(ctx context.Context, t time.Time, id string, cb internal.RecordCallback) error {
	p, err := BatchPath(t, id)
	if err != nil {
		return err
	}
	return c.Read(ctx, p, cb)
}

// HeadStructuredSnapshot probes a structured-contents snapshot download.
func (c *Client) HeadStructuredSnapshot(ctx context.Context, id string) (*internal.ResourceMetadata, error) {
	p, err := StructuredSnapshotPath(id)
	if err != nil {
		return nil, err
	}
	return c.Head(ctx, p)
}

// DownloadStructuredSnapshot downloads a structured-contents snapshot into sink.
func (c *Client) DownloadStructuredSnapshot(ctx context.Context, id string, sink internal.Sink) error {
	p, err := StructuredSnapshotPath(id)
	if err != nil {
		return err
	}
	return c.Download(ctx, p, sink)
}

// ReadStructuredSnapshot streams the records of a structured-contents snapshot.
func (c *Client) ReadStructuredSnapshot(ctx context.Context, id string, cb internal.RecordCallback) error {
	p, err := StructuredSnapshotPath(id)
	if err != nil {
		return err
	}
	return c.Read(ctx, p, cb)
}

// StreamArticles subscribes to realtime article events. It blocks until cb
// returns Stop, the server closes the stream or ctx is cancelled.
func (c *Client) StreamArticles(ctx context.Context, req *internal.Request, cb internal.RecordCallback) error {
	return c.subscriber.Subscribe(ctx, "articles", req, cb)
}
