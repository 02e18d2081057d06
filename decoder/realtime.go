package decoder

import (
	"bufio"
	"context"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"wmefetch/internal"
	"wmefetch/utils"
)

// Subscriber consumes a long-lived NDJSON stream from the realtime host.
type Subscriber struct {
	client    *utils.HTTPClient
	endpoints *utils.Endpoints
	opts      []Option
}

// NewSubscriber returns a subscriber that sends requests through client.
func NewSubscriber(client *utils.HTTPClient, endpoints *utils.Endpoints, opts ...Option) *Subscriber {
	return &Subscriber{client: client, endpoints: endpoints, opts: opts}
}

// Subscribe opens {realtime}/v2/{resourcePath} with req as the JSON body and
// delivers each record to cb until cb returns Stop, the server closes the
// stream, or ctx is cancelled. Stop and a server-side close both return nil.
// The call blocks for the lifetime of the stream.
func (s *Subscriber) Subscribe(ctx context.Context, resourcePath string, req *internal.Request, cb internal.RecordCallback) error {
	ctx, span := otel.Tracer("wmefetch/decoder").Start(ctx, "realtime.subscribe")
	defer span.End()
	span.SetAttributes(attribute.String("resource", resourcePath))

	url := s.endpoints.Realtime(resourcePath)

	var body interface{} = struct{}{}
	if req != nil {
		body = req
	}

	resp, err := s.client.Stream(ctx, http.MethodGet, url,
		utils.WithJSONBody(body),
		utils.WithHeader("Cache-Control", "no-cache"),
		utils.WithHeader("Accept", "application/x-ndjson"),
		utils.WithHeader("Connection", "keep-alive"),
	)
	if err != nil {
		return err
	}
	// Closing the body on return is what releases the connection after Stop.
	defer resp.Body.Close()

	internal.LogInfo("Subscribed to %s", resourcePath)

	// A WithStats given to NewSubscriber accumulates across subscriptions.
	stats := newOptions(s.opts).stats
	opts := append(append([]Option{}, s.opts...), WithStats(stats))
	action, err := ReadRecords(resp.Body, cb, opts...)
	span.SetAttributes(
		attribute.Int("records.delivered", stats.Delivered),
		attribute.Int("records.skipped", stats.Skipped),
	)

	if action == internal.Stop {
		internal.LogDebug("Subscription to %s stopped by consumer after %d records", resourcePath, stats.Delivered)
		return nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return internal.NewRequestError(http.MethodGet, url, ctxErr)
		}
		if errors.Is(err, bufio.ErrTooLong) {
			return err
		}
		// Anything else failing mid-body is the connection, not the payload.
		return internal.NewRequestError(http.MethodGet, url, errors.Unwrap(err))
	}

	internal.LogInfo("Stream %s closed by server after %d records (%d skipped)", resourcePath, stats.Delivered, stats.Skipped)
	return nil
}
