// Package transport performs delivery attempts against the collector and
// owns the send-or-enqueue path plus the periodic flush loop.
//
// A send attempt is deliberately coarse: any network error or non-2xx
// response is uniformly "failure". The retry policy lives in the delivery
// queue, not here.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Collector endpoints.
const (
	EndpointEvent          = "/api/track/event"
	EndpointScreen         = "/api/track/screen"
	EndpointScreenDuration = "/api/track/screen/duration"
	EndpointErrors         = "/api/track/errors"
	EndpointIdentify       = "/api/track/identify"
)

// AuthMode selects how the API key is attached to requests.
type AuthMode int

const (
	// AuthQueryParam appends ?apiKey={key} to the request URL.
	AuthQueryParam AuthMode = iota
	// AuthHeader sends the key in the X-Api-Key header instead.
	AuthHeader
)

// identifyResponse is the one response body the collector may return with
// meaningful content: a server-side visitor merge.
type identifyResponse struct {
	VisitorID string `json:"visitorId"`
}

// HTTPSender performs single delivery attempts over HTTP.
//
// Thread-safety: safe for concurrent use; http.Client is itself concurrent.
type HTTPSender struct {
	apiURL   string
	apiKey   string
	authMode AuthMode
	client   *http.Client
	log      *slog.Logger

	// onVisitorMerge is invoked when the identify endpoint reports a
	// different visitor id than the one sent. Optional.
	onVisitorMerge func(visitorID string)
}

// SenderOption configures an HTTPSender.
type SenderOption func(*HTTPSender)

// WithHTTPClient overrides the underlying client. The default has a
// 10-second timeout.
func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *HTTPSender) { s.client = c }
}

// WithAuthMode selects query-parameter or header authentication.
func WithAuthMode(mode AuthMode) SenderOption {
	return func(s *HTTPSender) { s.authMode = mode }
}

// WithSenderLogger sets the debug logging sink.
func WithSenderLogger(log *slog.Logger) SenderOption {
	return func(s *HTTPSender) { s.log = log }
}

// WithVisitorMergeHandler registers the callback for server-issued visitor
// merges on the identify endpoint.
func WithVisitorMergeHandler(fn func(visitorID string)) SenderOption {
	return func(s *HTTPSender) { s.onVisitorMerge = fn }
}

// NewHTTPSender creates a sender posting to apiURL with the given key.
func NewHTTPSender(apiURL, apiKey string, opts ...SenderOption) *HTTPSender {
	s := &HTTPSender{
		apiURL: apiURL,
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AttemptSend POSTs the payload to {apiURL}{endpoint} once.
//
// Success is any 2xx response; everything else, including transport errors,
// is uniformly failure. No distinction is surfaced to the caller - the
// delivery queue treats all failures the same.
func (s *HTTPSender) AttemptSend(ctx context.Context, endpoint string, payload json.RawMessage) bool {
	url := s.apiURL + endpoint
	if s.authMode == AuthQueryParam {
		url += "?apiKey=" + s.apiKey
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		s.log.Debug("request build failed", "endpoint", endpoint, "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if s.authMode == AuthHeader {
		req.Header.Set("X-Api-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Debug("send failed", "endpoint", endpoint, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.log.Debug("send rejected", "endpoint", endpoint, "status", resp.StatusCode)
		// Drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false
	}

	if endpoint == EndpointIdentify {
		s.handleIdentifyResponse(resp.Body)
	}
	return true
}

// handleIdentifyResponse inspects the identify response for a server-side
// visitor merge. A malformed or empty body is ignored: the send already
// succeeded, and the merge is purely advisory.
func (s *HTTPSender) handleIdentifyResponse(body io.Reader) {
	if s.onVisitorMerge == nil {
		return
	}
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil || len(data) == 0 {
		return
	}
	var parsed identifyResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		s.log.Debug("identify response unparseable", "error", err)
		return
	}
	if parsed.VisitorID != "" {
		s.log.Debug("server visitor merge", "visitor_id", parsed.VisitorID)
		s.onVisitorMerge(parsed.VisitorID)
	}
}
