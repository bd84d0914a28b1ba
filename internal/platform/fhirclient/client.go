// Package fhirclient is the outbound HTTP transport used to talk to the
// remote FHIR server and its token endpoint.
package fhirclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// Media types used on the wire.
const (
	MediaTypeFHIRJSON   = "application/fhir+json"
	MediaTypeFHIRNDJSON = "application/fhir+ndjson"
	MediaTypeForm       = "application/x-www-form-urlencoded"
)

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Doer executes a single HTTP exchange. *Client implements it; tests may
// substitute their own.
type Doer interface {
	Do(ctx context.Context, method, rawURL string, body io.Reader, header http.Header) (*Response, error)
}

// Client is a thin wrapper over net/http that reads whole bodies and
// transparently inflates gzip-encoded responses.
type Client struct {
	http   *http.Client
	logger zerolog.Logger
}

// New creates a Client with the given per-request timeout.
func New(timeout time.Duration, logger zerolog.Logger) *Client {
	return NewWithHTTPClient(&http.Client{Timeout: timeout}, logger)
}

// NewWithHTTPClient wraps an existing *http.Client.
func NewWithHTTPClient(hc *http.Client, logger zerolog.Logger) *Client {
	return &Client{http: hc, logger: logger}
}

// Do sends the request and returns the read response. Transport failures and
// body read failures are returned as errors; HTTP status codes are not.
func (c *Client) Do(ctx context.Context, method, rawURL string, body io.Reader, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, redact(rawURL), err)
	}
	defer resp.Body.Close()

	data, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("read %s %s response: %w", method, redact(rawURL), err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("url", redact(rawURL)).
		Int("status", resp.StatusCode).
		Int("bytes", len(data)).
		Dur("latency", time.Since(start)).
		Msg("outbound request")

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// PostForm sends form as an application/x-www-form-urlencoded POST through d.
// header is not modified.
func PostForm(ctx context.Context, d Doer, rawURL string, form url.Values, header http.Header) (*Response, error) {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Type", MediaTypeForm)
	return d.Do(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()), h)
}

// BearerHeader returns a header set carrying the access token and any extra
// key/value pairs.
func BearerHeader(token string, kv ...string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func readBody(resp *http.Response) ([]byte, error) {
	// net/http only inflates automatically when it added Accept-Encoding
	// itself; callers that ask for gzip explicitly get the raw stream.
	if !strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		return io.ReadAll(resp.Body)
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("open gzip body: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// redact drops the query string, which may carry signed download parameters.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}
