package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	relay "github.com/eugener/palantir/internal"
)

// Cap on buffered (non-streaming) upstream bodies to prevent a malicious or
// misconfigured upstream from causing unbounded memory allocation.
const maxResponseBody = 32 << 20

// Request is one raw upstream exchange to perform. URL carries the full
// target including query; Header must already hold auth.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	Stream bool
}

// hopByHopHeaders must not be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// SanitizeHeader copies h without hop-by-hop, host, length, and inbound
// auth headers. Providers re-add their own auth for the selected credential.
func SanitizeHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for key, vals := range h {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		switch strings.ToLower(key) {
		case "authorization", "x-api-key", "x-goog-api-key", "api-key", "host", "content-length", "accept-encoding":
			continue
		}
		out[key] = vals
	}
	return out
}

// Do performs one upstream HTTP exchange. Non-2xx replies surface as
// *relay.PassthroughError with the upstream status, headers, and body;
// transport failures surface as ordinary errors. When req.Stream is set and
// the upstream replies 2xx, the response body is delivered incrementally on
// ProxyResponse.Stream.
func Do(ctx context.Context, client *http.Client, req Request) (*relay.ProxyResponse, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}
	if req.Header != nil {
		httpReq.Header = req.Header
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: do request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return nil, &relay.PassthroughError{
			Status: resp.StatusCode,
			Header: responseHeader(resp),
			Body:   errBody,
		}
	}

	if req.Stream {
		return &relay.ProxyResponse{
			Status: resp.StatusCode,
			Header: responseHeader(resp),
			Stream: streamBody(ctx, resp.Body),
		}, nil
	}

	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("upstream: read response: %w", err)
	}
	return &relay.ProxyResponse{
		Status: resp.StatusCode,
		Header: responseHeader(resp),
		Body:   respBody,
	}, nil
}

// responseHeader clones the upstream headers minus hop-by-hop fields.
func responseHeader(resp *http.Response) http.Header {
	out := make(http.Header, len(resp.Header))
	for key, vals := range resp.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		// Bodies are re-framed (and possibly re-encoded) on the way out.
		if key == "Content-Length" {
			continue
		}
		out[key] = vals
	}
	return out
}

// streamBody reads resp body chunks onto a channel until EOF, error, or
// cancellation. The channel is closed when the stream ends; abnormal ends
// deliver a final chunk with Err set.
func streamBody(ctx context.Context, body io.ReadCloser) <-chan relay.StreamChunk {
	ch := make(chan relay.StreamChunk, 8)
	go func() {
		defer close(ch)
		defer body.Close()

		buf := make([]byte, 32*1024)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case ch <- relay.StreamChunk{Data: data}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					select {
					case ch <- relay.StreamChunk{Err: err}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()
	return ch
}
