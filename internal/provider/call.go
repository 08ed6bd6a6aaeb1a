package provider

import (
	"context"
	"net/http"
	"time"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/upstream"
)

// Call is one planned upstream exchange: the endpoint a family picked for an
// operation, with the body already in the family's native dialect.
type Call struct {
	Method string
	Path   string
	Query  string
	Body   []byte
	Stream bool
}

// Do resolves the shared HTTP client for proxyURL and performs the call
// against base. The record meta is returned alongside the response, or with
// the error once the target is known. timeout bounds non-streaming attempts
// only; a deadline would kill an open stream.
func Do(ctx context.Context, clients *upstream.Clients, base string, header http.Header, call Call, proxyURL string, timeout time.Duration) (*relay.ProxyResponse, *relay.UpstreamRecordMeta, error) {
	client, err := clients.For(proxyURL)
	if err != nil {
		return nil, nil, err
	}

	target := BuildURL(base, call.Path)
	if call.Query != "" {
		target += "?" + call.Query
	}
	meta := &relay.UpstreamRecordMeta{
		Method: call.Method,
		URL:    target,
		Query:  call.Query,
		Header: header,
		Body:   call.Body,
	}

	if timeout > 0 && !call.Stream {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := upstream.Do(ctx, client, upstream.Request{
		Method: call.Method,
		URL:    target,
		Header: header,
		Body:   call.Body,
		Stream: call.Stream,
	})
	if err != nil {
		return nil, meta, err
	}
	return resp, meta, nil
}
