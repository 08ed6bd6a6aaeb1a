package server

import (
	"net/http"
	"strconv"
	"time"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/sse"
	"github.com/eugener/palantir/internal/transform"
)

// keepAliveInterval paces SSE comment frames while the upstream is quiet, so
// idle-connection middleboxes keep the stream open.
const keepAliveInterval = 15 * time.Second

// Pre-allocated header value slices for stream responses.
// Direct map assignment avoids the []string{v} alloc that Header.Set creates.
var (
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
	sseKeepAlive    = sse.Comment("keep-alive")
)

// statusText maps HTTP status codes to pre-allocated strings,
// avoiding a strconv.Itoa allocation per request.
var statusText [600]string

func init() {
	for i := range statusText {
		statusText[i] = strconv.Itoa(i)
	}
}

// writeStream relays a streaming engine response to the downstream client,
// teeing a capped copy of the emitted bytes for the traffic record. SSE
// dialects get keepalive comments while the upstream is quiet; the gemini
// JSON-lines framing gets none, since a bare comment line is not JSON.
// Returns the status written and the teed body.
func (s *server) writeStream(w http.ResponseWriter, r *http.Request, req *relay.ProxyRequest, resp *relay.ProxyResponse) (int, []byte) {
	h := w.Header()
	for k, vs := range resp.Header {
		h[k] = vs
	}
	isSSE := transform.FormatFor(req.Protocol, req.Operation) != transform.FormatJSONLines
	if isSSE {
		h["Cache-Control"] = sseCacheControl
		h["Connection"] = sseConnection
		h["X-Accel-Buffering"] = sseAccelBuf
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	// The tee cap bounds the traffic record only; the client always gets
	// the full chunk.
	tee := make([]byte, 0, 4096)
	write := func(b []byte) {
		if room := downstreamRecordLimit - len(tee); room > 0 {
			t := b
			if len(t) > room {
				t = t[:room]
			}
			tee = append(tee, t...)
		}
		w.Write(b)
		flush()
	}

	var keepAlive <-chan time.Time
	if isSSE {
		t := time.NewTicker(keepAliveInterval)
		defer t.Stop()
		keepAlive = t.C
	}

	for {
		select {
		case chunk, ok := <-resp.Stream:
			if !ok {
				return status, tee
			}
			if chunk.Err != nil {
				// The status line is long gone; all that is left is to
				// log, cut the stream and let the client notice.
				logStreamError(r, chunk.Err)
				return status, tee
			}
			write(chunk.Data)

		case <-keepAlive:
			w.Write(sseKeepAlive)
			flush()

		case <-r.Context().Done():
			return status, tee
		}
	}
}
