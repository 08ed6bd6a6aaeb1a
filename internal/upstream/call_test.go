package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	relay "github.com/eugener/palantir/internal"
)

func TestSanitizeHeader(t *testing.T) {
	t.Parallel()
	in := http.Header{
		"Authorization":     {"Bearer secret"},
		"X-Api-Key":         {"secret"},
		"X-Goog-Api-Key":    {"secret"},
		"Connection":        {"keep-alive"},
		"Transfer-Encoding": {"chunked"},
		"Content-Length":    {"42"},
		"Anthropic-Version": {"2023-06-01"},
		"Content-Type":      {"application/json"},
	}

	out := SanitizeHeader(in)

	for _, gone := range []string{"Authorization", "X-Api-Key", "X-Goog-Api-Key", "Connection", "Transfer-Encoding", "Content-Length"} {
		if _, ok := out[gone]; ok {
			t.Errorf("%s should be stripped", gone)
		}
	}
	if out.Get("Anthropic-Version") != "2023-06-01" {
		t.Error("Anthropic-Version should be kept")
	}
	if out.Get("Content-Type") != "application/json" {
		t.Error("Content-Type should be kept")
	}
}

func TestDo_NonStream(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test-Auth") != "k1" {
			t.Errorf("auth header missing: %v", r.Header)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	resp, err := Do(context.Background(), srv.Client(), Request{
		Method: http.MethodPost,
		URL:    srv.URL + "/v1/messages",
		Header: http.Header{"X-Test-Auth": {"k1"}},
		Body:   []byte(`{"model":"m"}`),
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d", resp.Status)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("body = %s", resp.Body)
	}
	if resp.IsStream() {
		t.Error("non-stream response should not carry a stream")
	}
	if _, ok := resp.Header["Content-Length"]; ok {
		t.Error("Content-Length should be dropped")
	}
}

func TestDo_PassthroughError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error"}}`)
	}))
	defer srv.Close()

	_, err := Do(context.Background(), srv.Client(), Request{
		Method: http.MethodPost,
		URL:    srv.URL + "/v1/messages",
		Body:   []byte(`{}`),
	})

	var pe *relay.PassthroughError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PassthroughError", err)
	}
	if pe.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d", pe.Status)
	}
	if pe.Header.Get("Retry-After") != "7" {
		t.Errorf("Retry-After = %q", pe.Header.Get("Retry-After"))
	}
	if string(pe.Body) != `{"error":{"type":"rate_limit_error"}}` {
		t.Errorf("body = %s", pe.Body)
	}
}

func TestDo_Stream(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for i := range 3 {
			fmt.Fprintf(w, "data: {\"n\":%d}\n\n", i)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	resp, err := Do(context.Background(), srv.Client(), Request{
		Method: http.MethodPost,
		URL:    srv.URL + "/v1/messages",
		Body:   []byte(`{}`),
		Stream: true,
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !resp.IsStream() {
		t.Fatal("expected a streaming response")
	}

	var got []byte
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-resp.Stream:
			if !ok {
				want := "data: {\"n\":0}\n\ndata: {\"n\":1}\n\ndata: {\"n\":2}\n\n"
				if string(got) != want {
					t.Errorf("stream = %q, want %q", got, want)
				}
				return
			}
			if chunk.Err != nil {
				t.Fatalf("chunk error: %v", chunk.Err)
			}
			got = append(got, chunk.Data...)
		case <-deadline:
			t.Fatal("stream did not close")
		}
	}
}

func TestDo_TransportError(t *testing.T) {
	t.Parallel()
	// Closed server: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := Do(context.Background(), http.DefaultClient, Request{
		Method: http.MethodGet,
		URL:    url,
	})
	if err == nil {
		t.Fatal("expected transport error")
	}
	var pe *relay.PassthroughError
	if errors.As(err, &pe) {
		t.Error("transport failure must not be a PassthroughError")
	}
}
