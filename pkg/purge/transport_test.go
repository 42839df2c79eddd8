package purge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPTransportSendsPurge(t *testing.T) {
	var method, tags string
	var bodyLength int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		tags = r.Header.Get(HeaderCacheTags)
		bodyLength = r.ContentLength
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	header := http.Header{}
	header.Set(HeaderCacheTags, "a,b")
	if err := NewHTTPTransport(0, 0).Purge(context.Background(), server.URL, header); err != nil {
		t.Fatal(err)
	}
	if method != MethodPurge {
		t.Fatalf("Method is %s", method)
	}
	if tags != "a,b" {
		t.Fatalf("Tags are %q", tags)
	}
	if bodyLength != 0 {
		t.Fatalf("Body length is %d", bodyLength)
	}
}

func TestHTTPTransportStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer server.Close()

	err := NewHTTPTransport(0, 0).Purge(context.Background(), server.URL, http.Header{})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("Error is %v", err)
	}
}

func TestHTTPTransportConnectionError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	if err := NewHTTPTransport(0, 0).Purge(context.Background(), url, http.Header{}); err == nil {
		t.Fatal("Expected connection error")
	}
}

func TestHTTPTransportEmptyServer(t *testing.T) {
	if err := NewHTTPTransport(0, 0).Purge(context.Background(), "", http.Header{}); err == nil {
		t.Fatal("Expected error for empty server")
	}
}

func TestHTTPTransportUnresponsiveServer(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	done := make(chan error, 1)
	go func() {
		done <- NewHTTPTransport(0, 100*time.Millisecond).Purge(context.Background(), server.URL, http.Header{})
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Expected timeout error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Purge did not give up on an unresponsive server")
	}
}
