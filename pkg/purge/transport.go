package purge

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// MethodPurge is the HTTP method Varnish listens to for invalidation.
const MethodPurge = "PURGE"

// DefaultConnectTimeout bounds connecting to the accelerator.
const DefaultConnectTimeout = 2000 * time.Millisecond

// DefaultRequestTimeout bounds a whole PURGE call, including waiting for
// the response.
const DefaultRequestTimeout = 10 * time.Second

// Transport sends a single purge call.
type Transport interface {
	Purge(ctx context.Context, server string, header http.Header) error
}

// StatusError is returned when the accelerator answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("purge rejected with status %s", e.Status)
}

// HTTPTransport issues PURGE requests over HTTP.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport returns a transport whose connection attempts give up
// after connectTimeout and whose calls give up after requestTimeout.
// Zero values mean DefaultConnectTimeout and DefaultRequestTimeout.
func NewHTTPTransport(connectTimeout, requestTimeout time.Duration) *HTTPTransport {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &HTTPTransport{
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   connectTimeout,
				ResponseHeaderTimeout: requestTimeout,
			},
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Purge sends PURGE to server with the given headers and no body.
func (t *HTTPTransport) Purge(ctx context.Context, server string, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, MethodPurge, server, nil)
	if err != nil {
		return fmt.Errorf("create purge request: %w", err)
	}
	for name, values := range header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	res, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send purge request: %w", err)
	}
	defer res.Body.Close()
	// drain so the connection can be reused
	io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &StatusError{StatusCode: res.StatusCode, Status: res.Status}
	}
	return nil
}
