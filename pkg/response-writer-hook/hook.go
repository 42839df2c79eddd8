package hook

import (
	"net/http"
)

// ResponseWriter is a wrapper around http.ResponseWriter that calls a hook
// right before the response headers are written to the client.
// The hook may still modify the headers.
type ResponseWriter struct {
	rw           http.ResponseWriter
	beforeHeader func(http.Header)
	status       int
	wroteHeaders bool
}

// NewResponseWriter returns a ResponseWriter calling beforeHeader at most once.
func NewResponseWriter(w http.ResponseWriter, beforeHeader func(http.Header)) *ResponseWriter {
	return &ResponseWriter{
		rw:           w,
		beforeHeader: beforeHeader,
	}
}

// Implementation of http.ResponseWriter
func (h *ResponseWriter) Header() http.Header {
	return h.rw.Header()
}

// Implementation of http.ResponseWriter
func (h *ResponseWriter) WriteHeader(statusCode int) {
	// informational responses do not finalize the headers
	if statusCode >= 100 && statusCode < 200 && statusCode != http.StatusSwitchingProtocols {
		h.rw.WriteHeader(statusCode)
		return
	}
	if h.wroteHeaders {
		return
	}
	h.finalize()
	h.status = statusCode
	h.rw.WriteHeader(statusCode)
}

// Implementation of http.ResponseWriter
func (h *ResponseWriter) Write(b []byte) (int, error) {
	// write headers if not already written
	if !h.wroteHeaders {
		h.WriteHeader(http.StatusOK)
	}
	return h.rw.Write(b)
}

// Flush implements http.Flusher if the underlying writer does.
func (h *ResponseWriter) Flush() {
	if !h.wroteHeaders {
		h.WriteHeader(http.StatusOK)
	}
	if f, ok := h.rw.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying writer for http.ResponseController.
func (h *ResponseWriter) Unwrap() http.ResponseWriter {
	return h.rw
}

// Finalize runs the hook if the headers have not been written yet.
// Call it after the handler returns to cover handlers that never write.
func (h *ResponseWriter) Finalize() {
	if !h.wroteHeaders {
		h.finalize()
	}
}

func (h *ResponseWriter) finalize() {
	h.wroteHeaders = true
	if h.beforeHeader != nil {
		h.beforeHeader(h.rw.Header())
	}
}

// StatusCode returns the status code written, or 0 if none was.
func (h *ResponseWriter) StatusCode() int {
	return h.status
}

// WroteHeaders reports whether the hook has run.
func (h *ResponseWriter) WroteHeaders() bool {
	return h.wroteHeaders
}
