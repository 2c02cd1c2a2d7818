package proxy

import (
	"bytes"
	"net/http"
	"strconv"
)

// MaxCaptureBytes is the largest upstream JSON body buffered for envelope
// rewriting (spec.md §4.9); bigger bodies stream through unwrapped.
const MaxCaptureBytes = 1 << 20 // 1 MiB

// CaptureWriter buffers a response up to MaxCaptureBytes so the envelope
// filter (C11) can rewrite it after the proxy call completes. Once the
// buffer limit is exceeded, or the content type isn't JSON, it falls back to
// streaming directly to the underlying ResponseWriter and reports Overflowed
// so the caller can emit the WARN telemetry event spec.md §4.9 requires.
type CaptureWriter struct {
	http.ResponseWriter
	status      int
	wrote       bool
	buf         bytes.Buffer
	overflowed  bool
	streaming   bool
	wantsBuffer bool
}

// NewCaptureWriter wraps w. Whether the response is buffered is decided in
// WriteHeader from the Content-Type the upstream set.
func NewCaptureWriter(w http.ResponseWriter) *CaptureWriter {
	return &CaptureWriter{ResponseWriter: w}
}

func (c *CaptureWriter) WriteHeader(status int) {
	c.status = status
	c.wrote = true
	ct := c.Header().Get("Content-Type")
	c.wantsBuffer = isJSONContentType(ct)
	if !c.wantsBuffer {
		c.ResponseWriter.WriteHeader(status)
		c.streaming = true
	}
}

func (c *CaptureWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.WriteHeader(http.StatusOK)
	}
	if c.streaming {
		return c.ResponseWriter.Write(p)
	}
	if c.buf.Len()+len(p) > MaxCaptureBytes {
		c.overflowed = true
		c.ResponseWriter.WriteHeader(c.status)
		_, _ = c.ResponseWriter.Write(c.buf.Bytes())
		c.buf.Reset()
		c.streaming = true
		return c.ResponseWriter.Write(p)
	}
	return c.buf.Write(p)
}

// Status returns the upstream status code once WriteHeader has run.
func (c *CaptureWriter) Status() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

// Wrote reports whether the wrapped forward call ever called WriteHeader,
// distinguishing "upstream responded 200" from "the forward call never ran"
// (e.g. a circuit breaker rejecting the call before reaching the proxy).
func (c *CaptureWriter) Wrote() bool {
	return c.wrote
}

// Buffered reports whether the body was captured for rewriting (true) or
// streamed through unmodified (false, either by content type or overflow).
func (c *CaptureWriter) Buffered() bool {
	return c.wantsBuffer && !c.streaming
}

// Overflowed reports whether a JSON body exceeded MaxCaptureBytes mid-stream.
func (c *CaptureWriter) Overflowed() bool {
	return c.overflowed
}

// Bytes returns the buffered body. Only meaningful when Buffered() is true.
func (c *CaptureWriter) Bytes() []byte {
	return c.buf.Bytes()
}

// Flush writes the buffered, possibly-rewritten body to the underlying
// ResponseWriter. Callers that rewrite the body must call this exactly once
// after mutating Bytes(); body is the final payload to send.
func (c *CaptureWriter) Flush(body []byte) {
	if c.streaming {
		return
	}
	c.Header().Set("Content-Length", strconv.Itoa(len(body)))
	c.ResponseWriter.WriteHeader(c.status)
	_, _ = c.ResponseWriter.Write(body)
}

func isJSONContentType(ct string) bool {
	if ct == "" {
		return true // default assumption until upstream proves otherwise
	}
	for _, want := range []string{"application/json", "application/problem+json"} {
		if len(ct) >= len(want) && ct[:len(want)] == want {
			return true
		}
	}
	return false
}
