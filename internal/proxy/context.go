package proxy

import (
	"net/http"
	"net/url"
	"time"
)

// RequestContext is the per-request state carried through the retry loop.
// It is owned by the goroutine serving the request and never shared.
type RequestContext struct {
	ID         string
	Method     string
	URL        *url.URL
	Header     http.Header
	Body       []byte
	RemoteAddr string
	Start      time.Time
	RetryCount int

	released bool
}

func NewRequestContext(r *http.Request, id string, body []byte) *RequestContext {
	return &RequestContext{
		ID:         id,
		Method:     r.Method,
		URL:        r.URL,
		Header:     r.Header.Clone(),
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		Start:      time.Now(),
	}
}

// Released reports whether the terminal outcome has been reached.
func (rc *RequestContext) Released() bool {
	return rc.released
}

// release drops the buffered body and headers. It runs once, on the
// terminal outcome.
func (rc *RequestContext) release() {
	if rc.released {
		return
	}
	rc.released = true
	rc.Body = nil
	rc.Header = nil
}
