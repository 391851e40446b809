package proxy

import (
	"net/http"

	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-Id"

// WriteProxyError writes a plain text error response.
func WriteProxyError(w http.ResponseWriter, requestID string, status int, message string) {
	header := w.Header()
	if requestID != "" {
		header.Set(RequestIDHeader, requestID)
	}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}

func NewRequestID() string {
	return uuid.NewString()
}
