package transport

import "net/http"

// CloseIdle drops pooled upstream connections during shutdown.
func CloseIdle(rt http.RoundTripper) {
	transport, ok := rt.(*http.Transport)
	if !ok || transport == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	transport.CloseIdleConnections()
}
