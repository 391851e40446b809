package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"gemini_proxy/internal/obs"
	"gemini_proxy/internal/runtime"
)

const DefaultMaxBodyBytes int64 = 32 << 20

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "GET, POST, PUT, DELETE, OPTIONS",
	"Access-Control-Allow-Headers": "Content-Type, Authorization",
	"Access-Control-Max-Age":       "86400",
}

// Handler is the inbound entrypoint: it answers CORS preflights itself,
// buffers the request body and hands everything else to the Engine.
type Handler struct {
	Engine       *Engine
	Inflight     *runtime.InflightTracker
	Logger       *obs.Logger
	Metrics      *obs.Metrics
	MaxBodyBytes int64
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Engine == nil {
		http.Error(w, "proxy not ready", http.StatusServiceUnavailable)
		return
	}
	h.Inflight.Inc()
	defer h.Inflight.Dec()
	h.Engine.CountRequest()

	start := time.Now()
	requestID := NewRequestID()
	logger := h.Logger
	if logger == nil {
		logger = obs.Nop()
	}
	logger = logger.With("request_id", requestID)

	if r.Method == http.MethodOptions {
		writePreflight(w)
		logger.Event(obs.LevelNormal, "preflight").Str("url", r.URL.String()).Msg("answered CORS preflight")
		h.Metrics.ObserveRequest("preflight", time.Since(start))
		return
	}

	if logger.Enabled(obs.LevelNormal) {
		logger.Event(obs.LevelNormal, "request").
			Str("method", r.Method).
			Str("url", r.URL.RequestURI()).
			Str("remote_addr", r.RemoteAddr).
			Dict("headers", obs.HeaderDict(r.Header)).
			Msg("request received")
	}

	body, err := h.readBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warn("request_rejected").Int64("limit", tooLarge.Limit).Msg("request body too large")
			WriteProxyError(w, requestID, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Request body exceeds %d bytes.", tooLarge.Limit))
			h.Metrics.ObserveRequest("rejected", time.Since(start))
			return
		}
		if r.Context().Err() != nil {
			h.Metrics.ObserveRequest(OutcomeCanceled.String(), time.Since(start))
			return
		}
		logger.Error("request_rejected", err).Msg("reading request body failed")
		WriteProxyError(w, requestID, http.StatusBadRequest, "Bad Request: the request body could not be read.")
		h.Metrics.ObserveRequest("rejected", time.Since(start))
		return
	}
	if logger.Enabled(obs.LevelVerbose) {
		obs.WithBody(logger.Event(obs.LevelVerbose, "request_body"), "body", body).Msg("request body")
	}

	rc := NewRequestContext(r, requestID, body)
	rc.Start = start
	recorder := NewResponseRecorder(w)
	outcome := h.Engine.Forward(r.Context(), recorder, rc)
	elapsed := time.Since(start)
	h.Metrics.ObserveRequest(outcome.Kind.String(), elapsed)
	logger.Event(obs.LevelNormal, "request_done").
		Str("outcome", outcome.Kind.String()).
		Int("status", recorder.Status()).
		Int64("bytes", recorder.BytesWritten()).
		Dur("duration", elapsed).
		Msg("request finished")

	if outcome.Aborted && recorder.WroteHeader() && r.Context().Err() == nil {
		// The status line is gone; only breaking the connection tells the
		// client the body is incomplete.
		panic(http.ErrAbortHandler)
	}
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, err
	}
	return body, nil
}

func writePreflight(w http.ResponseWriter) {
	header := w.Header()
	for key, value := range corsHeaders {
		header.Set(key, value)
	}
	w.WriteHeader(http.StatusNoContent)
}
