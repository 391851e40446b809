package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gemini_proxy/internal/obs"
	"gemini_proxy/internal/runtime"
	"gemini_proxy/internal/stats"
	"gemini_proxy/internal/testutil"
)

func TestHandlerAnswersPreflightLocally(t *testing.T) {
	log := &upstreamLog{}
	upstream := testutil.StartTLSUpstream(t, testDomain, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
	}))
	recorder := newStats()
	proxyServer := startProxy(t, newTestEngine(t, upstream, fastPolicy(3), recorder), 0)

	req, _ := http.NewRequest(http.MethodOptions, proxyServer.URL+"/anything", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	readAll(t, resp)

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	want := map[string]string{
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "GET, POST, PUT, DELETE, OPTIONS",
		"Access-Control-Allow-Headers": "Content-Type, Authorization",
		"Access-Control-Max-Age":       "86400",
	}
	for key, value := range want {
		if got := resp.Header.Get(key); got != value {
			t.Fatalf("expected %s %q, got %q", key, value, got)
		}
	}
	if got := log.count(); got != 0 {
		t.Fatalf("preflight reached upstream %d times", got)
	}
	if got := recorder.Store().Snapshot().Total.Requests; got != 1 {
		t.Fatalf("expected the preflight counted as a request, got %d", got)
	}
}

func TestHandlerRejectsOversizedBody(t *testing.T) {
	log := &upstreamLog{}
	upstream := testutil.StartTLSUpstream(t, testDomain, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
		_, _ = w.Write([]byte("ok"))
	}))
	proxyServer := startProxy(t, newTestEngine(t, upstream, fastPolicy(3), nil), 16)

	resp, err := http.Post(proxyServer.URL+"/upload", "text/plain", strings.NewReader(strings.Repeat("x", 64)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	readAll(t, resp)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
	if got := log.count(); got != 0 {
		t.Fatalf("oversized body reached upstream")
	}
}

func TestHandlerCountsEveryInboundRequest(t *testing.T) {
	upstream := testutil.StartTLSUpstream(t, testDomain, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	recorder := newStats()
	proxyServer := startProxy(t, newTestEngine(t, upstream, fastPolicy(3), recorder), 16)

	preflight, _ := http.NewRequest(http.MethodOptions, proxyServer.URL+"/v1/models", nil)
	resp, err := http.DefaultClient.Do(preflight)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	readAll(t, resp)

	resp, err = http.Get(proxyServer.URL + "/v1/models")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	readAll(t, resp)

	resp, err = http.Post(proxyServer.URL+"/upload", "text/plain", strings.NewReader(strings.Repeat("x", 64)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	readAll(t, resp)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}

	snapshot := recorder.Store().Snapshot()
	for name, counters := range map[string]stats.Counters{"daily": snapshot.Daily, "total": snapshot.Total} {
		if counters.Requests != 3 || counters.Success[0] != 1 || counters.Failures != 0 {
			t.Fatalf("%s: expected 3 requests and one success, got %+v", name, counters)
		}
	}
}

func TestHandlerLogsRedactedHeaders(t *testing.T) {
	upstream := testutil.StartTLSUpstream(t, testDomain, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	logger, logs := testutil.CaptureLogs(obs.LevelVerbose)
	handler := &Handler{
		Engine:   newLoggedEngine(t, upstream, fastPolicy(1), nil, logger),
		Inflight: runtime.NewInflightTracker(),
		Logger:   logger,
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/models", strings.NewReader(`{"q":1}`))
	req.Header.Set("X-Goog-Api-Key", "AIzaSySecretValue")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	entries := logs.Kind(t, "request")
	if len(entries) != 1 {
		t.Fatalf("expected one request log, got %d", len(entries))
	}
	headers, ok := entries[0]["headers"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected headers field, got %v", entries[0])
	}
	if got := headers["X-Goog-Api-Key"]; got != "AIzaS..." {
		t.Fatalf("expected truncated api key, got %v", got)
	}
	if bodies := logs.Kind(t, "request_body"); len(bodies) != 1 {
		t.Fatalf("expected request body logged at verbose")
	}
	if done := logs.Kind(t, "response_complete"); len(done) != 1 || done[0]["bytes"] != float64(11) {
		t.Fatalf("expected response_complete with 11 bytes, got %v", done)
	}
	finished := logs.Kind(t, "request_done")
	if len(finished) != 1 || finished[0]["status"] != float64(http.StatusOK) || finished[0]["outcome"] != "success" {
		t.Fatalf("expected request_done for a delivered response, got %v", finished)
	}
}

func TestHandlerMinimalLevelSkipsRequestLogs(t *testing.T) {
	upstream := testutil.StartTLSUpstream(t, testDomain, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	logger, logs := testutil.CaptureLogs(obs.LevelMinimal)
	handler := &Handler{
		Engine: newLoggedEngine(t, upstream, fastPolicy(1), nil, logger),
		Logger: logger,
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	if got := len(logs.Kind(t, "request")); got != 0 {
		t.Fatalf("expected no request logs at minimal, got %d", got)
	}
}
