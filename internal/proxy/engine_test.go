package proxy

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gemini_proxy/internal/retry"
	"gemini_proxy/internal/stats"
	"gemini_proxy/internal/testutil"
	"gemini_proxy/internal/transport"
)

var _ StatsRecorder = (*stats.Sync)(nil)

func TestForwardReplaysIdenticalBody(t *testing.T) {
	log := &upstreamLog{}
	upstream := testutil.StartTLSUpstream(t, testDomain, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
		if log.count() < 3 {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	recorder := newStats()
	proxyServer := startProxy(t, newTestEngine(t, upstream, fastPolicy(5), recorder), 0)

	payload := `{"contents":[{"parts":[{"text":"hello"}]}]}`
	req, err := http.NewRequest(http.MethodPost, proxyServer.URL+"/v1beta/models/gemini:generateContent?alt=sse", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", "AIzaSyExample")
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Real-Ip", "203.0.113.7")
	req.Header.Set("Accept-Encoding", "gzip, br")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("proxy request: %v", err)
	}
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body != `{"candidates":[]}` {
		t.Fatalf("unexpected body %q", body)
	}

	attempts := log.all()
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	for i, attempt := range attempts {
		if string(attempt.Body) != payload {
			t.Fatalf("attempt %d body %q", i, attempt.Body)
		}
		if attempt.ContentLength != int64(len(payload)) {
			t.Fatalf("attempt %d content length %d", i, attempt.ContentLength)
		}
		if attempt.Method != http.MethodPost || attempt.Path != "/v1beta/models/gemini:generateContent" || attempt.Query != "alt=sse" {
			t.Fatalf("attempt %d target %s %s?%s", i, attempt.Method, attempt.Path, attempt.Query)
		}
		if attempt.Host != testDomain || attempt.SNI != testDomain {
			t.Fatalf("attempt %d host %q sni %q", i, attempt.Host, attempt.SNI)
		}
		if attempt.Header.Get("X-Goog-Api-Key") != "AIzaSyExample" {
			t.Fatalf("attempt %d lost api key header", i)
		}
		for _, stripped := range []string{"X-Forwarded-For", "X-Forwarded-Proto", "X-Real-Ip", "Accept-Encoding"} {
			if attempt.Header.Get(stripped) != "" {
				t.Fatalf("attempt %d forwarded %s", i, stripped)
			}
		}
	}

	total := recorder.Store().Snapshot().Total
	if total.Requests != 1 || total.Success[2] != 1 || total.Failures != 0 {
		t.Fatalf("unexpected counters %+v", total)
	}
}

func TestForwardGivesUpAfterMaxRetries(t *testing.T) {
	log := &upstreamLog{}
	upstream := testutil.StartTLSUpstream(t, testDomain, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
		w.WriteHeader(http.StatusOK)
	}))
	recorder := newStats()
	proxyServer := startProxy(t, newTestEngine(t, upstream, fastPolicy(3), recorder), 0)

	resp, err := http.Post(proxyServer.URL+"/v1/models", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("proxy request: %v", err)
	}
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if body != emptyBodyMessage {
		t.Fatalf("unexpected 502 body %q", body)
	}
	if got := log.count(); got != 4 {
		t.Fatalf("expected 4 attempts for 3 retries, got %d", got)
	}

	snapshot := recorder.Store().Snapshot()
	if snapshot.Total.Requests != 1 || snapshot.Total.Failures != 1 || snapshot.Total.SuccessTotal() != 0 {
		t.Fatalf("unexpected totals %+v", snapshot.Total)
	}
	if snapshot.Daily.Failures != 1 {
		t.Fatalf("expected daily failure, got %+v", snapshot.Daily)
	}
}

func TestForwardDoesNotRetryEmptyNon200(t *testing.T) {
	log := &upstreamLog{}
	upstream := testutil.StartTLSUpstream(t, testDomain, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusNotFound)
	}))
	recorder := newStats()
	proxyServer := startProxy(t, newTestEngine(t, upstream, fastPolicy(9), recorder), 0)

	resp, err := http.Get(proxyServer.URL + "/missing")
	if err != nil {
		t.Fatalf("proxy request: %v", err)
	}
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusNotFound || body != "" {
		t.Fatalf("expected empty 404, got %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Fatalf("expected upstream headers forwarded")
	}
	if got := log.count(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
	if got := recorder.Store().Snapshot().Total.Success[0]; got != 1 {
		t.Fatalf("expected success[0] 1, got %d", got)
	}
}

func TestForwardTransportErrorIsTerminal(t *testing.T) {
	addr := testutil.UnusedAddr(t)
	rt, err := transport.NewTransport(transport.Options{TargetAddr: addr, ServerName: testDomain})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	recorder := newStats()
	proxyServer := startProxy(t, newEngineWithTransport(t, addr, rt, fastPolicy(9), recorder, nil), 0)

	resp, err := http.Get(proxyServer.URL + "/v1/models")
	if err != nil {
		t.Fatalf("proxy request: %v", err)
	}
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if !strings.HasPrefix(body, "Proxy error: ") {
		t.Fatalf("expected error text, got %q", body)
	}

	total := recorder.Store().Snapshot().Total
	if total.Requests != 1 || total.Failures != 0 || total.SuccessTotal() != 0 {
		t.Fatalf("transport errors must only count the request, got %+v", total)
	}
}

func TestForwardAttemptTimeoutIsTransportError(t *testing.T) {
	log := &upstreamLog{}
	upstream := testutil.StartTLSUpstream(t, testDomain, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	policy := retry.Policy{MaxRetries: 3, Backoff: time.Millisecond, PerTryTimeout: 50 * time.Millisecond}
	engine := newTestEngine(t, upstream, policy, nil)

	req := httptest.NewRequest(http.MethodGet, "/slow", nil)
	rec := httptest.NewRecorder()
	outcome := engine.Forward(context.Background(), rec, NewRequestContext(req, "req-1", nil))

	if outcome.Kind != OutcomeError || outcome.Reason != ReasonTransportError {
		t.Fatalf("expected transport error outcome, got %+v", outcome)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "timed out") {
		t.Fatalf("expected timeout text, got %q", rec.Body.String())
	}
	if retry.ClassifyError(outcome.Err) != retry.CategoryTimeout {
		t.Fatalf("expected timeout category for %v", outcome.Err)
	}
	if got := log.count(); got != 1 {
		t.Fatalf("timeouts must not be retried, got %d attempts", got)
	}
}

func TestForwardClientCancelStopsRetries(t *testing.T) {
	log := &upstreamLog{}
	upstream := testutil.StartTLSUpstream(t, testDomain, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
		w.WriteHeader(http.StatusOK)
	}))
	recorder := newStats()
	policy := retry.Policy{MaxRetries: 9, Backoff: 10 * time.Second, PerTryTimeout: 5 * time.Second}
	engine := newTestEngine(t, upstream, policy, recorder)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	req := httptest.NewRequest(http.MethodPost, "/v1/models", nil)
	rc := NewRequestContext(req, "req-1", []byte("body"))
	rec := httptest.NewRecorder()
	start := time.Now()
	outcome := engine.Forward(ctx, rec, rc)

	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("backoff not cancelled, took %s", elapsed)
	}
	if outcome.Kind != OutcomeCanceled || outcome.RetryCount != 1 {
		t.Fatalf("expected canceled after one retry was scheduled, got %+v", outcome)
	}
	if rec.Body.Len() != 0 || len(rec.Header()) != 0 {
		t.Fatalf("nothing may be written for a gone client, got %q %v", rec.Body.String(), rec.Header())
	}
	if !rc.Released() || rc.Body != nil {
		t.Fatalf("expected request context released")
	}
	if got := log.count(); got != 1 {
		t.Fatalf("expected no attempt after cancel, got %d", got)
	}
	total := recorder.Store().Snapshot().Total
	if total.Requests != 0 || total.Failures != 0 || total.SuccessTotal() != 0 {
		t.Fatalf("a canceled forward must not record an outcome, got %+v", total)
	}
}

func TestForwardStreamsLargeResponse(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 8192)
	upstream := testutil.StartTLSUpstream(t, testDomain, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for offset := 0; offset < len(payload); offset += 10000 {
			end := min(offset+10000, len(payload))
			_, _ = w.Write(payload[offset:end])
			flusher.Flush()
		}
	}))
	engine := newTestEngine(t, upstream, fastPolicy(1), nil)

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	rec := httptest.NewRecorder()
	outcome := engine.Forward(context.Background(), rec, NewRequestContext(req, "req-1", nil))

	if outcome.Kind != OutcomeSuccess || outcome.Aborted {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if outcome.BytesTransferred != int64(len(payload)) {
		t.Fatalf("expected %d bytes, got %d", len(payload), outcome.BytesTransferred)
	}
	if !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Fatalf("payload mismatch")
	}
	if !rec.Flushed {
		t.Fatalf("expected streamed chunks to be flushed")
	}
	if rec.Header().Get(RequestIDHeader) != "req-1" {
		t.Fatalf("expected request id header")
	}
}

func TestForwardHeadIsNotRetried(t *testing.T) {
	log := &upstreamLog{}
	upstream := testutil.StartTLSUpstream(t, testDomain, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
		w.Header().Set("Content-Length", "42")
	}))
	engine := newTestEngine(t, upstream, fastPolicy(3), nil)

	req := httptest.NewRequest(http.MethodHead, "/v1/models", nil)
	rec := httptest.NewRecorder()
	outcome := engine.Forward(context.Background(), rec, NewRequestContext(req, "req-1", nil))

	if outcome.Kind != OutcomeSuccess || outcome.Status != http.StatusOK {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if got := log.count(); got != 1 {
		t.Fatalf("expected one attempt, got %d", got)
	}
}

func TestForwardHeadersStripHopByHop(t *testing.T) {
	inbound := http.Header{}
	inbound.Set("Connection", "keep-alive, X-Custom-Hop")
	inbound.Set("X-Custom-Hop", "1")
	inbound.Set("Keep-Alive", "timeout=5")
	inbound.Set("Content-Length", "10")
	inbound.Set("X-Forwarded-Host", "proxy.local")
	inbound.Set("Authorization", "Bearer abc")

	out := forwardHeaders(inbound)
	for _, key := range []string{"Connection", "X-Custom-Hop", "Keep-Alive", "Content-Length", "X-Forwarded-Host"} {
		if out.Get(key) != "" {
			t.Fatalf("expected %s removed", key)
		}
	}
	if out.Get("Authorization") != "Bearer abc" {
		t.Fatalf("expected Authorization kept")
	}
	if inbound.Get("Connection") == "" {
		t.Fatalf("inbound headers must not be modified")
	}
}

func TestNewEngineRequiresTransport(t *testing.T) {
	if _, err := NewEngine(EngineConfig{TargetAddr: "127.0.0.1:443"}); err != ErrNoTransport {
		t.Fatalf("expected ErrNoTransport, got %v", err)
	}
}
