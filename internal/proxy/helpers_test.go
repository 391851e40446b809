package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"gemini_proxy/internal/obs"
	"gemini_proxy/internal/retry"
	"gemini_proxy/internal/runtime"
	"gemini_proxy/internal/stats"
	"gemini_proxy/internal/testutil"
	"gemini_proxy/internal/transport"
)

const testDomain = "generativelanguage.googleapis.com"

type seenRequest struct {
	Method        string
	Path          string
	Query         string
	Host          string
	SNI           string
	Header        http.Header
	Body          []byte
	ContentLength int64
}

// upstreamLog records every attempt an upstream receives.
type upstreamLog struct {
	mu       sync.Mutex
	requests []seenRequest
}

func (l *upstreamLog) record(r *http.Request) seenRequest {
	body, _ := io.ReadAll(r.Body)
	seen := seenRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		Query:         r.URL.RawQuery,
		Host:          r.Host,
		Header:        r.Header.Clone(),
		Body:          body,
		ContentLength: r.ContentLength,
	}
	if r.TLS != nil {
		seen.SNI = r.TLS.ServerName
	}
	l.mu.Lock()
	l.requests = append(l.requests, seen)
	l.mu.Unlock()
	return seen
}

func (l *upstreamLog) all() []seenRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]seenRequest(nil), l.requests...)
}

func (l *upstreamLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

func fastPolicy(maxRetries int) retry.Policy {
	return retry.Policy{MaxRetries: maxRetries, Backoff: 5 * time.Millisecond, PerTryTimeout: 5 * time.Second}
}

func newStats() *stats.Sync {
	return stats.NewSync(stats.NewStore(stats.NewTopics("", 9)), stats.SyncConfig{})
}

func newTestEngine(t *testing.T, upstream *testutil.TLSUpstream, policy retry.Policy, recorder StatsRecorder) *Engine {
	t.Helper()
	return newLoggedEngine(t, upstream, policy, recorder, nil)
}

func newLoggedEngine(t *testing.T, upstream *testutil.TLSUpstream, policy retry.Policy, recorder StatsRecorder, logger *obs.Logger) *Engine {
	t.Helper()
	rt, err := transport.NewTransport(transport.Options{
		TargetAddr: upstream.Addr,
		ServerName: testDomain,
		RootCAs:    upstream.Roots,
	})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	t.Cleanup(func() { transport.CloseIdle(rt) })
	return newEngineWithTransport(t, upstream.Addr, rt, policy, recorder, logger)
}

func newEngineWithTransport(t *testing.T, addr string, rt http.RoundTripper, policy retry.Policy, recorder StatsRecorder, logger *obs.Logger) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineConfig{
		TargetAddr:   addr,
		TargetDomain: testDomain,
		Transport:    rt,
		Policy:       policy,
		Stats:        recorder,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func startProxy(t *testing.T, engine *Engine, maxBody int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(&Handler{
		Engine:       engine,
		Inflight:     runtime.NewInflightTracker(),
		MaxBodyBytes: maxBody,
	})
	t.Cleanup(server.Close)
	return server
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}
