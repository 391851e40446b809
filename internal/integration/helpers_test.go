package integration

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"gemini_proxy/internal/broker"
	"gemini_proxy/internal/obs"
	"gemini_proxy/internal/proxy"
	"gemini_proxy/internal/retry"
	"gemini_proxy/internal/runtime"
	"gemini_proxy/internal/server"
	"gemini_proxy/internal/stats"
	"gemini_proxy/internal/testutil"
	"gemini_proxy/internal/transport"
)

const upstreamDomain = "api.upstream.test"

type stackOptions struct {
	upstream   *testutil.TLSUpstream
	domain     string
	hub        *broker.MemoryHub
	clientID   string
	maxRetries int
	logger     *obs.Logger
}

type stack struct {
	server  *server.Server
	sync    *stats.Sync
	metrics *obs.Metrics
	baseURL string
}

func startStack(t *testing.T, opts stackOptions) *stack {
	t.Helper()
	if opts.domain == "" {
		opts.domain = upstreamDomain
	}
	if opts.logger == nil {
		opts.logger = obs.Nop()
	}
	policy := retry.Policy{MaxRetries: opts.maxRetries, Backoff: 5 * time.Millisecond, PerTryTimeout: 5 * time.Second}
	metrics := obs.NewMetrics()

	var statsBroker broker.Broker
	if opts.hub != nil {
		statsBroker = opts.hub.Connect(opts.clientID, nil)
	}
	sync := stats.NewSync(stats.NewStore(stats.NewTopics("", opts.maxRetries)), stats.SyncConfig{
		Broker:  statsBroker,
		Logger:  opts.logger,
		Metrics: metrics,
	})
	if err := sync.Start(context.Background()); err != nil {
		t.Fatalf("start stats sync: %v", err)
	}

	upstreamTransport, err := transport.NewTransport(transport.Options{
		TargetAddr: opts.upstream.Addr,
		ServerName: opts.domain,
		RootCAs:    opts.upstream.Roots,
	})
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	engine, err := proxy.NewEngine(proxy.EngineConfig{
		TargetAddr:   opts.upstream.Addr,
		TargetDomain: opts.domain,
		Transport:    upstreamTransport,
		Policy:       policy,
		Stats:        sync,
		Metrics:      metrics,
		Logger:       opts.logger,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	inflight := runtime.NewInflightTracker()
	srv, err := server.StartServer(&proxy.Handler{
		Engine:   engine,
		Inflight: inflight,
		Logger:   opts.logger,
		Metrics:  metrics,
	}, "127.0.0.1:0", server.Options{
		Shutdown:  runtime.ShutdownConfig{GracefulTimeout: 2 * time.Second},
		Inflight:  inflight,
		Stoppers:  []server.Stopper{server.StopFunc(sync.Close)},
		CloseIdle: []func(){func() { transport.CloseIdle(upstreamTransport) }},
		Logger:    opts.logger,
	})
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown() })

	return &stack{server: srv, sync: sync, metrics: metrics, baseURL: "http://" + srv.Addr}
}

func (s *stack) get(t *testing.T, path string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func okUpstream(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	})
}
