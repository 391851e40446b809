package main

import (
	"context"
	"fmt"
	"time"

	"gemini_proxy/internal/admin"
	"gemini_proxy/internal/broker"
	"gemini_proxy/internal/config"
	"gemini_proxy/internal/limits"
	"gemini_proxy/internal/obs"
	"gemini_proxy/internal/proxy"
	"gemini_proxy/internal/runtime"
	"gemini_proxy/internal/server"
	"gemini_proxy/internal/stats"
	"gemini_proxy/internal/transport"
)

const statsSettleWindow = 300 * time.Millisecond

// app is one running proxy instance with every component it started.
type app struct {
	cfg       *config.Config
	logger    *obs.Logger
	metrics   *obs.Metrics
	sync      *stats.Sync
	scheduler *stats.Scheduler
	server    *server.Server
	admin     *admin.HTTPServer
	grpc      *admin.GRPCServer
	watcher   *config.Watcher
}

func start(ctx context.Context, cfg *config.Config, logger *obs.Logger, loadOpts config.LoadOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: obs.NewMetrics()}
	var started []server.Stopper
	fail := func(err error) (*app, error) {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := len(started) - 1; i >= 0; i-- {
			_ = started[i].Stop(stopCtx)
		}
		return nil, err
	}

	logger.Event(obs.LevelNormal, "config").
		Interface("config", cfg.Redacted()).
		Msg("effective configuration")

	store := stats.NewStore(stats.NewTopics(cfg.Broker.TopicPrefix, cfg.MaxRetries))
	if err := a.metrics.Register(stats.NewCollector(store)); err != nil {
		return fail(fmt.Errorf("register stats collector: %w", err))
	}

	var statsBroker broker.Broker
	if cfg.StatsEnabled() {
		b, err := broker.Open(broker.Config{
			URL:      cfg.Broker.URL,
			Username: cfg.Broker.Username,
			Password: cfg.Broker.Password,
			ClientID: cfg.Broker.ClientID,
			Logger:   logger,
			OnStateChange: func(_, to broker.State) {
				a.metrics.SetBrokerState(to.String())
			},
		})
		if err != nil {
			return fail(fmt.Errorf("open stats broker: %w", err))
		}
		statsBroker = b
	}

	a.sync = stats.NewSync(store, stats.SyncConfig{
		Broker:       statsBroker,
		SettleWindow: statsSettleWindow,
		Logger:       logger,
		Metrics:      a.metrics,
	})
	started = append(started, server.StopFunc(a.sync.Close))

	syncCtx, cancelSync := context.WithTimeout(ctx, 4*time.Second+statsSettleWindow)
	if err := a.sync.Start(syncCtx); err != nil {
		logger.Warn("stats_sync").Err(err).Msg("stats broker not ready, counters start from zero until it connects")
	}
	cancelSync()

	a.scheduler = stats.NewScheduler(a.sync.ResetDaily, time.Local, logger)
	if err := a.scheduler.Start(); err != nil {
		return fail(fmt.Errorf("start daily reset: %w", err))
	}
	started = append(started, server.StopFunc(a.scheduler.Stop))

	upstream, err := transport.NewTransport(transport.Options{
		TargetAddr:         cfg.TargetAddr(),
		ServerName:         cfg.TargetDomain,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	})
	if err != nil {
		return fail(fmt.Errorf("build upstream transport: %w", err))
	}
	engine, err := proxy.NewEngine(proxy.EngineConfig{
		TargetAddr:   cfg.TargetAddr(),
		TargetDomain: cfg.TargetDomain,
		Transport:    upstream,
		Policy:       cfg.RetryPolicy(),
		Stats:        a.sync,
		Metrics:      a.metrics,
		Logger:       logger,
	})
	if err != nil {
		return fail(err)
	}

	health := admin.NewHealth()
	if cfg.AdminAddr != "" {
		router := admin.NewRouter(admin.RouterConfig{
			Stats:   a.sync,
			Metrics: a.metrics,
			Health:  health,
			Auth:    admin.NewAuthenticator(cfg.AdminToken),
			Logger:  logger,
		})
		a.admin, err = admin.StartHTTP(cfg.AdminAddr, router, logger)
		if err != nil {
			return fail(fmt.Errorf("start admin listener: %w", err))
		}
		started = append(started, a.admin)
	}
	if cfg.GRPCAddr != "" {
		a.grpc, err = admin.StartGRPC(cfg.GRPCAddr, admin.GRPCConfig{
			Stats:   a.sync,
			Metrics: a.metrics,
			Health:  health,
			Logger:  logger,
		})
		if err != nil {
			return fail(fmt.Errorf("start grpc listener: %w", err))
		}
		started = append(started, a.grpc)
	}

	if loadOpts.Path != "" || (loadOpts.Flags != nil && loadOpts.Flags.Changed(config.FlagConfig)) {
		a.watcher, err = config.NewWatcher(config.WatcherConfig{
			Load:   loadOpts,
			Logger: logger,
			OnChange: func(next *config.Config) {
				if level, err := obs.ParseLevel(next.LogLevel); err == nil && level != logger.Level() {
					logger.SetLevel(level)
					logger.Event(obs.LevelMinimal, "log_level").Str("level", string(level)).Msg("log level changed")
				}
			},
		})
		if err != nil {
			return fail(err)
		}
		a.watcher.Start()
		started = append(started, a.watcher)
	}

	inflight := runtime.NewInflightTracker()
	handler := &proxy.Handler{
		Engine:       engine,
		Inflight:     inflight,
		Logger:       logger,
		Metrics:      a.metrics,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}
	// Stoppers run after inflight requests drain, so their final counter
	// updates are still published before the broker session closes.
	a.server, err = server.StartServer(handler, cfg.ListenAddr(), server.Options{
		Limits:      limits.WithBodyLimit(cfg.MaxBodyBytes),
		Shutdown:    runtime.ShutdownConfig{GracefulTimeout: cfg.ShutdownTimeout},
		Inflight:    inflight,
		BeforeDrain: []func(){health.MarkDraining},
		Stoppers:    reverse(started),
		CloseIdle:   []func(){func() { transport.CloseIdle(upstream) }},
		Logger:      logger,
	})
	if err != nil {
		return fail(fmt.Errorf("start proxy listener: %w", err))
	}

	a.banner()
	return a, nil
}

func (a *app) banner() {
	event := a.logger.Event(obs.LevelMinimal, "startup").
		Str("listen", a.server.Addr).
		Str("target", a.cfg.TargetAddr()).
		Str("domain", a.cfg.TargetDomain).
		Int("max_retries", a.cfg.MaxRetries).
		Str("log_level", string(a.logger.Level())).
		Str("stats_broker", a.sync.BrokerState())
	if a.cfg.StatsEnabled() {
		event = event.Str("broker_url", broker.Redact(a.cfg.Broker.URL))
	}
	if a.admin != nil {
		event = event.Str("admin", a.admin.Addr)
	}
	if a.grpc != nil {
		event = event.Str("grpc", a.grpc.Addr)
	}
	event.Msgf("proxy listening on %s, forwarding to https://%s (%s)", a.server.Addr, a.cfg.TargetAddr(), a.cfg.TargetDomain)
}

// Shutdown stops accepting, drains inflight requests, then stops the
// remaining components in reverse start order.
func (a *app) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- a.server.Shutdown() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func reverse(stoppers []server.Stopper) []server.Stopper {
	out := make([]server.Stopper, 0, len(stoppers))
	for i := len(stoppers) - 1; i >= 0; i-- {
		out = append(out, stoppers[i])
	}
	return out
}
