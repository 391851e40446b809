package stats

import (
	"context"
	"errors"
	"time"

	"gemini_proxy/internal/broker"
	"gemini_proxy/internal/obs"
)

const defaultQueueSize = 4096

type SyncConfig struct {
	// Broker is nil when stats sharing is disabled; the store still counts.
	Broker broker.Broker
	// SettleWindow is how long Start keeps listening for retained values
	// after the subscription is acknowledged.
	SettleWindow time.Duration
	QueueSize    int
	Logger       *obs.Logger
	Metrics      *obs.Metrics
}

type message struct {
	topic string
	value int64
}

// Sync bridges the store to the broker: every increment is published
// retained, retained values seen on the broker are fed back through
// ApplyObserved, and daily resets publish zeros.
type Sync struct {
	store   *Store
	topics  Topics
	broker  broker.Broker
	settle  time.Duration
	logger  *obs.Logger
	metrics *obs.Metrics

	queue  chan message
	done   chan struct{}
	closed bool // guarded by store.mu
}

func NewSync(store *Store, cfg SyncConfig) *Sync {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = obs.Nop()
	}
	s := &Sync{
		store:   store,
		topics:  store.Topics(),
		broker:  cfg.Broker,
		settle:  cfg.SettleWindow,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		done:    make(chan struct{}),
	}
	if s.broker == nil {
		close(s.done)
		return s
	}
	s.queue = make(chan message, cfg.QueueSize)
	go s.publishLoop()
	return s
}

func (s *Sync) Store() *Store {
	return s.store
}

func (s *Sync) Enabled() bool {
	return s.broker != nil
}

// BrokerState names the broker session state, or "disabled" without one.
func (s *Sync) BrokerState() string {
	if s.broker == nil {
		return "disabled"
	}
	return s.broker.State().String()
}

// Start subscribes to every stats topic so retained values reach the store
// before traffic is served. A broker that is not reachable within ctx is not
// fatal: the subscription stays registered and is applied on connect.
func (s *Sync) Start(ctx context.Context) error {
	if s.broker == nil {
		s.logger.Event(obs.LevelNormal, "stats_sync").Msg("no stats broker configured, counters stay local")
		return nil
	}
	topics := s.topics.All()
	if err := s.broker.Subscribe(ctx, topics, s.onMessage); err != nil {
		return err
	}
	if s.settle > 0 {
		timer := time.NewTimer(s.settle)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}
	snapshot := s.store.Snapshot()
	s.logger.Event(obs.LevelNormal, "stats_restored").
		Int("topics", len(topics)).
		Int64("daily_requests", snapshot.Daily.Requests).
		Int64("total_requests", snapshot.Total.Requests).
		Int64("total_failures", snapshot.Total.Failures).
		Msg("stats subscription active")
	return nil
}

func (s *Sync) RecordRequest() {
	s.store.increment(s.enqueue,
		Key{Epoch: EpochDaily, Kind: KindRequests},
		Key{Epoch: EpochTotal, Kind: KindRequests})
}

func (s *Sync) RecordSuccess(retryCount int) {
	if retryCount < 0 {
		retryCount = 0
	}
	s.store.increment(s.enqueue,
		Key{Epoch: EpochDaily, Kind: KindSuccess, Retry: retryCount},
		Key{Epoch: EpochTotal, Kind: KindSuccess, Retry: retryCount})
}

func (s *Sync) RecordFailure() {
	s.store.increment(s.enqueue,
		Key{Epoch: EpochDaily, Kind: KindFailures},
		Key{Epoch: EpochTotal, Kind: KindFailures})
}

// PublishIncrement queues a post-increment value for retained publication.
func (s *Sync) PublishIncrement(epoch Epoch, kind Kind, retry int, value int64) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.enqueue(Key{Epoch: epoch, Kind: kind, Retry: retry}, value)
}

// ResetDaily zeroes the daily counters and publishes a zero for every daily topic.
func (s *Sync) ResetDaily() {
	s.store.resetDaily(s.enqueue)
	s.metrics.RecordDailyReset()
	s.logger.Event(obs.LevelMinimal, "stats_reset").Msg("daily stats reset")
}

// enqueue runs with store.mu held.
func (s *Sync) enqueue(key Key, value int64) {
	if s.broker == nil || s.closed {
		return
	}
	select {
	case s.queue <- message{topic: s.topics.Name(key), value: value}:
	default:
		s.metrics.RecordPublishDropped("queue_full")
	}
}

func (s *Sync) publishLoop() {
	defer close(s.done)
	for msg := range s.queue {
		if s.broker.State() != broker.StateConnected {
			s.metrics.RecordPublishDropped("not_connected")
			continue
		}
		if err := s.broker.Publish(msg.topic, FormatValue(msg.value), true); err != nil {
			s.metrics.RecordPublishDropped("error")
			s.logger.Event(obs.LevelNormal, "stats_publish").Err(err).Str("topic", msg.topic).Msg("stats publish failed")
			continue
		}
		s.logger.Event(obs.LevelVerbose, "stats_publish").Str("topic", msg.topic).Int64("value", msg.value).Send()
	}
}

func (s *Sync) onMessage(topic string, payload []byte) {
	value, err := ParseValue(payload)
	if err != nil {
		s.metrics.RecordObservedRejected("malformed")
		s.logger.Warn("stats_message").Err(err).Str("topic", topic).Msg("discarding stats message")
		return
	}
	changed, err := s.store.ApplyObserved(topic, value)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, ErrUnknownTopic) {
			reason = "unknown_topic"
		}
		s.metrics.RecordObservedRejected(reason)
		s.logger.Warn("stats_message").Err(err).Str("topic", topic).Msg("discarding stats message")
		return
	}
	if changed {
		s.logger.Event(obs.LevelVerbose, "stats_observed").Str("topic", topic).Int64("value", value).Msg("adopted stats value")
	}
}

// Close stops accepting increments for publication, drains queued values
// and closes the broker session.
func (s *Sync) Close(ctx context.Context) error {
	s.store.mu.Lock()
	if s.closed {
		s.store.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.queue != nil {
		close(s.queue)
	}
	s.store.mu.Unlock()

	if s.broker == nil {
		return nil
	}
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return s.broker.Close(ctx)
}
