package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"

	"gemini_proxy/internal/obs"
)

// Redis emulates retained messages on Redis: a retained publish stores the
// payload under the topic key and publishes it on the topic channel in one
// transaction; subscribing reads the stored keys back.
type Redis struct {
	cfg     Config
	client  *redis.Client
	machine *stateMachine
	logger  *obs.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	subs   []*subscription
	pubsub *redis.PubSub

	// attachMu serializes attaching subscriptions. epoch counts successful
	// connects; attached maps each subscription to the epoch it was last
	// attached in.
	attachMu sync.Mutex
	epoch    int
	attached map[*subscription]int
}

func OpenRedis(cfg Config) (*Redis, error) {
	cfg = cfg.normalize()
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Username != "" {
		opts.Username = cfg.Username
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DialTimeout = cfg.ConnectTimeout
	opts.WriteTimeout = cfg.PublishTimeout

	ctx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		cfg:      cfg,
		client:   redis.NewClient(opts),
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		attached: make(map[*subscription]int),
	}
	r.machine = newStateMachine(func(from, to State) {
		logStateChange(r.logger, cfg.URL, from, to)
		if cfg.OnStateChange != nil {
			cfg.OnStateChange(from, to)
		}
	})
	r.machine.transition(StateConnecting)
	go r.run()
	return r, nil
}

func (r *Redis) State() State {
	return r.machine.current()
}

func (r *Redis) Publish(topic string, payload []byte, retained bool) error {
	switch r.machine.current() {
	case StateConnected:
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.PublishTimeout)
	defer cancel()
	if !retained {
		if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, topic, payload, 0)
	pipe.Publish(ctx, topic, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish retained %s: %w", topic, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topics []string, handler Handler) error {
	if handler == nil || len(topics) == 0 {
		return nil
	}
	sub := newSubscription(topics, handler)
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	if err := r.machine.waitFor(ctx, StateConnected); err != nil {
		return err
	}
	return r.attach(ctx, sub)
}

func (r *Redis) Close(ctx context.Context) error {
	if !r.machine.transition(StateClosed) {
		return nil
	}
	r.cancel()
	select {
	case <-r.done:
	case <-ctx.Done():
	}
	r.mu.Lock()
	pubsub := r.pubsub
	r.mu.Unlock()
	if pubsub != nil {
		_ = pubsub.Close()
	}
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return ctx.Err()
}

// run connects, then health-checks the session, walking the state machine
// through offline and reconnecting whenever a ping fails.
func (r *Redis) run() {
	defer close(r.done)
	if !r.connect() {
		return
	}
	r.attachAll()
	ticker := time.NewTicker(r.cfg.ReconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
		err := r.ping()
		if err == nil {
			continue
		}
		r.logger.Error("broker_error", err).Msg("stats broker ping failed")
		r.machine.transition(StateOffline)
		r.machine.transition(StateReconnecting)
		if !r.connect() {
			return
		}
		r.attachAll()
	}
}

func (r *Redis) connect() bool {
	policy := backoff.WithContext(backoff.NewConstantBackOff(r.cfg.ReconnectInterval), r.ctx)
	err := backoff.RetryNotify(r.ping, policy, func(err error, wait time.Duration) {
		r.logger.Event(obs.LevelNormal, "broker_error").Err(err).Dur("retry_in", wait).Msg("stats broker unreachable")
		if r.machine.current() == StateConnecting {
			r.machine.transition(StateOffline)
			r.machine.transition(StateReconnecting)
		}
	})
	if err != nil {
		return false
	}
	r.attachMu.Lock()
	r.epoch++
	r.attachMu.Unlock()
	return r.machine.transition(StateConnected)
}

func (r *Redis) ping() error {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.ConnectTimeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *Redis) listen(ctx context.Context, sub *subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		if err := r.pubsub.Subscribe(ctx, sub.list...); err != nil {
			return fmt.Errorf("subscribe %d topics: %w", len(sub.list), err)
		}
		return nil
	}
	pubsub := r.client.Subscribe(ctx, sub.list...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %d topics: %w", len(sub.list), err)
	}
	r.pubsub = pubsub
	go r.dispatch(pubsub.Channel())
	r.logger.Event(obs.LevelNormal, "broker_subscribed").Int("topics", len(sub.list)).Msg("subscribed to stats topics")
	return nil
}

func (r *Redis) dispatch(messages <-chan *redis.Message) {
	for msg := range messages {
		r.mu.Lock()
		subs := append([]*subscription(nil), r.subs...)
		r.mu.Unlock()
		for _, sub := range subs {
			if sub.matches(msg.Channel) {
				sub.handler(msg.Channel, []byte(msg.Payload))
			}
		}
	}
}

func (r *Redis) replayRetained(ctx context.Context, sub *subscription) error {
	values, err := r.client.MGet(ctx, sub.list...).Result()
	if err != nil {
		return fmt.Errorf("read retained values: %w", err)
	}
	for i, value := range values {
		text, ok := value.(string)
		if !ok {
			continue
		}
		sub.handler(sub.list[i], []byte(text))
	}
	return nil
}

// attachAll subscribes every registered subscription on the current session
// and reads its retained values back. Subscriptions registered while Redis
// was unreachable are attached here, and after a reconnect the replay picks
// up values published while offline.
func (r *Redis) attachAll() {
	r.mu.Lock()
	subs := append([]*subscription(nil), r.subs...)
	r.mu.Unlock()
	for _, sub := range subs {
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.ConnectTimeout)
		if err := r.attach(ctx, sub); err != nil {
			r.logger.Error("broker_error", err).Msg("stats resubscribe failed")
		}
		cancel()
	}
}

// attach is a no-op when sub is already attached for the current connect.
func (r *Redis) attach(ctx context.Context, sub *subscription) error {
	r.attachMu.Lock()
	defer r.attachMu.Unlock()
	if epoch, ok := r.attached[sub]; ok && epoch == r.epoch {
		return nil
	}
	if err := r.listen(ctx, sub); err != nil {
		return err
	}
	if err := r.replayRetained(ctx, sub); err != nil {
		return err
	}
	r.attached[sub] = r.epoch
	return nil
}
