package broker

import (
	"context"
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"gemini_proxy/internal/obs"
)

const disconnectQuiesceMillis = 250

// MQTT is a clean-session MQTT client with automatic reconnect. Subscriptions
// are replayed on every (re)connect so retained values are received again.
type MQTT struct {
	cfg     Config
	client  mqtt.Client
	machine *stateMachine
	logger  *obs.Logger

	mu   sync.Mutex
	subs []*subscription
}

func OpenMQTT(cfg Config) (*MQTT, error) {
	cfg = cfg.normalize()
	m := &MQTT{cfg: cfg, logger: cfg.Logger}
	m.machine = newStateMachine(func(from, to State) {
		logStateChange(m.logger, cfg.URL, from, to)
		if cfg.OnStateChange != nil {
			cfg.OnStateChange(from, to)
		}
	})

	opts := mqttOptions(cfg)
	opts.SetOnConnectHandler(func(mqtt.Client) { m.onConnect() })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.logger.Error("broker_error", err).Msg("stats broker connection lost")
		m.machine.transition(StateOffline)
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		m.machine.transition(StateReconnecting)
	})
	m.client = mqtt.NewClient(opts)

	m.machine.transition(StateConnecting)
	token := m.client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			m.logger.Error("broker_error", err).Str("url", Redact(cfg.URL)).Msg("stats broker connect failed")
		}
	}()
	return m, nil
}

func mqttOptions(cfg Config) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.ReconnectInterval)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(cfg.ReconnectInterval)
	opts.SetWriteTimeout(cfg.PublishTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	return opts
}

func (m *MQTT) State() State {
	return m.machine.current()
}

func (m *MQTT) Publish(topic string, payload []byte, retained bool) error {
	switch m.machine.current() {
	case StateConnected:
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotConnected
	}
	token := m.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(m.cfg.PublishTimeout) {
		return fmt.Errorf("publish %s: timed out after %s", topic, m.cfg.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (m *MQTT) Subscribe(ctx context.Context, topics []string, handler Handler) error {
	if handler == nil || len(topics) == 0 {
		return nil
	}
	sub := newSubscription(topics, handler)
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()

	if err := m.machine.waitFor(ctx, StateConnected); err != nil {
		return err
	}
	return m.subscribe(ctx, sub)
}

func (m *MQTT) Close(ctx context.Context) error {
	if !m.machine.transition(StateClosed) {
		return nil
	}
	done := make(chan struct{})
	go func() {
		m.client.Disconnect(disconnectQuiesceMillis)
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MQTT) onConnect() {
	m.machine.transition(StateConnected)
	m.mu.Lock()
	subs := append([]*subscription(nil), m.subs...)
	m.mu.Unlock()

	go func() {
		for _, sub := range subs {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
			if err := m.subscribe(ctx, sub); err != nil {
				m.logger.Error("broker_error", err).Msg("stats resubscribe failed")
			}
			cancel()
		}
	}()
}

func (m *MQTT) subscribe(ctx context.Context, sub *subscription) error {
	filters := make(map[string]byte, len(sub.list))
	for _, topic := range sub.list {
		filters[topic] = 0
	}
	token := m.client.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		sub.handler(msg.Topic(), msg.Payload())
	})
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %d topics: %w", len(sub.list), err)
	}
	m.logger.Event(obs.LevelNormal, "broker_subscribed").Int("topics", len(sub.list)).Msg("subscribed to stats topics")
	return nil
}
