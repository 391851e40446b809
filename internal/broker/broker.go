// Package broker carries retained counter messages between proxy instances.
// Implementations exist for MQTT, Redis pub/sub and an in-process hub.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"gemini_proxy/internal/obs"
)

var (
	ErrNotConnected  = errors.New("broker not connected")
	ErrClosed        = errors.New("broker closed")
	ErrNotConfigured = errors.New("broker url not configured")
)

const (
	defaultConnectTimeout    = 4 * time.Second
	defaultReconnectInterval = time.Second
	defaultPublishTimeout    = 2 * time.Second
	defaultClientIDPrefix    = "gemini-proxy-"
)

// Handler receives one inbound message. It may be called from any goroutine.
type Handler func(topic string, payload []byte)

type Broker interface {
	// Publish sends payload on topic. It fails fast with ErrNotConnected when
	// the session is not connected.
	Publish(topic string, payload []byte, retained bool) error
	// Subscribe registers handler for topics for the lifetime of the session,
	// including reconnects, and returns once the subscription is active and
	// retained values have been requested, or ctx ends.
	Subscribe(ctx context.Context, topics []string, handler Handler) error
	State() State
	Close(ctx context.Context) error
}

type Config struct {
	URL               string
	Username          string
	Password          string
	ClientID          string
	ConnectTimeout    time.Duration
	ReconnectInterval time.Duration
	PublishTimeout    time.Duration
	Logger            *obs.Logger
	OnStateChange     func(from, to State)
}

func (c Config) normalize() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = defaultReconnectInterval
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.ClientID == "" {
		c.ClientID = defaultClientIDPrefix + uuid.NewString()[:8]
	}
	if c.Logger == nil {
		c.Logger = obs.Nop()
	}
	return c
}

// SupportedScheme reports whether a broker url scheme can be opened.
func SupportedScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "mqtt", "mqtts", "tcp", "ssl", "tls", "ws", "wss", "redis", "rediss", "memory":
		return true
	default:
		return false
	}
}

// Open starts a session for cfg.URL. Connecting continues in the background;
// callers observe progress through State and Subscribe.
func Open(cfg Config) (Broker, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrNotConfigured
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	cfg = cfg.normalize()
	switch strings.ToLower(parsed.Scheme) {
	case "mqtt", "mqtts", "tcp", "ssl", "tls", "ws", "wss":
		return OpenMQTT(cfg)
	case "redis", "rediss":
		return OpenRedis(cfg)
	case "memory":
		return SharedHub(parsed.Host).Connect(cfg.ClientID, cfg.OnStateChange), nil
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", parsed.Scheme)
	}
}

// Redact strips credentials from a broker url for logging.
func Redact(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.User == nil {
		return raw
	}
	parsed.User = url.User(parsed.User.Username())
	return parsed.String()
}

type subscription struct {
	topics  map[string]struct{}
	list    []string
	handler Handler
}

func newSubscription(topics []string, handler Handler) *subscription {
	sub := &subscription{topics: make(map[string]struct{}, len(topics)), handler: handler}
	for _, topic := range topics {
		if _, ok := sub.topics[topic]; ok {
			continue
		}
		sub.topics[topic] = struct{}{}
		sub.list = append(sub.list, topic)
	}
	return sub
}

func (s *subscription) matches(topic string) bool {
	_, ok := s.topics[topic]
	return ok
}

func logStateChange(logger *obs.Logger, url string, from, to State) {
	switch to {
	case StateConnected:
		logger.Event(obs.LevelMinimal, "broker_connected").Str("url", Redact(url)).Str("from", from.String()).Msg("connected to stats broker")
	case StateOffline:
		logger.Warn("broker_offline").Str("url", Redact(url)).Msg("stats broker offline")
	case StateReconnecting:
		logger.Event(obs.LevelNormal, "broker_reconnecting").Str("url", Redact(url)).Msg("reconnecting to stats broker")
	case StateClosed:
		logger.Event(obs.LevelNormal, "broker_closed").Str("url", Redact(url)).Msg("stats broker session closed")
	default:
		logger.Event(obs.LevelVerbose, "broker_state").Str("from", from.String()).Str("to", to.String()).Msg("stats broker state changed")
	}
}
