// Package config resolves proxy settings from defaults, a YAML file,
// environment variables and command-line flags, in that order of precedence.
package config

import (
	"net"
	"strconv"
	"time"

	"gemini_proxy/internal/retry"
	"gemini_proxy/internal/stats"
)

const (
	defaultHost          = "0.0.0.0"
	defaultPort          = 25055
	defaultTarget        = "example.com"
	defaultTargetPort    = 443
	defaultLogLevel      = "normal"
	defaultLogFormat     = "console"
	defaultMaxBodyBytes  = 32 << 20
	defaultShutdownGrace = 30 * time.Second
)

type BrokerConfig struct {
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type Config struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	TargetIP           string        `yaml:"target_ip"`
	TargetDomain       string        `yaml:"target_domain"`
	TargetPort         int           `yaml:"target_port"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	AttemptTimeout     time.Duration `yaml:"attempt_timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	MaxBodyBytes       int64         `yaml:"max_body_bytes"`
	LogLevel           string        `yaml:"log_level"`
	LogFormat          string        `yaml:"log_format"`
	AdminAddr          string        `yaml:"admin_addr"`
	GRPCAddr           string        `yaml:"grpc_addr"`
	AdminToken         string        `yaml:"admin_token"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	Broker             BrokerConfig  `yaml:"broker"`
}

// Default returns the built-in settings. Target ip and domain stay empty so
// that either one, once set, can stand in for the other.
func Default() Config {
	return Config{
		Host:            defaultHost,
		Port:            defaultPort,
		TargetPort:      defaultTargetPort,
		MaxRetries:      retry.DefaultMaxRetries,
		RetryBackoff:    retry.DefaultBackoff,
		AttemptTimeout:  retry.DefaultPerTryTimeout,
		MaxBodyBytes:    defaultMaxBodyBytes,
		LogLevel:        defaultLogLevel,
		LogFormat:       defaultLogFormat,
		ShutdownTimeout: defaultShutdownGrace,
		Broker: BrokerConfig{
			TopicPrefix: stats.DefaultTopicPrefix,
		},
	}
}

// resolveTargets fills whichever of target ip and domain is missing from
// the other.
func (c *Config) resolveTargets() {
	switch {
	case c.TargetIP == "" && c.TargetDomain == "":
		c.TargetIP = defaultTarget
		c.TargetDomain = defaultTarget
	case c.TargetIP == "":
		c.TargetIP = c.TargetDomain
	case c.TargetDomain == "":
		c.TargetDomain = c.TargetIP
	}
	if c.Broker.TopicPrefix == "" {
		c.Broker.TopicPrefix = stats.DefaultTopicPrefix
	}
}

func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) TargetAddr() string {
	return net.JoinHostPort(c.TargetIP, strconv.Itoa(c.TargetPort))
}

// StatsEnabled reports whether counters are shared through a broker.
func (c Config) StatsEnabled() bool {
	return c.Broker.URL != ""
}

func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:    c.MaxRetries,
		Backoff:       c.RetryBackoff,
		PerTryTimeout: c.AttemptTimeout,
	}
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.Broker.Password != "" {
		c.Broker.Password = "[redacted]"
	}
	if c.AdminToken != "" {
		c.AdminToken = "[redacted]"
	}
	return c
}
