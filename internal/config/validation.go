package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"gemini_proxy/internal/broker"
	"gemini_proxy/internal/obs"
)

var ErrInvalid = errors.New("invalid config")

// Validate reports every problem found, joined, each wrapping ErrInvalid.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var problems []error
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalid}, args...)...))
	}

	if cfg.Port < 0 || cfg.Port > 65535 {
		add("port %d out of range", cfg.Port)
	}
	if cfg.TargetPort <= 0 || cfg.TargetPort > 65535 {
		add("target_port %d out of range", cfg.TargetPort)
	}
	if strings.TrimSpace(cfg.TargetIP) == "" || strings.TrimSpace(cfg.TargetDomain) == "" {
		add("target_ip and target_domain must not be empty")
	}
	if cfg.MaxRetries < 0 {
		add("max_retries must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.RetryBackoff < 0 {
		add("retry_backoff must be >= 0")
	}
	if cfg.AttemptTimeout <= 0 {
		add("attempt_timeout must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		add("max_body_bytes must be > 0")
	}
	if cfg.ShutdownTimeout < 0 {
		add("shutdown_timeout must be >= 0")
	}
	if _, err := obs.ParseLevel(cfg.LogLevel); err != nil {
		add("%v", err)
	}
	if cfg.LogFormat != obs.FormatConsole && cfg.LogFormat != obs.FormatJSON {
		add("log_format must be console or json, got %q", cfg.LogFormat)
	}
	if cfg.Broker.URL != "" {
		parsed, err := url.Parse(cfg.Broker.URL)
		switch {
		case err != nil:
			add("broker url: %v", err)
		case !broker.SupportedScheme(parsed.Scheme):
			add("broker url scheme %q is not supported", parsed.Scheme)
		}
	}
	if strings.TrimSpace(cfg.Broker.TopicPrefix) == "" {
		add("broker.topic_prefix must not be empty")
	}
	return errors.Join(problems...)
}
