package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// LoadOptions selects the layers Load reads. A nil LookupEnv falls back to
// os.LookupEnv; a nil Flags skips the flag layer.
type LoadOptions struct {
	Path      string
	Flags     *pflag.FlagSet
	LookupEnv func(string) (string, bool)
}

func (o LoadOptions) configPath() string {
	if o.Flags != nil && o.Flags.Changed(FlagConfig) {
		if value, err := o.Flags.GetString(FlagConfig); err == nil {
			return value
		}
	}
	return o.Path
}

// Load builds the effective configuration: defaults, then the YAML file,
// then environment variables, then explicitly set flags.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()

	if path := opts.configPath(); path != "" {
		if err := readFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}
	if opts.Flags != nil {
		if err := applyFlags(&cfg, opts.Flags); err != nil {
			return nil, err
		}
	}

	cfg.resolveTargets()
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}
	return nil
}

type envBinding struct {
	name  string
	apply func(cfg *Config, value string) error
}

var envBindings = []envBinding{
	{"TARGET_IP", func(c *Config, v string) error { c.TargetIP = v; return nil }},
	{"TARGET_DOMAIN", func(c *Config, v string) error { c.TargetDomain = v; return nil }},
	{"TARGET_PORT", intSetter(func(c *Config, n int) { c.TargetPort = n })},
	{"PORT", intSetter(func(c *Config, n int) { c.Port = n })},
	{"HOST", func(c *Config, v string) error { c.Host = v; return nil }},
	{"MAX_RETRIES", intSetter(func(c *Config, n int) { c.MaxRetries = n })},
	{"LOG_LEVEL", func(c *Config, v string) error { c.LogLevel = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.LogFormat = v; return nil }},
	{"RETRY_BACKOFF_MS", millisSetter(func(c *Config, d time.Duration) { c.RetryBackoff = d })},
	{"ATTEMPT_TIMEOUT_MS", millisSetter(func(c *Config, d time.Duration) { c.AttemptTimeout = d })},
	{"TLS_INSECURE", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.InsecureSkipVerify = b
		return nil
	}},
	{"MAX_BODY_BYTES", func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		c.MaxBodyBytes = n
		return nil
	}},
	{"ADMIN_ADDR", func(c *Config, v string) error { c.AdminAddr = v; return nil }},
	{"GRPC_ADDR", func(c *Config, v string) error { c.GRPCAddr = v; return nil }},
	{"ADMIN_TOKEN", func(c *Config, v string) error { c.AdminToken = v; return nil }},
	{"MQTT_BROKER_URL", func(c *Config, v string) error { c.Broker.URL = v; return nil }},
	{"MQTT_USERNAME", func(c *Config, v string) error { c.Broker.Username = v; return nil }},
	{"MQTT_PASSWORD", func(c *Config, v string) error { c.Broker.Password = v; return nil }},
	{"MQTT_CLIENT_ID", func(c *Config, v string) error { c.Broker.ClientID = v; return nil }},
	{"STATS_TOPIC_PREFIX", func(c *Config, v string) error { c.Broker.TopicPrefix = v; return nil }},
}

func intSetter(set func(*Config, int)) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		set(c, n)
		return nil
	}
}

func millisSetter(set func(*Config, time.Duration)) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		set(c, time.Duration(n)*time.Millisecond)
		return nil
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, binding := range envBindings {
		value, ok := lookup(binding.name)
		value = strings.TrimSpace(value)
		if !ok || value == "" {
			continue
		}
		if err := binding.apply(cfg, value); err != nil {
			return fmt.Errorf("%w: env %s=%q: %v", ErrInvalid, binding.name, value, err)
		}
	}
	return nil
}
