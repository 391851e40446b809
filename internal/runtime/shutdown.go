package runtime

import "time"

const (
	defaultDrain           = 0
	defaultGracefulTimeout = 30 * time.Second
	defaultForceClose      = time.Second
)

// ShutdownConfig bounds each phase of a graceful stop. Drain is an optional
// pause after the listener closes; GracefulTimeout bounds waiting for
// inflight requests; ForceClose is the grace given before connections are
// cut once that wait expires.
type ShutdownConfig struct {
	Drain           time.Duration
	GracefulTimeout time.Duration
	ForceClose      time.Duration
}

func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		Drain:           defaultDrain,
		GracefulTimeout: defaultGracefulTimeout,
		ForceClose:      defaultForceClose,
	}
}

func ApplyShutdownDefaults(cfg ShutdownConfig) ShutdownConfig {
	defaults := DefaultShutdownConfig()
	if cfg.Drain < 0 {
		cfg.Drain = defaults.Drain
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaults.GracefulTimeout
	}
	if cfg.ForceClose <= 0 {
		cfg.ForceClose = defaults.ForceClose
	}
	return cfg
}
