// Package limits bounds what the inbound listener accepts.
package limits

import (
	"fmt"
	"time"
)

const (
	defaultMaxHeaderBytes    = 64 * 1024
	defaultMaxBodyBytes      = 32 << 20
	defaultReadHeaderTimeout = 10 * time.Second
	defaultIdleTimeout       = 90 * time.Second
)

// Limits for the inbound server. WriteTimeout stays zero by default since
// responses stream for as long as the upstream keeps sending.
type Limits struct {
	MaxHeaderBytes    int
	MaxBodyBytes      int64
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

func Default() Limits {
	return Limits{
		MaxHeaderBytes:    defaultMaxHeaderBytes,
		MaxBodyBytes:      defaultMaxBodyBytes,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}
}

// WithBodyLimit returns the defaults with the body limit replaced when positive.
func WithBodyLimit(maxBodyBytes int64) Limits {
	limits := Default()
	if maxBodyBytes > 0 {
		limits.MaxBodyBytes = maxBodyBytes
	}
	return limits
}

func (l Limits) Validate() error {
	if l.MaxHeaderBytes <= 0 {
		return fmt.Errorf("max header bytes must be positive")
	}
	if l.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive")
	}
	if l.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("read header timeout must be positive")
	}
	if l.ReadTimeout < 0 || l.WriteTimeout < 0 || l.IdleTimeout < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}
	return nil
}
