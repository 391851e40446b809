// Package transport builds the upstream HTTP transport. Every connection is
// dialed to the fixed target address while TLS presents the impersonated
// server name, whatever host the request URL names.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"time"
)

const (
	defaultDialTimeout           = 10 * time.Second
	defaultTLSHandshakeTimeout   = 10 * time.Second
	defaultExpectContinueTimeout = time.Second
	defaultIdleConnTimeout       = 90 * time.Second
	defaultMaxIdleConns          = 1024
	defaultMaxIdleConnsPerHost   = 256
)

var ErrNoTarget = errors.New("transport target address is required")

type Options struct {
	// TargetAddr is the ip:port dialed for every upstream connection.
	TargetAddr string
	// ServerName is sent as SNI and verified against the upstream certificate.
	ServerName         string
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool

	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
}

func DefaultOptions() Options {
	return Options{
		DialTimeout:           defaultDialTimeout,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		ExpectContinueTimeout: defaultExpectContinueTimeout,
		IdleConnTimeout:       defaultIdleConnTimeout,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
	}
}

func NewTransport(opts Options) (*http.Transport, error) {
	if opts.TargetAddr == "" {
		return nil, ErrNoTarget
	}
	opts = normalizeOptions(opts)

	dialer := &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}
	target := opts.TargetAddr
	dial := func(ctx context.Context, network, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, target)
	}

	return &http.Transport{
		DialContext: dial,
		TLSClientConfig: &tls.Config{
			ServerName:         opts.ServerName,
			InsecureSkipVerify: opts.InsecureSkipVerify,
			RootCAs:            opts.RootCAs,
			MinVersion:         tls.VersionTLS12,
		},
		TLSHandshakeTimeout:   opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: opts.ExpectContinueTimeout,
		IdleConnTimeout:       opts.IdleConnTimeout,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
	}, nil
}

func normalizeOptions(opts Options) Options {
	defaults := DefaultOptions()
	if opts.ServerName == "" {
		if host, _, err := net.SplitHostPort(opts.TargetAddr); err == nil {
			opts.ServerName = host
		}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaults.DialTimeout
	}
	if opts.TLSHandshakeTimeout <= 0 {
		opts.TLSHandshakeTimeout = defaults.TLSHandshakeTimeout
	}
	if opts.ExpectContinueTimeout <= 0 {
		opts.ExpectContinueTimeout = defaults.ExpectContinueTimeout
	}
	if opts.IdleConnTimeout <= 0 {
		opts.IdleConnTimeout = defaults.IdleConnTimeout
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = defaults.MaxIdleConns
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = defaults.MaxIdleConnsPerHost
	}
	if opts.MaxConnsPerHost < 0 {
		opts.MaxConnsPerHost = 0
	}
	return opts
}
