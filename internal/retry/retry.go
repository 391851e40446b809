// Package retry decides what happens after each upstream attempt and owns
// the per-attempt deadline and the fixed backoff between attempts.
package retry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

const (
	DefaultMaxRetries    = 9
	DefaultBackoff       = time.Second
	DefaultPerTryTimeout = 60 * time.Second
)

// ErrAttemptTimeout is the cancellation cause of an attempt that outlived
// its per-attempt timeout.
var ErrAttemptTimeout = errors.New("upstream attempt timed out")

type Policy struct {
	MaxRetries    int
	Backoff       time.Duration
	PerTryTimeout time.Duration
}

func (p Policy) Normalize() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	if p.PerTryTimeout <= 0 {
		p.PerTryTimeout = DefaultPerTryTimeout
	}
	return p
}

type Decision int

const (
	// Deliver forwards the response as received.
	Deliver Decision = iota
	// Retry replays the request after the backoff.
	Retry
	// GiveUp ends the request with a bad gateway.
	GiveUp
)

func (d Decision) String() string {
	switch d {
	case Deliver:
		return "deliver"
	case Retry:
		return "retry"
	case GiveUp:
		return "give_up"
	default:
		return "unknown"
	}
}

// EmptyBody reports the one retry-eligible anomaly: status 200 and a body
// that ended before its first byte.
func EmptyBody(status int, bytesReceived int64) bool {
	return status == http.StatusOK && bytesReceived == 0
}

// Decide classifies a completed attempt. retryCount is the number of retries
// already issued for the request.
func Decide(status int, bytesReceived int64, retryCount int, policy Policy) Decision {
	if !EmptyBody(status, bytesReceived) {
		return Deliver
	}
	if retryCount < policy.MaxRetries {
		return Retry
	}
	return GiveUp
}

// Sleep waits d or until ctx ends, reporting whether the full wait elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Attempt scopes one upstream attempt. Its context is cancelled with
// ErrAttemptTimeout when the per-attempt timeout fires before Settle.
type Attempt struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  *time.Timer
}

func StartAttempt(parent context.Context, timeout time.Duration) *Attempt {
	ctx, cancel := context.WithCancelCause(parent)
	attempt := &Attempt{ctx: ctx, cancel: cancel}
	if timeout > 0 {
		attempt.timer = time.AfterFunc(timeout, func() {
			cancel(ErrAttemptTimeout)
		})
	}
	return attempt
}

func (a *Attempt) Context() context.Context {
	return a.ctx
}

// Settle stops the attempt timer once the retry decision is made, leaving the
// body free to stream for as long as the client reads. It reports false when
// the timer already fired.
func (a *Attempt) Settle() bool {
	if a.timer == nil {
		return a.ctx.Err() == nil
	}
	return a.timer.Stop()
}

func (a *Attempt) TimedOut() bool {
	return errors.Is(context.Cause(a.ctx), ErrAttemptTimeout)
}

// End releases the attempt context.
func (a *Attempt) End() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.cancel(context.Canceled)
}

// Drain discards what is left of a response body and closes it so the
// connection can return to the pool.
func Drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
