package runtime

import (
	"context"
	"sync"
)

// InflightTracker counts requests being served so shutdown can wait for
// them to settle.
type InflightTracker struct {
	mu     sync.Mutex
	count  int64
	zeroCh chan struct{}
}

func NewInflightTracker() *InflightTracker {
	zeroCh := make(chan struct{})
	close(zeroCh)
	return &InflightTracker{zeroCh: zeroCh}
}

func (t *InflightTracker) Inc() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	if t.count == 1 {
		t.zeroCh = make(chan struct{})
	}
}

func (t *InflightTracker) Dec() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return
	}
	t.count--
	if t.count == 0 {
		close(t.zeroCh)
	}
}

func (t *InflightTracker) Count() int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Wait blocks until no request is in flight or ctx ends.
func (t *InflightTracker) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	waitCh := t.zeroCh
	t.mu.Unlock()
	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
