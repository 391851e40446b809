package obs

import (
	"sync"
	"time"
)

const defaultRecentWindow = time.Minute

// RecentOutcomes is a per-second ring of terminal request outcomes covering
// the last window.
type RecentOutcomes struct {
	WindowSeconds int            `json:"window_seconds"`
	Total         int            `json:"total"`
	Outcomes      map[string]int `json:"outcomes"`
}

type outcomeWindow struct {
	mu      sync.Mutex
	buckets []outcomeBucket
	window  time.Duration
	now     func() time.Time
}

type outcomeBucket struct {
	second   int64
	outcomes map[string]int
}

func newOutcomeWindow(window time.Duration) *outcomeWindow {
	if window <= 0 {
		window = defaultRecentWindow
	}
	size := int(window.Seconds())
	if size < 1 {
		size = 1
	}
	return &outcomeWindow{buckets: make([]outcomeBucket, size), window: window, now: time.Now}
}

func (w *outcomeWindow) record(outcome string) {
	if w == nil {
		return
	}
	now := w.now().Unix()
	index := int(now % int64(len(w.buckets)))
	w.mu.Lock()
	defer w.mu.Unlock()
	bucket := w.buckets[index]
	if bucket.second != now || bucket.outcomes == nil {
		bucket = outcomeBucket{second: now, outcomes: make(map[string]int, 4)}
	}
	bucket.outcomes[outcome]++
	w.buckets[index] = bucket
}

func (w *outcomeWindow) counts() RecentOutcomes {
	recent := RecentOutcomes{Outcomes: map[string]int{}}
	if w == nil {
		return recent
	}
	maxAge := int64(len(w.buckets))
	recent.WindowSeconds = int(maxAge)
	now := w.now().Unix()
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, bucket := range w.buckets {
		if bucket.outcomes == nil || now-bucket.second >= maxAge {
			continue
		}
		for outcome, n := range bucket.outcomes {
			recent.Outcomes[outcome] += n
			recent.Total += n
		}
	}
	return recent
}
