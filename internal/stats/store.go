package stats

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Counters is a copy of one epoch's counter set.
type Counters struct {
	Requests int64         `json:"requests"`
	Failures int64         `json:"failures"`
	Success  map[int]int64 `json:"success"`
}

// SuccessTotal sums success over every retry count.
func (c Counters) SuccessTotal() int64 {
	var sum int64
	for _, value := range c.Success {
		sum += value
	}
	return sum
}

// SuccessRetries returns the retry counts with a recorded success, ascending.
func (c Counters) SuccessRetries() []int {
	retries := make([]int, 0, len(c.Success))
	for retry := range c.Success {
		retries = append(retries, retry)
	}
	sort.Ints(retries)
	return retries
}

type Snapshot struct {
	Daily      Counters  `json:"daily"`
	Total      Counters  `json:"total"`
	DailySince time.Time `json:"daily_since"`
}

type counters struct {
	requests int64
	failures int64
	success  map[int]int64
}

func newCounters() *counters {
	return &counters{success: make(map[int]int64)}
}

func (c *counters) slot(key Key) *int64 {
	switch key.Kind {
	case KindRequests:
		return &c.requests
	case KindFailures:
		return &c.failures
	default:
		return nil
	}
}

func (c *counters) get(key Key) int64 {
	if key.Kind == KindSuccess {
		return c.success[key.Retry]
	}
	if slot := c.slot(key); slot != nil {
		return *slot
	}
	return 0
}

func (c *counters) set(key Key, value int64) {
	if key.Kind == KindSuccess {
		c.success[key.Retry] = value
		return
	}
	if slot := c.slot(key); slot != nil {
		*slot = value
	}
}

func (c *counters) copy() Counters {
	out := Counters{Requests: c.requests, Failures: c.failures, Success: make(map[int]int64, len(c.success))}
	for retry, value := range c.success {
		out.Success[retry] = value
	}
	return out
}

// Store owns the daily and total counters. It is the only place counter
// values change; every mutation happens under one mutex.
type Store struct {
	mu         sync.Mutex
	topics     Topics
	daily      *counters
	total      *counters
	dailySince time.Time
	now        func() time.Time
}

func NewStore(topics Topics) *Store {
	return &Store{
		topics:     topics,
		daily:      newCounters(),
		total:      newCounters(),
		dailySince: time.Now(),
		now:        time.Now,
	}
}

func (s *Store) Topics() Topics {
	return s.topics
}

func (s *Store) IncrementRequests(epoch Epoch) int64 {
	return s.increment(nil, Key{Epoch: epoch, Kind: KindRequests})[0]
}

func (s *Store) IncrementSuccess(epoch Epoch, retryCount int) int64 {
	if retryCount < 0 {
		retryCount = 0
	}
	return s.increment(nil, Key{Epoch: epoch, Kind: KindSuccess, Retry: retryCount})[0]
}

func (s *Store) IncrementFailure(epoch Epoch) int64 {
	return s.increment(nil, Key{Epoch: epoch, Kind: KindFailures})[0]
}

// increment bumps every key by one under a single lock acquisition. emit is
// called with each post-increment value while the lock is still held, so
// the order of emitted values per key matches the order of increments.
func (s *Store) increment(emit func(Key, int64), keys ...Key) []int64 {
	values := make([]int64, len(keys))
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, key := range keys {
		set := s.epoch(key.Epoch)
		if set == nil {
			continue
		}
		value := set.get(key) + 1
		set.set(key, value)
		values[i] = value
		if emit != nil {
			emit(key, value)
		}
	}
	return values
}

// ResetDaily zeroes every daily counter. Totals are untouched.
func (s *Store) ResetDaily() {
	s.resetDaily(nil)
}

// resetDaily emits a zero for every enumerated daily key plus any success
// retry count beyond the enumeration that holds a value.
func (s *Store) resetDaily(emit func(Key, int64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.daily
	s.daily = newCounters()
	s.dailySince = s.now()
	if emit == nil {
		return
	}
	keys := s.topics.Keys(EpochDaily)
	for retry := range previous.success {
		if retry > s.topics.MaxRetry() {
			keys = append(keys, Key{Epoch: EpochDaily, Kind: KindSuccess, Retry: retry})
		}
	}
	for _, key := range keys {
		emit(key, 0)
	}
}

// ApplyObserved reconciles a value seen on the broker. Higher values are
// adopted; a zero on a daily topic is adopted as a remote daily reset; any
// other lower or equal value is an echo or stale and is ignored. It reports
// whether the local value changed.
func (s *Store) ApplyObserved(topic string, value int64) (bool, error) {
	key, err := s.topics.Parse(topic)
	if err != nil {
		return false, err
	}
	if value < 0 {
		return false, fmt.Errorf("%w: negative value %d", ErrMalformedValue, value)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.epoch(key.Epoch)
	current := set.get(key)
	switch {
	case value > current:
		set.set(key, value)
		return true, nil
	case value == 0 && current != 0 && key.Epoch == EpochDaily:
		set.set(key, 0)
		return true, nil
	default:
		return false, nil
	}
}

func (s *Store) Value(key Key) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.epoch(key.Epoch)
	if set == nil {
		return 0
	}
	return set.get(key)
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Daily:      s.daily.copy(),
		Total:      s.total.copy(),
		DailySince: s.dailySince,
	}
}

func (s *Store) epoch(epoch Epoch) *counters {
	switch epoch {
	case EpochDaily:
		return s.daily
	case EpochTotal:
		return s.total
	default:
		return nil
	}
}
