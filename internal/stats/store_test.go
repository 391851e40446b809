package stats

import (
	"errors"
	"sync"
	"testing"
)

func TestStoreConcurrentIncrementsAreExact(t *testing.T) {
	store := NewStore(NewTopics("", 9))

	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.IncrementSuccess(EpochDaily, 0)
			store.IncrementSuccess(EpochTotal, 0)
		}()
	}
	wg.Wait()

	snapshot := store.Snapshot()
	if got := snapshot.Daily.Success[0]; got != 1000 {
		t.Fatalf("expected daily success[0] 1000, got %d", got)
	}
	if got := snapshot.Total.Success[0]; got != 1000 {
		t.Fatalf("expected total success[0] 1000, got %d", got)
	}
}

func TestStoreCounterConservation(t *testing.T) {
	store := NewStore(NewTopics("", 9))
	retries := []int{0, 0, 1, 3, 9, 0, 2}
	failures := 4

	for range retries {
		store.IncrementRequests(EpochTotal)
	}
	for i := 0; i < failures; i++ {
		store.IncrementRequests(EpochTotal)
		store.IncrementFailure(EpochTotal)
	}
	for _, retry := range retries {
		store.IncrementSuccess(EpochTotal, retry)
	}

	total := store.Snapshot().Total
	if total.Requests != int64(len(retries)+failures) {
		t.Fatalf("expected %d requests, got %d", len(retries)+failures, total.Requests)
	}
	if total.Failures != int64(failures) {
		t.Fatalf("expected %d failures, got %d", failures, total.Failures)
	}
	if total.SuccessTotal() != int64(len(retries)) {
		t.Fatalf("expected %d successes, got %d", len(retries), total.SuccessTotal())
	}
	if total.Success[0] != 3 {
		t.Fatalf("expected success[0] 3, got %d", total.Success[0])
	}
}

func TestStoreResetDailyKeepsTotals(t *testing.T) {
	store := NewStore(NewTopics("", 9))
	for _, epoch := range []Epoch{EpochDaily, EpochTotal} {
		store.IncrementRequests(epoch)
		store.IncrementRequests(epoch)
		store.IncrementFailure(epoch)
		store.IncrementSuccess(epoch, 4)
	}

	store.ResetDaily()

	snapshot := store.Snapshot()
	if snapshot.Daily.Requests != 0 || snapshot.Daily.Failures != 0 || snapshot.Daily.SuccessTotal() != 0 {
		t.Fatalf("expected zeroed daily counters, got %+v", snapshot.Daily)
	}
	if snapshot.Total.Requests != 2 || snapshot.Total.Failures != 1 || snapshot.Total.Success[4] != 1 {
		t.Fatalf("expected totals untouched, got %+v", snapshot.Total)
	}
}

func TestStoreResetDailyEmitsEveryDailyKey(t *testing.T) {
	store := NewStore(NewTopics("", 9))
	store.IncrementSuccess(EpochDaily, 25)

	emitted := map[Key]int64{}
	store.resetDaily(func(key Key, value int64) {
		emitted[key] = value
	})

	// requests, failures, success/0..20 and the out-of-range success/25
	if len(emitted) != 2+21+1 {
		t.Fatalf("expected 24 emitted keys, got %d", len(emitted))
	}
	for key, value := range emitted {
		if key.Epoch != EpochDaily {
			t.Fatalf("reset emitted non-daily key %v", key)
		}
		if value != 0 {
			t.Fatalf("reset emitted %d for %v", value, key)
		}
	}
	if _, ok := emitted[Key{Epoch: EpochDaily, Kind: KindSuccess, Retry: 25}]; !ok {
		t.Fatalf("expected reset of success/25")
	}
}

func TestApplyObservedAdoptsHigherValues(t *testing.T) {
	topics := NewTopics("", 9)
	store := NewStore(topics)

	changed, err := store.ApplyObserved(topics.Name(Key{Epoch: EpochTotal, Kind: KindRequests}), 42)
	if err != nil || !changed {
		t.Fatalf("expected adoption, changed=%v err=%v", changed, err)
	}
	changed, err = store.ApplyObserved(topics.Name(Key{Epoch: EpochTotal, Kind: KindFailures}), 3)
	if err != nil || !changed {
		t.Fatalf("expected adoption, changed=%v err=%v", changed, err)
	}

	total := store.Snapshot().Total
	if total.Requests != 42 || total.Failures != 3 {
		t.Fatalf("expected {42, 3}, got {%d, %d}", total.Requests, total.Failures)
	}
}

func TestApplyObservedIgnoresStaleValues(t *testing.T) {
	topics := NewTopics("", 9)
	store := NewStore(topics)
	for i := 0; i < 5; i++ {
		store.IncrementRequests(EpochTotal)
		store.IncrementRequests(EpochDaily)
	}

	changed, err := store.ApplyObserved(topics.Name(Key{Epoch: EpochTotal, Kind: KindRequests}), 3)
	if err != nil || changed {
		t.Fatalf("expected stale total ignored, changed=%v err=%v", changed, err)
	}
	changed, err = store.ApplyObserved(topics.Name(Key{Epoch: EpochTotal, Kind: KindRequests}), 0)
	if err != nil || changed {
		t.Fatalf("expected zero total ignored, changed=%v err=%v", changed, err)
	}
	changed, err = store.ApplyObserved(topics.Name(Key{Epoch: EpochDaily, Kind: KindRequests}), 5)
	if err != nil || changed {
		t.Fatalf("expected echo ignored, changed=%v err=%v", changed, err)
	}

	if got := store.Value(Key{Epoch: EpochTotal, Kind: KindRequests}); got != 5 {
		t.Fatalf("expected total requests 5, got %d", got)
	}
}

func TestApplyObservedZeroOnDailyIsRemoteReset(t *testing.T) {
	topics := NewTopics("", 9)
	store := NewStore(topics)
	store.IncrementSuccess(EpochDaily, 2)

	changed, err := store.ApplyObserved(topics.Name(Key{Epoch: EpochDaily, Kind: KindSuccess, Retry: 2}), 0)
	if err != nil || !changed {
		t.Fatalf("expected remote reset adopted, changed=%v err=%v", changed, err)
	}
	if got := store.Value(Key{Epoch: EpochDaily, Kind: KindSuccess, Retry: 2}); got != 0 {
		t.Fatalf("expected daily success[2] 0, got %d", got)
	}
}

func TestApplyObservedRejectsUnknownTopic(t *testing.T) {
	store := NewStore(NewTopics("", 9))

	_, err := store.ApplyObserved("gemini-proxy/stats/weekly/requests", 1)
	if !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("expected ErrUnknownTopic, got %v", err)
	}
	_, err = store.ApplyObserved("gemini-proxy/stats/total/requests", -1)
	if !errors.Is(err, ErrMalformedValue) {
		t.Fatalf("expected ErrMalformedValue, got %v", err)
	}
}
