package stats

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultTopicPrefix is the namespace shared by every proxy instance.
const DefaultTopicPrefix = "gemini-proxy/stats/"

// MinSuccessTopics is the lowest retry count enumerated for success topics,
// regardless of how small the configured retry limit is.
const MinSuccessTopics = 20

var (
	ErrUnknownTopic   = errors.New("unknown stats topic")
	ErrMalformedValue = errors.New("malformed stats value")
)

type Epoch string

const (
	EpochDaily Epoch = "daily"
	EpochTotal Epoch = "total"
)

type Kind string

const (
	KindRequests Kind = "requests"
	KindFailures Kind = "failures"
	KindSuccess  Kind = "success"
)

// Key addresses one counter. Retry is only meaningful for KindSuccess.
type Key struct {
	Epoch Epoch
	Kind  Kind
	Retry int
}

func (k Key) String() string {
	if k.Kind == KindSuccess {
		return fmt.Sprintf("%s/%s/%d", k.Epoch, k.Kind, k.Retry)
	}
	return fmt.Sprintf("%s/%s", k.Epoch, k.Kind)
}

// Topics maps counter keys to broker topic names and back.
type Topics struct {
	prefix   string
	maxRetry int
}

func NewTopics(prefix string, maxRetries int) Topics {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	maxRetry := maxRetries
	if maxRetry < MinSuccessTopics {
		maxRetry = MinSuccessTopics
	}
	return Topics{prefix: prefix, maxRetry: maxRetry}
}

// MaxRetry is the highest retry count that has a pre-enumerated success topic.
func (t Topics) MaxRetry() int {
	return t.maxRetry
}

func (t Topics) Name(key Key) string {
	return t.prefix + key.String()
}

func (t Topics) Parse(topic string) (Key, error) {
	rest, ok := strings.CutPrefix(topic, t.prefix)
	if !ok {
		return Key{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	parts := strings.Split(rest, "/")
	if len(parts) < 2 {
		return Key{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	epoch := Epoch(parts[0])
	if epoch != EpochDaily && epoch != EpochTotal {
		return Key{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	switch Kind(parts[1]) {
	case KindRequests, KindFailures:
		if len(parts) != 2 {
			return Key{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
		}
		return Key{Epoch: epoch, Kind: Kind(parts[1])}, nil
	case KindSuccess:
		if len(parts) != 3 {
			return Key{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
		}
		retry, err := strconv.Atoi(parts[2])
		if err != nil || retry < 0 || strconv.Itoa(retry) != parts[2] {
			return Key{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
		}
		return Key{Epoch: epoch, Kind: KindSuccess, Retry: retry}, nil
	}
	return Key{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
}

// Keys enumerates every counter of an epoch: requests, failures and
// success/0..MaxRetry.
func (t Topics) Keys(epoch Epoch) []Key {
	keys := make([]Key, 0, t.maxRetry+3)
	keys = append(keys, Key{Epoch: epoch, Kind: KindRequests}, Key{Epoch: epoch, Kind: KindFailures})
	for retry := 0; retry <= t.maxRetry; retry++ {
		keys = append(keys, Key{Epoch: epoch, Kind: KindSuccess, Retry: retry})
	}
	return keys
}

// All returns every topic name of both epochs.
func (t Topics) All() []string {
	names := make([]string, 0, 2*(t.maxRetry+3))
	for _, epoch := range []Epoch{EpochDaily, EpochTotal} {
		for _, key := range t.Keys(epoch) {
			names = append(names, t.Name(key))
		}
	}
	return names
}

// ParseValue decodes a decimal ASCII counter payload.
func ParseValue(payload []byte) (int64, error) {
	text := strings.TrimSpace(string(payload))
	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedValue, truncate(text, 32))
	}
	if value < 0 {
		return 0, fmt.Errorf("%w: negative value %d", ErrMalformedValue, value)
	}
	return value, nil
}

func FormatValue(value int64) []byte {
	return strconv.AppendInt(nil, value, 10)
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
