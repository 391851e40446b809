package testutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sync"
	"testing"

	"gemini_proxy/internal/obs"
)

// LogBuffer collects JSON log lines written by a test logger.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Entries decodes every line logged so far.
func (b *LogBuffer) Entries(t *testing.T) []map[string]interface{} {
	t.Helper()
	b.mu.Lock()
	data := append([]byte(nil), b.buf.Bytes()...)
	b.mu.Unlock()

	var entries []map[string]interface{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		entry := map[string]interface{}{}
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

// Kind returns the entries whose kind field matches.
func (b *LogBuffer) Kind(t *testing.T, kind string) []map[string]interface{} {
	t.Helper()
	var matched []map[string]interface{}
	for _, entry := range b.Entries(t) {
		if entry["kind"] == kind {
			matched = append(matched, entry)
		}
	}
	return matched
}

// CaptureLogs returns a JSON logger at level writing into a LogBuffer.
func CaptureLogs(level obs.Level) (*obs.Logger, *LogBuffer) {
	buffer := &LogBuffer{}
	return obs.NewLogger(buffer, obs.FormatJSON, level), buffer
}
