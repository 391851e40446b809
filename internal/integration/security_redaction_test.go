package integration

import (
	"net/http"
	"strings"
	"testing"

	"gemini_proxy/internal/obs"
	"gemini_proxy/internal/testutil"
)

func TestRequestLogsRedactCredentials(t *testing.T) {
	upstream := testutil.StartTLSUpstream(t, upstreamDomain, okUpstream(`{"ok":true}`))
	logger, logs := testutil.CaptureLogs(obs.LevelNormal)
	proxy := startStack(t, stackOptions{upstream: upstream, logger: logger})

	header := http.Header{}
	header.Set("X-Goog-Api-Key", "AIzaSyVerySecretKey")
	header.Set("Authorization", "Bearer top-secret")
	if resp, _ := proxy.get(t, "/v1/models", header); resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	for _, entry := range logs.Entries(t) {
		for key, value := range entry {
			if text, ok := value.(string); ok && (strings.Contains(text, "VerySecret") || strings.Contains(text, "top-secret")) {
				t.Fatalf("credential leaked in log field %s: %v", key, entry)
			}
		}
	}
	requests := logs.Kind(t, "request")
	if len(requests) != 1 {
		t.Fatalf("expected one request log, got %d", len(requests))
	}
	headers := requests[0]["headers"].(map[string]interface{})
	if headers["X-Goog-Api-Key"] != "AIzaS..." || headers["Authorization"] != "[redacted]" {
		t.Fatalf("unexpected header rendering %v", headers)
	}
	if len(logs.Kind(t, "request_body")) != 0 {
		t.Fatalf("bodies must only be logged at verbose")
	}
}
