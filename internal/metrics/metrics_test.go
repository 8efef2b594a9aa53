package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserversIncrementCollectors(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(requestAttemptsTotal.WithLabelValues("metrics-test.example", "ok"))
	ObserveAttempt("https://metrics-test.example/a", "ok", 10*time.Millisecond)
	after := testutil.ToFloat64(requestAttemptsTotal.WithLabelValues("metrics-test.example", "ok"))
	if after-before != 1 {
		t.Fatalf("expected attempts to grow by 1, got %f", after-before)
	}

	savedBefore := testutil.ToFloat64(itemsSavedTotal)
	ObserveFlush("ok", 7)
	ObserveFlush("error", 3)
	if got := testutil.ToFloat64(itemsSavedTotal) - savedBefore; got != 7 {
		t.Fatalf("expected saved items to grow by 7, got %f", got)
	}

	ObserveFailureSignal("retry")
	if testutil.ToFloat64(failureSignalsTotal.WithLabelValues("retry")) < 1 {
		t.Fatal("expected retry signal counter to be incremented")
	}
}

func TestObserveHTTPRequest(t *testing.T) {
	Init()
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/status", "200"))
	ObserveHTTPRequest("GET", "/status", 200, 5*time.Millisecond)
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/status", "200")) - before; got != 1 {
		t.Fatalf("expected request counter to grow by 1, got %f", got)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
