package provider

import (
	"testing"
	"time"
)

func TestMonitorAccumulatesRequests(t *testing.T) {
	m := NewProviderMonitor()

	m.RecordRequest(100 * time.Millisecond)

	stats := m.GetStats()
	if stats.RequestsLast1Hour != 1 {
		t.Errorf("Expected 1 request, got %d", stats.RequestsLast1Hour)
	}

	for i := 0; i < 100; i++ {
		m.RecordRequest(50 * time.Millisecond)
	}

	stats = m.GetStats()
	if stats.RequestsLast1Hour != 101 {
		t.Errorf("Expected 101 requests, got %d", stats.RequestsLast1Hour)
	}
	if stats.Status != StatusHealthy {
		t.Errorf("Expected healthy, got %s", stats.Status)
	}
}

func TestMonitorThrottleAndBlock(t *testing.T) {
	m := NewProviderMonitor()
	m.RecordThrottle(429, 0)
	if got := m.CheckProviderStatus(); got != StatusThrottled {
		t.Errorf("Expected throttled, got %s", got)
	}
	if m.GetRetryAfter() <= 0 {
		t.Error("Expected a retry-after window")
	}

	m.RecordThrottle(403, 0)
	if got := m.CheckProviderStatus(); got != StatusBlocked {
		t.Errorf("Expected blocked, got %s", got)
	}
}

func TestMonitorDegradedOnSlowResponses(t *testing.T) {
	m := NewProviderMonitor()
	for i := 0; i < 20; i++ {
		m.RecordRequest(5 * time.Second)
	}
	if got := m.CheckProviderStatus(); got != StatusDegraded {
		t.Errorf("Expected degraded, got %s", got)
	}
}

func TestDetectThrottlePattern(t *testing.T) {
	m := NewProviderMonitor()
	if !m.DetectThrottlePattern("Project Rate Limit hit") {
		t.Error("Expected pattern match")
	}
	if m.DetectThrottlePattern("execution reverted") {
		t.Error("Unexpected pattern match")
	}
}
