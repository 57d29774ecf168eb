package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_ExposesCounters(t *testing.T) {
	m := New()
	m.Registration()
	m.CallEvent(CallEventCall)
	m.Drop(DropReasonNoActiveCall)
	m.RelayForwarded(512)
	m.SetClientsActive(2)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	if rr.Code != 200 {
		t.Fatalf("status=%d, want 200", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	for _, want := range []string{
		"callbridge_registrations_total 1",
		`callbridge_call_events_total{event="call"} 1`,
		`callbridge_drops_total{reason="no_active_call"} 1`,
		"callbridge_relay_packets_total 1",
		"callbridge_relay_bytes_total 512",
		"callbridge_clients_active 2",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("exposition missing %q:\n%s", want, body)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.Registration()
	m.CallEvent(CallEventEnd)
	m.Drop(DropReasonRateLimited)
	m.RelayForwarded(1)
	m.SetClientsActive(1)
	m.SetCallsActive(1)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 500 {
		t.Fatalf("status=%d, want 500 for nil metrics", rr.Code)
	}
}
