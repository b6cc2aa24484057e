package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.FrameReceived("/topic/slots")
	m.FrameMalformed()
	m.HandlerFailed("/topic/slots")
	m.Reconnect()
	m.SetConnected(true)
	m.SetRelayClients(3)
	m.RelayBroadcast("/topic/slots")
	m.FeedRecord("ok")
	m.AvailabilityFetch("ok")
	m.BookingSubmission("book", "ok")
	m.QueueReconcile("poll", "ok")
	m.SetQueueWaiting(2)
	m.SetBreakerState("queue-poll", 1)
}

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.FrameReceived("/topic/slots")
	m.FrameReceived("/topic/slots")
	m.FrameMalformed()
	m.BookingSubmission("book", "conflict")

	out := scrape(t, m)
	for _, want := range []string{
		`clinicdesk_push_frames_received_total{topic="/topic/slots"} 2`,
		`clinicdesk_push_frames_malformed_total 1`,
		`clinicdesk_booking_submissions_total{kind="book",outcome="conflict"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in exposition, got:\n%s", want, out)
		}
	}
}

func TestMetrics_Gauges(t *testing.T) {
	m := New()
	m.SetConnected(true)
	m.SetQueueWaiting(4)

	out := scrape(t, m)
	if !strings.Contains(out, "clinicdesk_push_connected 1") {
		t.Errorf("expected connected gauge in exposition, got:\n%s", out)
	}
	if !strings.Contains(out, "clinicdesk_queue_waiting 4") {
		t.Errorf("expected waiting gauge in exposition, got:\n%s", out)
	}
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a := New()
	b := New()
	if a.Registry() == b.Registry() {
		t.Fatal("expected distinct registries")
	}
}
