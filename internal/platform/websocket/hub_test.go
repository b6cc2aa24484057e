package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/desk/internal/platform/telemetry"
)

func newTestHub() *Hub {
	return NewHub(zerolog.Nop(), telemetry.New())
}

func newTestClient(id string, topics ...string) *Client {
	c := NewClient(id, nil)
	c.Topics = topics
	return c
}

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestHub_RegisterClient(t *testing.T) {
	hub := newTestHub()
	hub.Register(newTestClient("client-1", "/topic/slots"))

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount("/topic/slots") != 1 {
		t.Fatalf("expected 1 client on /topic/slots, got %d", hub.TopicCount("/topic/slots"))
	}
}

func TestHub_UnregisterClosesSendAndIsIdempotent(t *testing.T) {
	hub := newTestHub()
	client := newTestClient("client-2", "/topic/slots")

	hub.Register(client)
	hub.Unregister(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.TopicCount("/topic/slots") != 0 {
		t.Fatalf("expected topic to be empty, got %d", hub.TopicCount("/topic/slots"))
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected send channel to be closed")
	}
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := newTestHub()
	subscriber := newTestClient("sub-1", "/topic/slots")
	other := newTestClient("sub-2", "/topic/appointments/status")
	hub.Register(subscriber)
	hub.Register(other)

	n := hub.Broadcast("/topic/slots", Event{
		Type:      EventSlotRemoved,
		Topic:     "/topic/slots",
		Timestamp: time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC),
		Data:      json.RawMessage(`{"date":"2025-06-10","start_time":"09:00","doctor_id":"D1","clinic_id":"C1","action":"REMOVE"}`),
	})
	if n != 1 {
		t.Fatalf("expected delivery to 1 client, got %d", n)
	}

	select {
	case msg := <-subscriber.Send:
		var got Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("failed to unmarshal: %v", err)
		}
		if got.Type != EventSlotRemoved || got.Topic != "/topic/slots" {
			t.Errorf("unexpected event %+v", got)
		}
		if !strings.Contains(string(got.Data), `"doctor_id":"D1"`) {
			t.Errorf("payload lost: %s", got.Data)
		}
	default:
		t.Fatal("subscriber did not receive the event")
	}

	select {
	case <-other.Send:
		t.Fatal("client on another topic must not receive the event")
	default:
	}
}

func TestHub_BroadcastToEmptyTopic(t *testing.T) {
	hub := newTestHub()
	if n := hub.Broadcast("/topic/none", Event{Type: EventSlotAdded}); n != 0 {
		t.Fatalf("expected 0 deliveries, got %d", n)
	}
}

func TestHub_BroadcastSkipsFullQueue(t *testing.T) {
	hub := newTestHub()
	client := &Client{ID: "slow", Topics: []string{"/topic/slots"}, Send: make(chan []byte, 1)}
	hub.Register(client)

	if n := hub.Broadcast("/topic/slots", Event{Type: EventSlotAdded}); n != 1 {
		t.Fatalf("first broadcast: expected 1, got %d", n)
	}
	if n := hub.Broadcast("/topic/slots", Event{Type: EventSlotAdded}); n != 0 {
		t.Fatalf("second broadcast into a full queue: expected 0, got %d", n)
	}
}

func TestHub_SubscribeIgnoresDuplicates(t *testing.T) {
	hub := newTestHub()
	client := newTestClient("c1")
	hub.Register(client)

	hub.Subscribe(client, []string{"/topic/slots", "/topic/slots", ""})
	hub.Subscribe(client, []string{"/topic/slots"})

	if len(client.Topics) != 1 {
		t.Fatalf("expected 1 topic, got %v", client.Topics)
	}
	if hub.Broadcast("/topic/slots", Event{Type: EventSlotAdded}) != 1 {
		t.Fatal("expected exactly one delivery")
	}
	if len(client.Send) != 1 {
		t.Fatalf("expected 1 queued frame, got %d", len(client.Send))
	}
}

func TestHub_UnsubscribeRemovesTopics(t *testing.T) {
	hub := newTestHub()
	client := newTestClient("c1", "/topic/slots", "/topic/appointments/status")
	hub.Register(client)

	hub.Unsubscribe(client, []string{"/topic/slots"})

	if hub.TopicCount("/topic/slots") != 0 {
		t.Fatalf("expected slots topic empty, got %d", hub.TopicCount("/topic/slots"))
	}
	if len(client.Topics) != 1 || client.Topics[0] != "/topic/appointments/status" {
		t.Fatalf("unexpected remaining topics %v", client.Topics)
	}

	// Unsubscribing again is harmless.
	hub.Unsubscribe(client, []string{"/topic/slots"})
	if hub.TopicCount("/topic/appointments/status") != 1 {
		t.Fatal("status subscription must survive")
	}
}

func TestHub_ProcessMessage(t *testing.T) {
	hub := newTestHub()
	client := newTestClient("c1")
	hub.Register(client)

	if err := hub.ProcessMessage(client, ClientMessage{Action: ActionSubscribe, Topics: []string{"/topic/slots"}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if hub.TopicCount("/topic/slots") != 1 {
		t.Fatal("expected subscription")
	}
	if err := hub.ProcessMessage(client, ClientMessage{Action: ActionUnsubscribe, Topics: []string{"/topic/slots"}}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if hub.TopicCount("/topic/slots") != 0 {
		t.Fatal("expected no subscription")
	}

	err := hub.ProcessMessage(client, ClientMessage{Action: "explode"})
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestHub_SendError(t *testing.T) {
	hub := newTestHub()
	client := newTestClient("c1")
	hub.Register(client)

	hub.SendError(client, "bad frame")

	var got Event
	if err := json.Unmarshal(<-client.Send, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != EventError {
		t.Fatalf("expected error frame, got %q", got.Type)
	}
	var data ErrorData
	if err := json.Unmarshal(got.Data, &data); err != nil || data.Message != "bad frame" {
		t.Fatalf("unexpected error payload %s", got.Data)
	}

	// After unregister SendError must not panic on the closed channel.
	hub.Unregister(client)
	hub.SendError(client, "late")
}

func TestHub_PublishRequiresTopic(t *testing.T) {
	hub := newTestHub()
	if err := hub.Publish(context.Background(), Event{Type: EventSlotAdded}); err == nil {
		t.Fatal("expected error for empty topic")
	}
}

func TestHub_PublishStampsTimestamp(t *testing.T) {
	hub := newTestHub()
	client := newTestClient("c1", "/topic/appointments/status")
	hub.Register(client)

	if err := hub.Publish(context.Background(), Event{Type: EventStatusChanged, Topic: "/topic/appointments/status"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	var got Event
	if err := json.Unmarshal(<-client.Send, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newTestClient("c", "/topic/slots")
			hub.Register(c)
			hub.Broadcast("/topic/slots", Event{Type: EventSlotAdded})
			hub.Unregister(c)
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHub_MetricsTrackClients(t *testing.T) {
	m := telemetry.New()
	hub := NewHub(zerolog.Nop(), m)
	hub.Register(newTestClient("c1", "/topic/slots"))
	hub.Broadcast("/topic/slots", Event{Type: EventSlotAdded})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "clinicdesk_relay_clients 1") {
		t.Errorf("expected relay client gauge in scrape:\n%s", body)
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func newTestServer(t *testing.T, hub *Hub, publishMW ...echo.MiddlewareFunc) *httptest.Server {
	t.Helper()
	e := echo.New()
	NewHandler(hub, zerolog.Nop()).RegisterRoutes(e.Group(""), publishMW...)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func dialTestServer(t *testing.T, srv *httptest.Server) *gorillawebsocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	e := echo.New()
	h := NewHandler(newTestHub(), zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.HandleConnect(c); err == nil {
		t.Fatal("expected error for non-websocket request")
	}
}

func TestHandler_SubscribeAndReceive(t *testing.T) {
	hub := newTestHub()
	srv := newTestServer(t, hub)
	conn := dialTestServer(t, srv)

	if err := conn.WriteJSON(ClientMessage{Action: ActionSubscribe, Topics: []string{"/topic/slots"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return hub.TopicCount("/topic/slots") == 1 })

	hub.Broadcast("/topic/slots", Event{Type: EventSlotRemoved, Topic: "/topic/slots"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != EventSlotRemoved {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestHandler_MalformedFrameGetsErrorReply(t *testing.T) {
	hub := newTestHub()
	srv := newTestServer(t, hub)
	conn := dialTestServer(t, srv)

	if err := conn.WriteMessage(gorillawebsocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != EventError {
		t.Fatalf("expected error frame, got %+v", got)
	}

	// The connection stays usable after the bad frame.
	if err := conn.WriteJSON(ClientMessage{Action: ActionSubscribe, Topics: []string{"/topic/slots"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return hub.TopicCount("/topic/slots") == 1 })
}

func TestHandler_DisconnectUnregisters(t *testing.T) {
	hub := newTestHub()
	srv := newTestServer(t, hub)
	conn := dialTestServer(t, srv)

	waitFor(t, func() bool { return hub.ClientCount() == 1 })
	conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestHandler_Publish(t *testing.T) {
	hub := newTestHub()
	srv := newTestServer(t, hub)
	conn := dialTestServer(t, srv)

	if err := conn.WriteJSON(ClientMessage{Action: ActionSubscribe, Topics: []string{"/topic/appointments/status"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return hub.TopicCount("/topic/appointments/status") == 1 })

	body := `{"type":"appointment.status","topic":"/topic/appointments/status","data":{"appointment_id":"A1","clinic_id":"C1","status":"CHECKED_IN"}}`
	resp, err := http.Post(srv.URL+"/publish", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != EventStatusChanged || !strings.Contains(string(got.Data), `"A1"`) {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestHandler_PublishValidation(t *testing.T) {
	srv := newTestServer(t, newTestHub())

	cases := map[string]string{
		"missing topic": `{"type":"slot.added"}`,
		"missing type":  `{"topic":"/topic/slots"}`,
		"not json":      `nope`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/publish", "application/json", strings.NewReader(body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestHandler_PublishMiddlewareApplied(t *testing.T) {
	deny := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "no")
		}
	}
	srv := newTestServer(t, newTestHub(), deny)

	resp, err := http.Post(srv.URL+"/publish", "application/json", strings.NewReader(`{"type":"x","topic":"y"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}
