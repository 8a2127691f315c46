package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/iliyamo/clinic-flow/internal/events"
)

// ---------------------------------------------------------------------------
// Hub
// ---------------------------------------------------------------------------

func newClient(id string, topics ...string) *Client {
	return &Client{ID: id, Topics: topics, Send: make(chan []byte, 8)}
}

func TestHub_RoutesByTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	lab := newClient("lab", StationTopic("lab"))
	xray := newClient("xray", StationTopic("xray"))
	everything := newClient("all", AllTopics)
	hub.Register(lab)
	hub.Register(xray)
	hub.Register(everything)

	if err := hub.Emit(context.Background(), events.Event{Type: events.TypeCalled, StationID: "lab", TicketNumber: 7}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	if len(lab.Send) != 1 || len(everything.Send) != 1 {
		t.Fatalf("expected lab and wildcard subscribers to receive the event")
	}
	if len(xray.Send) != 0 {
		t.Fatalf("xray subscriber must not receive lab events")
	}
	var ev events.Event
	if err := json.Unmarshal(<-lab.Send, &ev); err != nil || ev.TicketNumber != 7 {
		t.Fatalf("unexpected payload: %+v (%v)", ev, err)
	}
}

func TestHub_DeliversOncePerClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("c", StationTopic("lab"), PatientTopic("p1"), AllTopics)
	hub.Register(c)

	_ = hub.Emit(context.Background(), events.Event{Type: events.TypeEntered, StationID: "lab", PatientID: "p1"})
	if len(c.Send) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(c.Send))
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("c")
	hub.Register(c)

	hub.Process(c, ClientMessage{Action: "subscribe", Topics: []string{StationTopic("ecg")}})
	if hub.TopicCount(StationTopic("ecg")) != 1 {
		t.Fatalf("expected one ecg subscriber")
	}
	hub.Process(c, ClientMessage{Action: "unsubscribe", Topics: []string{StationTopic("ecg")}})
	if hub.TopicCount(StationTopic("ecg")) != 0 || len(c.Topics) != 0 {
		t.Fatalf("expected ecg subscription removed, topics=%v", c.Topics)
	}
}

func TestHub_FullBufferDoesNotBlock(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := &Client{ID: "slow", Topics: []string{AllTopics}, Send: make(chan []byte, 1)}
	hub.Register(c)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = hub.Emit(context.Background(), events.Event{Type: events.TypeStationStatus, StationID: "lab"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("emit blocked on a slow client")
	}
}

func TestHub_UnregisterClosesSend(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("c", AllTopics)
	hub.Register(c)
	hub.Unregister(c)
	hub.Unregister(c) // second call is a no-op
	if _, ok := <-c.Send; ok {
		t.Fatalf("expected Send to be closed")
	}
	if hub.ClientCount() != 0 {
		t.Fatalf("expected no clients")
	}
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

func TestHandler_UpgradeAndReceive(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	e.GET("/ws", NewHandler(hub, zerolog.Nop()).Connect)
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?topics=station:lab"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount(StationTopic("lab")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = hub.Emit(context.Background(), events.Event{Type: events.TypeCalled, StationID: "lab", TicketNumber: 3})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev events.Event
	if err := json.Unmarshal(msg, &ev); err != nil || ev.Type != events.TypeCalled || ev.TicketNumber != 3 {
		t.Fatalf("unexpected message %s (%v)", msg, err)
	}
}

func TestParseTopics(t *testing.T) {
	if got := parseTopics(""); len(got) != 1 || got[0] != AllTopics {
		t.Fatalf("expected wildcard, got %v", got)
	}
	if got := parseTopics(" station:lab , ,patient:1"); len(got) != 2 {
		t.Fatalf("expected two topics, got %v", got)
	}
}
