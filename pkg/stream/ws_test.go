package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func TestHandlerStreamsEvents(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(Handler{Hub: hub})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var ready Event
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if ready.Type != EventReady {
		t.Fatalf("expected ready event, got %q", ready.Type)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	hub.PublishDecision(Decision{TemplateID: "contact", Code: "cors_rejected", Status: 403})

	var evt Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatalf("read decision: %v", err)
	}
	if evt.Type != EventDecision || !strings.Contains(string(evt.Data), "cors_rejected") {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestHandlerWithoutHub(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler{}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/admin/events", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestOriginPatterns(t *testing.T) {
	got := OriginPatterns([]string{" a.example.com, ,b.example.com", "c.example.com"})
	if len(got) != 3 || got[0] != "a.example.com" || got[2] != "c.example.com" {
		t.Fatalf("unexpected patterns %v", got)
	}
	if OriginPatterns(nil) != nil || OriginPatterns([]string{" , "}) != nil {
		t.Fatal("expected nil for empty input")
	}
}
