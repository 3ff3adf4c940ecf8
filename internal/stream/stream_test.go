package stream

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"watchd/internal/event"
	"watchd/internal/watch"

	"github.com/gorilla/websocket"
)

func TestHandlerStreamsNotifications(t *testing.T) {
	bus := event.NewBus[watch.Notification](context.Background(), event.BusOptions{})
	defer bus.Close()

	server := httptest.NewServer(&Handler{Bus: bus})
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server loop a moment to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("server never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	bus.Publish(watch.Notification{
		Kind:      watch.KindCreated,
		Path:      "/tmp/watched/file.txt",
		Timestamp: time.Now().UTC(),
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received struct {
		Kind  string `json:"kind"`
		Path  string `json:"path"`
		IsDir bool   `json:"is_dir"`
	}
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("read: %v", err)
	}
	if received.Kind != "created" || received.Path != "/tmp/watched/file.txt" {
		t.Fatalf("unexpected payload: %+v", received)
	}
}

func TestHandlerWithoutBus(t *testing.T) {
	server := httptest.NewServer(&Handler{})
	defer server.Close()

	response, err := server.Client().Get(server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != 503 {
		t.Fatalf("expected 503, got %d", response.StatusCode)
	}
}

func TestOriginAllowList(t *testing.T) {
	request := httptest.NewRequest("GET", "http://example.com/events", nil)
	request.Header.Set("Origin", "http://other.com")

	if isOriginAllowed(request, []string{"allowed.com"}) {
		t.Fatal("expected origin rejection")
	}
	if !isOriginAllowed(request, []string{"other.com"}) {
		t.Fatal("expected origin acceptance by host")
	}

	sameHost := httptest.NewRequest("GET", "http://example.com/events", nil)
	sameHost.Header.Set("Origin", "http://example.com")
	if !isOriginAllowed(sameHost, nil) {
		t.Fatal("expected same-host origin acceptance")
	}
}
