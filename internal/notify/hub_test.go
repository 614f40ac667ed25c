package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sheetvault/internal/sv"
)

// newTestHub serves the hub with channels taken from ?channel= parameters.
func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query()["channel"])
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) sv.LifecycleEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev sv.LifecycleEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return ev
}

func TestHub_DeliversByChannel(t *testing.T) {
	hub, srv := newTestHub(t)
	owner := dial(t, srv, "channel=user:u1")
	admin := dial(t, srv, "channel=admins")
	waitFor(t, "subscriptions", func() bool {
		return hub.Clients("user:u1") == 1 && hub.Clients(sv.AdminChannel) == 1
	})

	deletedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	event := sv.LifecycleEvent{Type: sv.EventUploadPurged, RecordID: "r1", OwnerID: "u1", DeletedAt: deletedAt}
	ctx := context.Background()
	if err := hub.Notify(ctx, sv.OwnerChannel("u1"), event); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if err := hub.Notify(ctx, sv.AdminChannel, event); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	for name, conn := range map[string]*websocket.Conn{"owner": owner, "admin": admin} {
		got := readEvent(t, conn)
		if got.Type != sv.EventUploadPurged || got.RecordID != "r1" || !got.DeletedAt.Equal(deletedAt) {
			t.Errorf("%s received %+v", name, got)
		}
	}
}

func TestHub_MultipleChannelsPerClient(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "channel=user:a1&channel=admins")
	waitFor(t, "subscriptions", func() bool {
		return hub.Clients("user:a1") == 1 && hub.Clients("admins") == 1
	})

	hub.Notify(context.Background(), "admins", sv.LifecycleEvent{Type: sv.EventUploadPurged, RecordID: "r2"})
	if got := readEvent(t, conn); got.RecordID != "r2" {
		t.Errorf("received %+v, want record r2", got)
	}
}

func TestHub_NoSubscribers(t *testing.T) {
	hub := NewHub(nil)
	if err := hub.Notify(context.Background(), "user:nobody", sv.LifecycleEvent{}); err != nil {
		t.Errorf("Notify() with no clients error = %v", err)
	}
}

func TestHub_UnregistersOnDisconnect(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "channel=user:u1")
	waitFor(t, "subscription", func() bool { return hub.Clients("user:u1") == 1 })

	conn.Close()
	waitFor(t, "unsubscribe", func() bool { return hub.Clients("user:u1") == 0 })
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "channel=admins")
	waitFor(t, "subscription", func() bool { return hub.Clients("admins") == 1 })

	hub.Close()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("ReadMessage() after hub Close succeeded, want error")
	}
}
