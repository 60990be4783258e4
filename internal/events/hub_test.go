package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tariel-x/sleepchecker/internal/models"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(conn, r.URL.Query().Get("endpoint"))
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, endpoint string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?endpoint=" + url.QueryEscape(endpoint)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var hello envelope
	readJSON(t, conn, &hello)
	require.Equal(t, "watching", hello.Type)
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func delivery(endpoint string, kind models.ReminderKind) models.ReminderEvent {
	return models.ReminderEvent{
		Type:     models.EventDelivery,
		Endpoint: endpoint,
		Kind:     kind,
		Outcome:  "delivered",
		At:       time.Date(2025, 3, 10, 21, 0, 0, 0, time.UTC),
	}
}

func TestEndpointWatcherSeesOnlyItsEvents(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "https://push.example.com/a")

	hub.Publish(delivery("https://push.example.com/b", models.ReminderBath))
	hub.Publish(delivery("https://push.example.com/a", models.ReminderPrep))

	var msg envelope
	readJSON(t, conn, &msg)
	assert.Equal(t, models.EventDelivery, msg.Type)

	var ev models.ReminderEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "https://push.example.com/a", ev.Endpoint)
	assert.Equal(t, models.ReminderPrep, ev.Kind)
}

func TestFirehoseWatcherSeesEverything(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "")

	hub.Publish(delivery("e1", models.ReminderBath))
	hub.Publish(delivery("e2", models.ReminderPrep))

	var first, second envelope
	readJSON(t, conn, &first)
	readJSON(t, conn, &second)

	var a, b models.ReminderEvent
	require.NoError(t, json.Unmarshal(first.Data, &a))
	require.NoError(t, json.Unmarshal(second.Data, &b))
	assert.Equal(t, "e1", a.Endpoint)
	assert.Equal(t, "e2", b.Endpoint)
}

func TestDisconnectRemovesWatcher(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "e1")
	assert.Equal(t, 1, hub.Len())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	// Publishing with nobody listening is a no-op.
	hub.Publish(delivery("e1", models.ReminderBath))
}
