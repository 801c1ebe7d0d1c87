package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiJoinsErrors(t *testing.T) {
	errA := errors.New("a down")
	var got []string
	m := Multi{
		Func(func(_ context.Context, msg Message) error { got = append(got, "first:"+msg.RequestID); return errA }),
		Nop{},
		Func(func(_ context.Context, msg Message) error { got = append(got, "last:"+msg.RequestID); return nil }),
	}
	err := m.Notify(context.Background(), Message{RequestID: "r1"})
	require.ErrorIs(t, err, errA)
	assert.Equal(t, []string{"first:r1", "last:r1"}, got)

	assert.NoError(t, Multi{Nop{}}.Notify(context.Background(), Message{}))
}

func dial(t *testing.T, srv *httptest.Server, callerID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?caller=" + callerID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitConnected(t *testing.T, h *Hub, callerID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Connected(callerID) == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHubRoutesToRecipients(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("caller"))
	}))
	defer srv.Close()

	donor := dial(t, srv, "donor-1")
	other := dial(t, srv, "donor-2")
	waitConnected(t, hub, "donor-1", 1)
	waitConnected(t, hub, "donor-2", 1)

	msg := Message{Type: "request.created", RequestID: "r1", Status: "pending", ActorID: "ngo-1", At: time.Now().UTC(), Recipients: []string{"donor-1"}}
	require.NoError(t, hub.Notify(context.Background(), msg))

	donor.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := donor.ReadMessage()
	require.NoError(t, err)
	var got Message
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "r1", got.RequestID)
	assert.Equal(t, "pending", got.Status)

	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = other.ReadMessage()
	assert.Error(t, err)
}

func TestHubUnregistersOnClose(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("caller"))
	}))
	defer srv.Close()

	a := dial(t, srv, "ngo-1")
	dial(t, srv, "ngo-1")
	waitConnected(t, hub, "ngo-1", 2)

	a.Close()
	waitConnected(t, hub, "ngo-1", 1)
	assert.NoError(t, hub.Notify(context.Background(), Message{RequestID: "r2", Recipients: []string{"ngo-1", "nobody"}}))
}

// Needs a live server: MEDSHARE_TEST_REDIS_ADDR=127.0.0.1:6379.
func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("MEDSHARE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MEDSHARE_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Message, 1)
	r, err := NewRedis(ctx, RedisConfig{Addr: addr, Channel: "medshare.test." + time.Now().Format("150405.000")}, Func(func(_ context.Context, m Message) error {
		got <- m
		return nil
	}), zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return r.Notify(ctx, Message{RequestID: "r3", Recipients: []string{"x"}}) == nil && len(got) > 0
	}, 3*time.Second, 50*time.Millisecond)
	m := <-got
	assert.Equal(t, "r3", m.RequestID)
	cancel()
	assert.NoError(t, <-done)
}
