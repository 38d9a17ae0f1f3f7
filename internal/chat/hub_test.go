package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chat-sync/internal/middleware"
	"chat-sync/internal/types"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeRelay struct {
	mu        sync.Mutex
	published []types.Envelope
}

func (r *fakeRelay) Publish(_ context.Context, env types.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, env)
	return nil
}

func (r *fakeRelay) Subscribe(ctx context.Context, _ func(types.Envelope)) error {
	<-ctx.Done()
	return nil
}

func (r *fakeRelay) snapshot() []types.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Envelope(nil), r.published...)
}

// serveRooms runs a relay over router and returns its websocket base url.
func serveRooms(t *testing.T, router *Router) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		room := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/chat/"), "/")
		user := r.URL.Query().Get("user")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		NewClient(router.HubFor(room), conn, room, user, nil, middleware.NewRatelimiter(100, time.Millisecond), zerolog.Nop()).Serve()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		router.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, base, room, user string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+"/ws/chat/"+room+"/?user="+user, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) types.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	var env types.Envelope
	require.NoError(t, json.Unmarshal([]byte(strings.Split(string(frame), "\n")[0]), &env))
	return env
}

// registered sends a greeting and waits for its echo.
func registered(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(types.Envelope{Text: "hello", Timestamp: time.Now().UTC()}))
	require.Equal(t, "hello", readEnvelope(t, conn).Text)
}

func TestHub_EchoesAndScopesToRoom(t *testing.T) {
	req := require.New(t)
	relay := &fakeRelay{}
	base := serveRooms(t, NewRouter(3, relay, zerolog.Nop()))

	alice := dial(t, base, "r1", "7")
	registered(t, alice)
	bob := dial(t, base, "r1", "42")
	registered(t, bob)
	req.Equal("hello", readEnvelope(t, alice).Text)
	eve := dial(t, base, "r2", "9")
	registered(t, eve)

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	req.NoError(bob.WriteJSON(types.Envelope{Sender: "7", Text: "yo", Timestamp: at}))

	for _, conn := range []*websocket.Conn{alice, bob} {
		env := readEnvelope(t, conn)
		req.Equal("yo", env.Text)
		req.Equal("42", env.Sender)
		req.Equal("r1", env.Room)
		req.NotEmpty(env.ID)
		req.True(at.Equal(env.Timestamp))
	}

	req.NoError(eve.SetReadDeadline(time.Now().Add(100 * time.Millisecond)))
	_, _, err := eve.ReadMessage()
	req.Error(err)

	// Three greetings and the message itself.
	req.Eventually(func() bool { return len(relay.snapshot()) == 4 }, time.Second, 10*time.Millisecond)
	last := relay.snapshot()[3]
	req.Equal("yo", last.Text)
}

func TestHub_DropsBlankAndSystemFrames(t *testing.T) {
	req := require.New(t)
	base := serveRooms(t, NewRouter(1, nil, zerolog.Nop()))

	conn := dial(t, base, "r1", "7")
	req.NoError(conn.WriteJSON(types.Envelope{Text: "   "}))
	req.NoError(conn.WriteJSON(types.Envelope{Text: "forged", Type: types.TypeSystem}))
	req.NoError(conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	req.NoError(conn.WriteJSON(types.Envelope{Text: "real"}))

	env := readEnvelope(t, conn)
	req.Equal("real", env.Text)
	req.False(env.Timestamp.IsZero())
}

func TestRouter_DeliversRemoteEnvelopes(t *testing.T) {
	req := require.New(t)
	router := NewRouter(2, nil, zerolog.Nop())
	base := serveRooms(t, router)

	alice := dial(t, base, "r1", "7")
	registered(t, alice)

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	router.deliverRemote(types.Envelope{ID: "remote-1", Room: "r1", Sender: "42", Text: "from afar", Timestamp: at, Type: types.TypeChat})

	env := readEnvelope(t, alice)
	req.Equal("remote-1", env.ID)
	req.Equal("from afar", env.Text)
}

func TestHub_EvictsSlowConsumer(t *testing.T) {
	req := require.New(t)
	upgrader := websocket.Upgrader{}
	peerClosed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
		close(peerClosed)
	}))
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	req.NoError(err)

	hub := NewHub("test", nil, zerolog.Nop())
	go hub.Run()
	defer func() {
		hub.Stop()
		<-hub.Done()
	}()

	slow := &Client{Conn: conn, UserID: "7", RoomID: "r1", Send: make(chan []byte, 1), Hub: hub}
	req.True(hub.join(slow))

	for _, text := range []string{"one", "two", "three"} {
		req.True(hub.deliver(types.Envelope{ID: text, Room: "r1", Sender: "42", Text: text}))
	}

	// Eviction closes the socket, which the peer observes.
	select {
	case <-peerClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("slow consumer was not evicted")
	}

	first, ok := <-slow.Send
	req.True(ok)
	req.Contains(string(first), `"one"`)
	_, ok = <-slow.Send
	req.False(ok, "send buffer should be closed after eviction")
}

func TestDecodeRelay(t *testing.T) {
	req := require.New(t)
	env := types.Envelope{ID: "m1", Room: "r1", Sender: "7", Text: "hi", Type: types.TypeChat}

	ours, err := encodeRelay(env, "server-a")
	req.NoError(err)
	_, ok := decodeRelay(ours, "server-a")
	req.False(ok)

	got, ok := decodeRelay(ours, "server-b")
	req.True(ok)
	req.Equal(env, got)

	noRoom, err := encodeRelay(types.Envelope{ID: "m2", Text: "hi"}, "server-a")
	req.NoError(err)
	_, ok = decodeRelay(noRoom, "server-b")
	req.False(ok)

	_, ok = decodeRelay([]byte("{"), "server-b")
	req.False(ok)
}
