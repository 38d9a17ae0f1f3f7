package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chat-sync/internal/auth"
	"chat-sync/internal/channel"
	"chat-sync/internal/chat"
	"chat-sync/internal/models"
	"chat-sync/internal/repository"
	"chat-sync/internal/types"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	srv  *httptest.Server
	repo *repository.SQLiteMessagesRepo
}

func (e testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http")
}

func newTestEnv(t *testing.T, key []byte) testEnv {
	t.Helper()
	repo, err := repository.OpenSQLite(filepath.Join(t.TempDir(), "relay.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	rooms := chat.NewRouter(2, nil, zerolog.Nop())
	srv := httptest.NewServer(NewRouter(Deps{
		Repo:    repo,
		Rooms:   rooms,
		AuthKey: key,
		Log:     zerolog.Nop(),
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		rooms.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	return testEnv{srv: srv, repo: repo}
}

type inbox struct {
	messages chan models.Message
}

func newInbox() *inbox { return &inbox{messages: make(chan models.Message, 16)} }

func (i *inbox) OnMessage(m models.Message) { i.messages <- m }

func (i *inbox) OnNotice(string) {}

func (i *inbox) OnStateChange(channel.State, error) {}

func (i *inbox) next(t *testing.T) models.Message {
	t.Helper()
	select {
	case m := <-i.messages:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a relayed message")
		return models.Message{}
	}
}

// join connects userID to room and waits for the echo of a greeting, which
// proves the relay has registered the socket.
func join(t *testing.T, env testEnv, room, userID string) (*channel.WebSocketChannel, *inbox) {
	t.Helper()
	ch := channel.NewWebSocketChannel(env.wsURL(), zerolog.Nop())
	in := newInbox()
	require.NoError(t, ch.Connect(context.Background(), room, userID, in))
	t.Cleanup(func() { _ = ch.Disconnect() })

	greeting := models.Message{RoomID: room, SenderID: userID, Text: "hello from " + userID, Timestamp: time.Now().UTC()}
	require.NoError(t, ch.Send(context.Background(), greeting))
	echo := in.next(t)
	require.Equal(t, greeting.Text, echo.Text)
	return ch, in
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHistoryHandler(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, nil)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for i, text := range []string{"hi", "yo", "sup"} {
		req.NoError(env.repo.Save(context.Background(), &models.Message{
			ServerID:  text + "-id",
			RoomID:    "r1",
			SenderID:  "7",
			Text:      text,
			Timestamp: at.Add(time.Duration(i) * time.Minute),
		}))
	}

	get := func(query string) (*http.Response, []types.Envelope) {
		resp, err := http.Get(env.srv.URL + "/api/chat/r1/messages/?user=42" + query)
		req.NoError(err)
		defer resp.Body.Close()
		var out []types.Envelope
		if resp.StatusCode == http.StatusOK {
			req.NoError(json.NewDecoder(resp.Body).Decode(&out))
		}
		return resp, out
	}

	resp, all := get("")
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("application/json", resp.Header.Get("Content-Type"))
	req.Len(all, 3)
	req.Equal("hi", all[0].Text)
	req.Equal("hi-id", all[0].ID)
	req.Equal("r1", all[0].Room)
	req.True(at.Equal(all[0].Timestamp))

	_, page := get("&limit=1&before=" + at.Add(2*time.Minute).Format(time.RFC3339Nano))
	req.Len(page, 1)
	req.Equal("yo", page[0].Text)

	resp, _ = get("&limit=zero")
	req.Equal(http.StatusBadRequest, resp.StatusCode)
	resp, _ = get("&before=yesterday")
	req.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Get(env.srv.URL + "/api/chat/empty/messages/?user=42")
	req.NoError(err)
	defer resp.Body.Close()
	var empty []types.Envelope
	req.NoError(json.NewDecoder(resp.Body).Decode(&empty))
	req.NotNil(empty)
	req.Empty(empty)
}

func TestRoomSocket_RelaysToRoomOnly(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, nil)

	_, aliceIn := join(t, env, "r1", "7")
	bob, bobIn := join(t, env, "r1", "42")
	_, eveIn := join(t, env, "r2", "9")

	// Alice also sees Bob's greeting.
	req.Equal("hello from 42", aliceIn.next(t).Text)

	// Strictly after every greeting, so history order is deterministic.
	at := time.Now().UTC().Add(time.Second).Truncate(time.Millisecond)
	req.NoError(bob.Send(context.Background(), models.Message{RoomID: "r1", SenderID: "42", Text: "yo", Timestamp: at}))

	for _, in := range []*inbox{aliceIn, bobIn} {
		got := in.next(t)
		req.Equal("yo", got.Text)
		req.Equal("42", got.SenderID)
		req.Equal("r1", got.RoomID)
		req.NotEmpty(got.ServerID)
		req.True(at.Equal(got.Timestamp))
	}

	select {
	case m := <-eveIn.messages:
		t.Fatalf("message leaked into another room: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}

	history, err := env.repo.Fetch(context.Background(), "r1", 0, time.Time{})
	req.NoError(err)
	req.Equal([]string{"hello from 7", "hello from 42", "yo"}, texts(history))
}

func TestRoomSocket_SenderIsAuthenticatedUser(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, nil)
	_, aliceIn := join(t, env, "r1", "7")

	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL()+"/ws/chat/r1/?user=42", nil)
	req.NoError(err)
	defer conn.Close()

	req.NoError(conn.WriteJSON(types.Envelope{Sender: "7", Room: "r9", Text: "it was me"}))

	got := aliceIn.next(t)
	req.Equal("it was me", got.Text)
	req.Equal("42", got.SenderID)
	req.Equal("r1", got.RoomID)
	req.False(got.Timestamp.IsZero())
}

func TestRoomSocket_RateLimitWarning(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL()+"/ws/chat/r1/?user=42", nil)
	req.NoError(err)
	defer conn.Close()

	for i := 0; i < 20; i++ {
		req.NoError(conn.WriteJSON(types.Envelope{Text: "spam", Timestamp: time.Now().UTC()}))
	}

	req.NoError(conn.SetReadDeadline(time.Now().Add(3 * time.Second)))
	for {
		_, frame, err := conn.ReadMessage()
		req.NoError(err)
		for _, line := range strings.Split(string(frame), "\n") {
			var e types.Envelope
			req.NoError(json.Unmarshal([]byte(line), &e))
			if e.IsSystem() {
				req.Contains(e.Text, "Rate limit")
				return
			}
		}
	}
}

func TestRoomSocket_RequiresToken(t *testing.T) {
	req := require.New(t)
	key := []byte("test-secret")
	env := newTestEnv(t, key)

	ch := channel.NewWebSocketChannel(env.wsURL(), zerolog.Nop())
	err := ch.Connect(context.Background(), "r1", "42", newInbox())
	req.ErrorIs(err, websocket.ErrBadHandshake)

	token, err := auth.GenerateToken("42", key, time.Hour)
	req.NoError(err)
	ch = channel.NewWebSocketChannel(env.wsURL(), zerolog.Nop(), channel.WithToken(token))
	req.NoError(ch.Connect(context.Background(), "r1", "42", newInbox()))
	req.NoError(ch.Disconnect())
}

func texts(messages []models.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.Text
	}
	return out
}
