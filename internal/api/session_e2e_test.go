package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"chat-sync/internal/channel"
	"chat-sync/internal/history"
	"chat-sync/internal/models"
	"chat-sync/internal/roomsync"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// stepClock hands out strictly increasing times so sends from different
// sessions never tie.
type stepClock struct {
	mu   sync.Mutex
	next time.Time
}

func newStepClock() *stepClock {
	return &stepClock{next: time.Now().UTC().Add(-time.Hour).Truncate(time.Second)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = c.next.Add(time.Second)
	return c.next
}

func enter(t *testing.T, env testEnv, clock *stepClock, room, local, remote string) *roomsync.Session {
	t.Helper()
	s := roomsync.NewSession(
		history.NewHTTPLoader(env.srv.URL, zerolog.Nop(), history.WithUser(local)),
		channel.NewWebSocketChannel(env.wsURL(), zerolog.Nop()),
		zerolog.Nop(),
		roomsync.WithClock(clock.Now),
	)
	require.NoError(t, s.EnterRoom(context.Background(), room, local, remote, func([]models.Message) {}))
	t.Cleanup(func() { _ = s.LeaveRoom() })
	return s
}

// confirmed waits until the session shows text carrying a server id, which
// means the relay echoed it back to this session's socket.
func confirmed(t *testing.T, s *roomsync.Session, text string) {
	t.Helper()
	require.Eventually(t, func() bool {
		view, err := s.View()
		if err != nil {
			return false
		}
		for _, m := range view {
			if m.Text == text && m.ServerID != "" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func sendWhenConnected(t *testing.T, s *roomsync.Session, text string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.State() == channel.Connected
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, s.SendMessage(context.Background(), text))
}

func TestSessions_ConvergeThroughRelay(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, nil)

	clock := newStepClock()

	alice := enter(t, env, clock, "r1", "7", "42")
	sendWhenConnected(t, alice, "hi")
	confirmed(t, alice, "hi")

	// Bob learns about "hi" from history only.
	bob := enter(t, env, clock, "r1", "42", "7")
	sendWhenConnected(t, bob, "yo")
	confirmed(t, bob, "yo")
	confirmed(t, alice, "yo")

	req.NoError(alice.SendMessage(context.Background(), "sup"))
	confirmed(t, bob, "sup")
	confirmed(t, alice, "sup")
	confirmed(t, bob, "hi")

	aliceView, err := alice.View()
	req.NoError(err)
	bobView, err := bob.View()
	req.NoError(err)

	req.Equal([]string{"hi", "yo", "sup"}, texts(aliceView))
	req.Equal(aliceView, bobView)
	for _, m := range bobView {
		req.NotEmpty(m.ServerID)
		req.Equal("r1", m.RoomID)
	}
}

func TestHTTPLoader_TrustModeBackfill(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, nil)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	saved := models.Message{ServerID: "s1", RoomID: "r1", SenderID: "7", Text: "hi", Timestamp: at}
	req.NoError(env.repo.Save(context.Background(), &saved))

	messages, err := history.NewHTTPLoader(env.srv.URL, zerolog.Nop(), history.WithUser("42")).
		Load(context.Background(), "r1")
	req.NoError(err)
	req.Equal([]models.Message{saved}, messages)

	_, err = history.NewHTTPLoader(env.srv.URL, zerolog.Nop()).Load(context.Background(), "r1")
	req.ErrorIs(err, history.ErrHistoryFetch)
}

func TestSession_SurfacesRateLimitNotice(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, nil)

	var (
		mu       sync.Mutex
		warnings []error
	)
	s := roomsync.NewSession(
		history.NewHTTPLoader(env.srv.URL, zerolog.Nop(), history.WithUser("42")),
		channel.NewWebSocketChannel(env.wsURL(), zerolog.Nop()),
		zerolog.Nop(),
		roomsync.WithWarningHandler(func(err error) {
			mu.Lock()
			defer mu.Unlock()
			warnings = append(warnings, err)
		}),
	)
	req.NoError(s.EnterRoom(context.Background(), "r1", "42", "7", func([]models.Message) {}))
	t.Cleanup(func() { _ = s.LeaveRoom() })

	sendWhenConnected(t, s, "spam 0")
	for i := 1; i < 20; i++ {
		req.NoError(s.SendMessage(context.Background(), fmt.Sprintf("spam %d", i)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, w := range warnings {
			if errors.Is(w, roomsync.ErrRelayNotice) && strings.Contains(w.Error(), "Rate limit") {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}
