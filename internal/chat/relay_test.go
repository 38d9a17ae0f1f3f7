package chat

import (
	"context"
	"os"
	"testing"
	"time"

	"chat-sync/internal/types"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// Runs only against a live server: REDIS_URL=redis://localhost:6379/0.
func TestRedisRelay_CrossInstance(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	channel := "chat-sync-test:" + t.Name()
	a, err := NewRedisRelay(ctx, url, channel, zerolog.Nop())
	req.NoError(err)
	defer a.Close()
	b, err := NewRedisRelay(ctx, url, channel, zerolog.Nop())
	req.NoError(err)
	defer b.Close()

	received := make(chan types.Envelope, 4)
	subCtx, stop := context.WithCancel(ctx)
	defer stop()
	for _, r := range []*RedisRelay{a, b} {
		go func() {
			_ = r.Subscribe(subCtx, func(env types.Envelope) { received <- env })
		}()
	}
	// Give both subscriptions time to be established.
	time.Sleep(200 * time.Millisecond)

	env := types.Envelope{ID: "m1", Room: "r1", Sender: "7", Text: "hi", Timestamp: time.Now().UTC(), Type: types.TypeChat}
	req.NoError(a.Publish(ctx, env))

	select {
	case got := <-received:
		req.Equal("m1", got.ID)
	case <-ctx.Done():
		t.Fatal("relay message never arrived")
	}
	select {
	case got := <-received:
		t.Fatalf("publisher received its own message: %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}
