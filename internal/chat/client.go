package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"chat-sync/internal/metrics"
	"chat-sync/internal/middleware"
	"chat-sync/internal/models"
	"chat-sync/internal/repository"
	"chat-sync/internal/types"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
	persistTimeout = 5 * time.Second
	warnInterval   = 3 * time.Second
)

type Client struct {
	Conn        *websocket.Conn
	UserID      string
	RoomID      string
	Send        chan []byte
	Hub         *Hub
	Limiter     *middleware.RateLimiter
	LastWarning time.Time
	repo        repository.MessageRepo
	log         zerolog.Logger
	once        sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn, roomID, userID string, repo repository.MessageRepo, limiter *middleware.RateLimiter, log zerolog.Logger) *Client {
	return &Client{
		Conn:    conn,
		UserID:  userID,
		RoomID:  roomID,
		Send:    make(chan []byte, sendBuffer),
		Hub:     hub,
		Limiter: limiter,
		repo:    repo,
		log:     log.With().Str("component", "client").Str("room", roomID).Str("user", userID).Logger(),
	}
}

// Serve registers the client and blocks until both pumps have exited.
func (c *Client) Serve() {
	if !c.Hub.join(c) {
		c.Conn.Close()
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.WritePump()
	}()
	c.ReadPump()
	wg.Wait()
}

// WritePump drains Send, coalescing queued envelopes into one frame
// separated by newlines.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Hub.leave(c)
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.Send)
			for i := 0; i < n; i++ {
				msg, ok := <-c.Send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(msg)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.Hub.leave(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("unexpected close")
			}
			return
		}

		if !c.Limiter.Allow() {
			metrics.MessagesRateLimited.Inc()
			c.warn("Rate limit exceeded.")
			continue
		}

		var in types.Envelope
		if err := json.Unmarshal(frame, &in); err != nil {
			c.log.Debug().Err(err).Msg("dropping undecodable frame")
			continue
		}
		if in.IsSystem() {
			continue
		}

		env, ok := c.accept(in)
		if !ok {
			continue
		}

		c.persist(env)
		if !c.Hub.deliver(env) {
			return
		}
		metrics.MessagesRelayed.WithLabelValues("local").Inc()
		c.Hub.publish(context.Background(), env)
	}
}

// accept turns an inbound envelope into the canonical relayed form: the
// sender is the authenticated user, the room is the socket's room, the id is
// fresh and the sender's timestamp is kept.
func (c *Client) accept(in types.Envelope) (types.Envelope, bool) {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := models.Message{
		ServerID:  uuid.NewString(),
		RoomID:    c.RoomID,
		SenderID:  c.UserID,
		Text:      in.Text,
		Timestamp: ts.UTC(),
	}
	if err := msg.Validate(); err != nil {
		c.log.Debug().Err(err).Msg("rejecting message")
		return types.Envelope{}, false
	}
	return types.FromMessage(msg), true
}

// persist records the message; a failed write still lets live delivery
// proceed.
func (c *Client) persist(env types.Envelope) {
	if c.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	msg := env.ToMessage(c.RoomID)
	if err := c.repo.Save(ctx, &msg); err != nil {
		metrics.PersistFailures.Inc()
		c.log.Error().Err(err).Str("id", env.ID).Msg("persist failed")
	}
}

func (c *Client) warn(text string) {
	if time.Since(c.LastWarning) <= warnInterval {
		return
	}
	payload, err := json.Marshal(types.Envelope{
		Room:      c.RoomID,
		Sender:    "SYSTEM",
		Text:      text,
		Timestamp: time.Now().UTC(),
		Type:      types.TypeSystem,
	})
	if err != nil {
		return
	}
	if c.Hub.direct(c, payload) {
		c.LastWarning = time.Now()
	}
}
