// Package chat is the relay side of a room: it accepts socket frames from
// participants, stamps and persists them, then fans them out to everyone in
// the room, the sender included.
package chat

import (
	"context"
	"encoding/json"
	"sync"

	"chat-sync/internal/metrics"
	"chat-sync/internal/types"

	"github.com/rs/zerolog"
)

// Notice is a frame for a single client, such as a rate limit warning.
type Notice struct {
	Client  *Client
	Payload []byte
}

// Hub owns the clients of the rooms hashed onto one shard. All membership
// changes and fan-out happen on the Run goroutine.
type Hub struct {
	name       string
	rooms      map[string]map[*Client]struct{}
	Register   chan *Client
	Unregister chan *Client
	Broadcast  chan types.Envelope
	Direct     chan Notice
	Quit       chan struct{}
	done       chan struct{}
	quitOnce   sync.Once
	relay      Relay
	log        zerolog.Logger
}

func NewHub(name string, relay Relay, log zerolog.Logger) *Hub {
	log = log.With().Str("component", "hub").Str("shard", name).Logger()
	log.Debug().Msg("initializing hub")
	return &Hub{
		name:       name,
		rooms:      make(map[string]map[*Client]struct{}),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Broadcast:  make(chan types.Envelope, 256),
		Direct:     make(chan Notice, 16),
		Quit:       make(chan struct{}),
		done:       make(chan struct{}),
		relay:      relay,
		log:        log,
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Stop asks Run to close every client and return.
func (h *Hub) Stop() {
	h.quitOnce.Do(func() { close(h.Quit) })
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.Register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

// deliver queues an envelope for local fan-out.
func (h *Hub) deliver(env types.Envelope) bool {
	select {
	case h.Broadcast <- env:
		return true
	case <-h.done:
		return false
	}
}

// direct queues a frame for one client without blocking the caller.
func (h *Hub) direct(c *Client, payload []byte) bool {
	select {
	case h.Direct <- Notice{Client: c, Payload: payload}:
		return true
	default:
		return false
	}
}

// publish forwards a locally accepted envelope to the other relay instances.
func (h *Hub) publish(ctx context.Context, env types.Envelope) {
	if h.relay == nil {
		return
	}
	if err := h.relay.Publish(ctx, env); err != nil {
		h.log.Warn().Err(err).Str("room", env.Room).Str("id", env.ID).Msg("relay publish failed")
	}
}

func (h *Hub) cleanupClient(c *Client) {
	c.once.Do(func() {
		members := h.rooms[c.RoomID]
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, c.RoomID)
		}
		c.Conn.Close()
		close(c.Send)
		metrics.ActiveConnections.WithLabelValues(h.name).Dec()
		h.log.Info().Str("room", c.RoomID).Str("user", c.UserID).Int("remaining", len(members)).Msg("client left")
	})
}

func (h *Hub) Run() {
	defer close(h.done)
	h.log.Info().Msg("hub loop started")

	for {
		select {
		case <-h.Quit:
			h.log.Info().Msg("quit signal received, closing clients")
			for _, members := range h.rooms {
				for c := range members {
					h.cleanupClient(c)
				}
			}
			return

		case c := <-h.Register:
			members, ok := h.rooms[c.RoomID]
			if !ok {
				members = make(map[*Client]struct{})
				h.rooms[c.RoomID] = members
			}
			members[c] = struct{}{}
			metrics.ActiveConnections.WithLabelValues(h.name).Inc()
			h.log.Info().Str("room", c.RoomID).Str("user", c.UserID).Int("members", len(members)).Msg("client joined")

		case c := <-h.Unregister:
			if _, ok := h.rooms[c.RoomID][c]; ok {
				h.cleanupClient(c)
			}

		case n := <-h.Direct:
			if _, ok := h.rooms[n.Client.RoomID][n.Client]; !ok {
				continue
			}
			select {
			case n.Client.Send <- n.Payload:
			default:
			}

		case env := <-h.Broadcast:
			payload, err := json.Marshal(env)
			if err != nil {
				h.log.Error().Err(err).Str("id", env.ID).Msg("encode envelope")
				continue
			}

			for c := range h.rooms[env.Room] {
				select {
				case c.Send <- payload:
				default:
					h.log.Warn().Str("room", env.Room).Str("user", c.UserID).Msg("send buffer full, evicting slow consumer")
					metrics.SlowConsumersEvicted.Inc()
					h.cleanupClient(c)
				}
			}
		}
	}
}
