package chat

import (
	"context"
	"fmt"

	"chat-sync/internal/hashing"
	"chat-sync/internal/metrics"
	"chat-sync/internal/types"

	"github.com/rs/zerolog"
)

// Router spreads rooms over a fixed set of hubs and bridges them to the
// cross-instance relay.
type Router struct {
	ring  *hashing.Ring
	hubs  map[string]*Hub
	relay Relay
	log   zerolog.Logger
}

func NewRouter(shards int, relay Relay, log zerolog.Logger) *Router {
	if shards <= 0 {
		shards = 1
	}
	r := &Router{
		ring:  hashing.NewRing(hashing.DefaultReplicas),
		hubs:  make(map[string]*Hub, shards),
		relay: relay,
		log:   log.With().Str("component", "router").Logger(),
	}
	for i := range shards {
		name := fmt.Sprintf("shard-%d", i)
		r.hubs[name] = NewHub(name, relay, log)
		r.ring.Add(name)
	}
	return r
}

func (r *Router) HubFor(roomID string) *Hub {
	return r.hubs[r.ring.Get(roomID)]
}

// Run starts every hub and the relay subscription, and stops them once ctx
// is done.
func (r *Router) Run(ctx context.Context) {
	for _, h := range r.hubs {
		go h.Run()
	}

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if r.relay == nil {
			return
		}
		if err := r.relay.Subscribe(ctx, r.deliverRemote); err != nil {
			r.log.Error().Err(err).Msg("relay subscription ended")
		}
	}()

	r.log.Info().Int("shards", len(r.hubs)).Bool("relay", r.relay != nil).Msg("router started")
	<-ctx.Done()

	for _, h := range r.hubs {
		h.Stop()
	}
	for _, h := range r.hubs {
		<-h.Done()
	}
	<-relayDone
	r.log.Info().Msg("router stopped")
}

func (r *Router) deliverRemote(env types.Envelope) {
	if r.HubFor(env.Room).deliver(env) {
		metrics.MessagesRelayed.WithLabelValues("remote").Inc()
	}
}
