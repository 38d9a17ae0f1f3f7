package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"chat-sync/internal/types"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const DefaultRelayChannel = "chat-sync:messages"

// Relay carries accepted messages between relay instances so that both
// parties of a room see each other when their sockets land on different
// servers.
type Relay interface {
	Publish(ctx context.Context, env types.Envelope) error
	// Subscribe blocks, handing every envelope published by another
	// instance to deliver, until ctx is done.
	Subscribe(ctx context.Context, deliver func(types.Envelope)) error
}

type RedisRelay struct {
	client   *redis.Client
	channel  string
	serverID string
	log      zerolog.Logger
}

func NewRedisRelay(ctx context.Context, redisURL, channel string, log zerolog.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if channel == "" {
		channel = DefaultRelayChannel
	}
	serverID := uuid.NewString()
	return &RedisRelay{
		client:   client,
		channel:  channel,
		serverID: serverID,
		log:      log.With().Str("component", "relay").Str("server_id", serverID).Logger(),
	}, nil
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}

func (r *RedisRelay) Publish(ctx context.Context, env types.Envelope) error {
	data, err := encodeRelay(env, r.serverID)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", env.ID, err)
	}
	return nil
}

func (r *RedisRelay) Subscribe(ctx context.Context, deliver func(types.Envelope)) error {
	ps := r.client.Subscribe(ctx, r.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.log.Info().Str("channel", r.channel).Msg("relay subscribed")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, ok := decodeRelay([]byte(msg.Payload), r.serverID)
			if !ok {
				continue
			}
			deliver(env)
		}
	}
}

func encodeRelay(env types.Envelope, serverID string) ([]byte, error) {
	data, err := json.Marshal(types.RelayEnvelope{Envelope: env, SenderServerID: serverID})
	if err != nil {
		return nil, fmt.Errorf("encode relay envelope: %w", err)
	}
	return data, nil
}

// decodeRelay drops our own publications, system frames and anything that
// does not name a room.
func decodeRelay(data []byte, serverID string) (types.Envelope, bool) {
	var in types.RelayEnvelope
	if err := json.Unmarshal(data, &in); err != nil {
		return types.Envelope{}, false
	}
	if in.SenderServerID == serverID || in.IsSystem() || in.Room == "" || in.ID == "" {
		return types.Envelope{}, false
	}
	return in.Envelope, true
}
