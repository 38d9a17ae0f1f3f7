package repository

import (
	"context"
	"fmt"
	"slices"
	"time"

	"chat-sync/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// MessageRepo stores the server side history of every room.
type MessageRepo interface {
	// Save is idempotent on the message's ServerID.
	Save(ctx context.Context, message *models.Message) error
	// Fetch returns the latest limit messages created before the given time,
	// oldest first. A zero time means no upper bound.
	Fetch(ctx context.Context, roomID string, limit int, before time.Time) ([]models.Message, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

const DefaultFetchLimit = 200

type PostgresMessagesRepo struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewMessagesRepo(pool *pgxpool.Pool, log zerolog.Logger) MessageRepo {
	return &PostgresMessagesRepo{
		pool: pool,
		log:  log.With().Str("component", "repo").Logger(),
	}
}

func (r *PostgresMessagesRepo) Save(ctx context.Context, m *models.Message) error {
	query := `
        INSERT INTO messages (id, room_id, sender_id, content, created_at)
        VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
    `

	_, err := r.pool.Exec(ctx, query,
		m.ServerID,
		m.RoomID,
		m.SenderID,
		m.Text,
		m.Timestamp,
	)
	if err != nil {
		r.log.Error().Err(err).Str("id", m.ServerID).Str("sender", m.SenderID).Msg("save failed")
		return fmt.Errorf("save message %s: %w", m.ServerID, err)
	}

	return nil
}

func (r *PostgresMessagesRepo) Fetch(ctx context.Context, roomID string, limit int, before time.Time) ([]models.Message, error) {
	limit, upper := fetchWindow(limit, before)

	query := `
        SELECT id, room_id, sender_id, content, created_at
        FROM messages
        WHERE room_id = $1
          AND ($2::timestamptz IS NULL OR created_at < $2)
        ORDER BY created_at DESC
        LIMIT $3
    `

	var bound any
	if upper != nil {
		bound = *upper
	}
	rows, err := r.pool.Query(ctx, query, roomID, bound, limit)
	if err != nil {
		r.log.Error().Err(err).Str("room", roomID).Msg("fetch failed")
		return nil, fmt.Errorf("fetch room %s: %w", roomID, err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ServerID, &m.RoomID, &m.SenderID, &m.Text, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room %s: %w", roomID, err)
	}

	slices.Reverse(messages)
	return messages, nil
}

func (r *PostgresMessagesRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// fetchWindow clamps limit and returns nil for an unbounded window. Rows keep
// the sender's clock, so any fixed "now" cutoff would hide messages from a
// client running fast.
func fetchWindow(limit int, before time.Time) (int, *time.Time) {
	if limit <= 0 || limit > DefaultFetchLimit {
		limit = DefaultFetchLimit
	}
	if before.IsZero() {
		return limit, nil
	}
	return limit, &before
}
