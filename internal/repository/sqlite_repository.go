package repository

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"chat-sync/internal/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at);
`

// SQLiteMessagesRepo is the embedded history store used when no Postgres
// DSN is configured. Timestamps are kept as unix nanoseconds.
type SQLiteMessagesRepo struct {
	db  *sql.DB
	log zerolog.Logger
}

func OpenSQLite(path string, log zerolog.Logger) (*SQLiteMessagesRepo, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteMessagesRepo{
		db:  db,
		log: log.With().Str("component", "repo").Logger(),
	}, nil
}

func (r *SQLiteMessagesRepo) Close() error {
	return r.db.Close()
}

func (r *SQLiteMessagesRepo) Save(ctx context.Context, m *models.Message) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, sender_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ServerID,
		m.RoomID,
		m.SenderID,
		m.Text,
		m.Timestamp.UnixNano(),
	)
	if err != nil {
		r.log.Error().Err(err).Str("id", m.ServerID).Msg("save failed")
		return fmt.Errorf("save message %s: %w", m.ServerID, err)
	}
	return nil
}

func (r *SQLiteMessagesRepo) Fetch(ctx context.Context, roomID string, limit int, before time.Time) ([]models.Message, error) {
	limit, upper := fetchWindow(limit, before)

	var bound any
	if upper != nil {
		bound = upper.UnixNano()
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, room_id, sender_id, content, created_at
		FROM messages
		WHERE room_id = ? AND (? IS NULL OR created_at < ?)
		ORDER BY created_at DESC
		LIMIT ?`,
		roomID,
		bound,
		bound,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch room %s: %w", roomID, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var (
			m       models.Message
			created int64
		)
		if err := rows.Scan(&m.ServerID, &m.RoomID, &m.SenderID, &m.Text, &created); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Timestamp = time.Unix(0, created).UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room %s: %w", roomID, err)
	}

	slices.Reverse(messages)
	return messages, nil
}

func (r *SQLiteMessagesRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for prune: %w", err)
	}
	return n, nil
}
