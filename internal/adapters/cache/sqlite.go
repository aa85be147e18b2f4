// Package cache keeps recently seen messages per session in a local
// sqlite file so a reattaching client can show history at once.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomsync/internal/core"
	"github.com/dkeye/roomsync/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	sent_at    INTEGER NOT NULL,
	cached_at  INTEGER NOT NULL,
	body       BLOB NOT NULL,
	PRIMARY KEY (session_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_session_sent ON messages(session_id, sent_at);
CREATE INDEX IF NOT EXISTS idx_messages_cached ON messages(cached_at);
`

// DefaultTTL is how long a cached message stays readable.
const DefaultTTL = 24 * time.Hour

type SQLite struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

var _ core.MessageCache = (*SQLite)(nil)

// Open opens (creating if needed) the cache at path and drops expired rows.
func Open(ctx context.Context, path string, ttl time.Duration) (*SQLite, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open message cache: %w", err)
	}
	// One writer; sqlite serialises writes anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("message cache schema: %w", err)
	}
	c := &SQLite{db: db, ttl: ttl, now: time.Now}
	if n, err := c.Purge(ctx); err != nil {
		log.Warn().Str("module", "adapters.cache").Err(err).Msg("purge failed")
	} else if n > 0 {
		log.Info().Str("module", "adapters.cache").Int64("rows", n).Msg("expired messages purged")
	}
	return c, nil
}

func (c *SQLite) Store(ctx context.Context, id domain.SessionID, msgs []domain.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store messages: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO messages (session_id, message_id, sent_at, cached_at, body) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store messages: %w", err)
	}
	defer stmt.Close()

	now := c.now().UnixNano()
	for _, m := range msgs {
		body, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("store message %s: %w", m.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, string(id), m.ID, m.SentAt.UnixNano(), now, body); err != nil {
			return fmt.Errorf("store message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// Recent returns up to limit unexpired messages of id, oldest first.
func (c *SQLite) Recent(ctx context.Context, id domain.SessionID, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	cutoff := c.now().Add(-c.ttl).UnixNano()
	rows, err := c.db.QueryContext(ctx,
		`SELECT body FROM messages WHERE session_id = ? AND cached_at > ? ORDER BY sent_at DESC, message_id DESC LIMIT ?`,
		string(id), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var out []domain.ChatMessage
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("recent messages: %w", err)
		}
		var m domain.ChatMessage
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("recent messages: decode: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// Purge deletes expired rows and returns how many were removed.
func (c *SQLite) Purge(ctx context.Context) (int64, error) {
	cutoff := c.now().Add(-c.ttl).UnixNano()
	res, err := c.db.ExecContext(ctx, `DELETE FROM messages WHERE cached_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	return res.RowsAffected()
}

func (c *SQLite) Close() error { return c.db.Close() }
