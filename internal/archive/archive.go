package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	guildhall "github.com/vovakirdan/guildhall-client"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	channel_id  TEXT NOT NULL,
	user_id     TEXT NOT NULL DEFAULT '',
	user_name   TEXT NOT NULL DEFAULT '',
	body        TEXT NOT NULL,
	deleted     INTEGER NOT NULL DEFAULT 0,
	archived_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, archived_at);
`

// Archive is a local SQLite log of the messages a client saw. Attach it to a
// running client and it records every correlated message and marks
// deletions; Recent serves history back, e.g. for a terminal UI.
type Archive struct {
	db  *sql.DB
	log *zerolog.Logger
}

// Entry is one archived message.
type Entry struct {
	ID         string
	ChannelID  string
	UserID     string
	UserName   string
	Text       string
	Deleted    bool
	ArchivedAt time.Time
}

// Open opens or creates the archive database at path and applies the schema.
// Pass ":memory:" for a throwaway archive.
func Open(path string, logger *zerolog.Logger) (*Archive, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &Archive{db: db, log: logger}, nil
}

// Close closes the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Attach subscribes the archive to cl's message events. Handlers run on the
// client's event path, so writes are kept to a single statement each;
// failures are logged and never propagate into frame processing.
func (a *Archive) Attach(cl *guildhall.Client) {
	cl.OnMessageCreate(func(m guildhall.Message) {
		if err := a.SaveMessage(context.Background(), m); err != nil {
			a.log.Warn().Err(err).Str("message_id", m.ID).Msg("archive write failed")
		}
	})
	cl.OnMessageDelete(func(m guildhall.Message) {
		if err := a.MarkDeleted(context.Background(), m.ID); err != nil {
			a.log.Warn().Err(err).Str("message_id", m.ID).Msg("archive delete failed")
		}
	})
}

// SaveMessage records one message. A message re-delivered after a reconnect
// keeps its first archived copy.
func (a *Archive) SaveMessage(ctx context.Context, m guildhall.Message) error {
	query := `
		INSERT OR IGNORE INTO messages (id, channel_id, user_id, user_name, body)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := a.db.ExecContext(ctx, query, m.ID, m.ChannelID, m.User.ID, m.User.Name, m.Text); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// MarkDeleted flags a message as deleted without dropping the row, so
// history keeps showing that something was there.
func (a *Archive) MarkDeleted(ctx context.Context, id string) error {
	result, err := a.db.ExecContext(ctx, `UPDATE messages SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		a.log.Debug().Str("message_id", id).Msg("deletion for unarchived message")
	}
	return nil
}

// Recent returns the latest messages of a channel in chronological order.
func (a *Archive) Recent(ctx context.Context, channelID string, limit int) ([]Entry, error) {
	query := `
		SELECT id, channel_id, user_id, user_name, body, deleted, archived_at
		FROM messages
		WHERE channel_id = ?
		ORDER BY rowid DESC
		LIMIT ?
	`
	rows, err := a.db.QueryContext(ctx, query, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ChannelID, &e.UserID, &e.UserName, &e.Text, &e.Deleted, &e.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		entries = append(entries, e)
	}

	// Reverse to get chronological order
	for i := range len(entries) / 2 {
		entries[i], entries[len(entries)-1-i] = entries[len(entries)-1-i], entries[i]
	}

	return entries, rows.Err()
}
