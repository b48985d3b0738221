// ABOUTME: SQLite implementation of MessageStore using modernc.org/sqlite.
// ABOUTME: One messages table keyed by (conversation_id, sequence), WAL mode.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/parley-hub/internal/messaging"
)

// SQLiteStore implements MessageStore on a local database file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (and if needed creates) the database at path. Parent
// directories are created; the schema is applied idempotently.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps readers unblocked while the hub appends.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("sqlite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			conversation_id TEXT    NOT NULL,
			sequence        INTEGER NOT NULL,
			id              TEXT    NOT NULL,
			sender_id       TEXT    NOT NULL,
			type            TEXT    NOT NULL,
			topic           TEXT,
			payload         BLOB,
			accepted_at     TEXT    NOT NULL,

			PRIMARY KEY (conversation_id, sequence)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_sender
			ON messages(conversation_id, sender_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append stores one accepted message.
func (s *SQLiteStore) Append(ctx context.Context, msg *messaging.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, sequence, id, sender_id, type, topic, payload, accepted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Sequence, msg.ID, msg.SenderID,
		string(msg.Type), msg.Topic, []byte(msg.Payload),
		msg.AcceptedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("appending message %s: %w", msg.ID, err)
	}
	return nil
}

// ReadRange returns messages in [fromSeq, toSeq] in sequence order.
func (s *SQLiteStore) ReadRange(ctx context.Context, conversationID string, fromSeq, toSeq uint64, limit int) ([]*messaging.Message, error) {
	query := `
		SELECT sequence, id, sender_id, type, topic, payload, accepted_at
		FROM messages
		WHERE conversation_id = ? AND sequence >= ?`
	args := []any{conversationID, fromSeq}
	if toSeq > 0 {
		query += " AND sequence <= ?"
		args = append(args, toSeq)
	}
	query += " ORDER BY sequence ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}
	defer rows.Close()

	var out []*messaging.Message
	for rows.Next() {
		msg := &messaging.Message{ConversationID: conversationID}
		var topic sql.NullString
		var payload []byte
		var acceptedAt string
		if err := rows.Scan(&msg.Sequence, &msg.ID, &msg.SenderID, (*string)(&msg.Type), &topic, &payload, &acceptedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Topic = topic.String
		if len(payload) > 0 {
			msg.Payload = payload
		}
		if msg.AcceptedAt, err = time.Parse(time.RFC3339Nano, acceptedAt); err != nil {
			return nil, fmt.Errorf("parsing accepted_at: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// MaxSequence returns the highest stored sequence for a conversation.
func (s *SQLiteStore) MaxSequence(ctx context.Context, conversationID string) (uint64, error) {
	var max uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence FROM messages WHERE conversation_id = ? ORDER BY sequence DESC LIMIT 1`,
		conversationID,
	).Scan(&max)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading max sequence: %w", err)
	}
	return max, nil
}

// DeleteConversation drops a conversation's history.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("deleting conversation %s: %w", conversationID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("conversation history deleted",
			"conversation_id", conversationID,
			"messages", n,
		)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
