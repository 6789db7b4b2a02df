package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteMessageStore struct {
	db *sql.DB
}

var _ MessageStore = &SQLiteMessageStore{}

func NewSQLiteMessageStore(dsn string) (*SQLiteMessageStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite message store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteMessageStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds a DSN with WAL and a busy timeout for a database file.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite message store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteMessageStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteMessageStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite message store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_conversations (
		  conv_id TEXT PRIMARY KEY,
		  display_name TEXT NOT NULL DEFAULT '',
		  contact_phone TEXT NOT NULL DEFAULT '',
		  created_at_ms INTEGER NOT NULL,
		  last_activity_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chat_conversations_by_last_activity
		  ON chat_conversations(last_activity_ms DESC, conv_id ASC);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
		  seq INTEGER PRIMARY KEY AUTOINCREMENT,
		  id TEXT NOT NULL UNIQUE,
		  conv_id TEXT NOT NULL REFERENCES chat_conversations(conv_id) ON DELETE CASCADE,
		  client_message_id TEXT NOT NULL DEFAULT '',
		  text TEXT NOT NULL,
		  from_support INTEGER NOT NULL,
		  created_at_ms INTEGER NOT NULL,
		  read INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS chat_messages_by_created
		  ON chat_messages(conv_id, created_at_ms, seq);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS chat_messages_by_client_id
		  ON chat_messages(conv_id, client_message_id) WHERE client_message_id <> '';`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite message store: migrate")
		}
	}
	return nil
}

func (s *SQLiteMessageStore) UpsertConversation(ctx context.Context, record ConversationRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite message store: db is nil")
	}
	record = normalizeConversationRecord(record, time.Now().UnixMilli())
	if record.ConvID == "" {
		return errors.New("sqlite message store: convID is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_conversations (
			conv_id, display_name, contact_phone, created_at_ms, last_activity_ms
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conv_id) DO UPDATE SET
			display_name = CASE
				WHEN excluded.display_name <> '' THEN excluded.display_name
				ELSE chat_conversations.display_name
			END,
			contact_phone = CASE
				WHEN excluded.contact_phone <> '' THEN excluded.contact_phone
				ELSE chat_conversations.contact_phone
			END,
			last_activity_ms = CASE
				WHEN excluded.last_activity_ms > chat_conversations.last_activity_ms THEN excluded.last_activity_ms
				ELSE chat_conversations.last_activity_ms
			END
	`, record.ConvID, record.DisplayName, record.ContactPhone, record.CreatedAtMs, record.LastActivityMs)
	if err != nil {
		return errors.Wrap(err, "sqlite message store: upsert conversation")
	}
	return nil
}

const conversationColumns = `
	c.conv_id, c.display_name, c.contact_phone, c.created_at_ms, c.last_activity_ms,
	(SELECT COUNT(*) FROM chat_messages m WHERE m.conv_id = c.conv_id)`

func (s *SQLiteMessageStore) GetConversation(ctx context.Context, convID string) (ConversationRecord, bool, error) {
	if s == nil || s.db == nil {
		return ConversationRecord{}, false, errors.New("sqlite message store: db is nil")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return ConversationRecord{}, false, errors.New("sqlite message store: convID is empty")
	}
	var record ConversationRecord
	err := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+`
		FROM chat_conversations c WHERE c.conv_id = ?`, convID).Scan(
		&record.ConvID,
		&record.DisplayName,
		&record.ContactPhone,
		&record.CreatedAtMs,
		&record.LastActivityMs,
		&record.MessageCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ConversationRecord{}, false, nil
	}
	if err != nil {
		return ConversationRecord{}, false, errors.Wrap(err, "sqlite message store: get conversation")
	}
	return record, true, nil
}

func (s *SQLiteMessageStore) ListConversations(ctx context.Context, limit int, sinceMs int64) ([]ConversationRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite message store: db is nil")
	}
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT ` + conversationColumns + ` FROM chat_conversations c`
	args := make([]any, 0, 2)
	if sinceMs > 0 {
		query += ` WHERE c.last_activity_ms >= ?`
		args = append(args, sinceMs)
	}
	query += ` ORDER BY c.last_activity_ms DESC, c.conv_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite message store: list conversations")
	}
	defer func() { _ = rows.Close() }()

	records := make([]ConversationRecord, 0)
	for rows.Next() {
		var record ConversationRecord
		if err := rows.Scan(
			&record.ConvID,
			&record.DisplayName,
			&record.ContactPhone,
			&record.CreatedAtMs,
			&record.LastActivityMs,
			&record.MessageCount,
		); err != nil {
			return nil, errors.Wrap(err, "sqlite message store: scan conversation")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite message store: iterate conversations")
	}
	return records, nil
}

func (s *SQLiteMessageStore) AppendMessage(ctx context.Context, msg MessageRecord) (MessageRecord, bool, error) {
	if s == nil || s.db == nil {
		return MessageRecord{}, false, errors.New("sqlite message store: db is nil")
	}
	msg, err := normalizeMessageRecord(msg, time.Now().UnixMilli())
	if err != nil {
		return MessageRecord{}, false, errors.Wrap(err, "sqlite message store")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MessageRecord{}, false, errors.Wrap(err, "sqlite message store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_conversations WHERE conv_id = ?`, msg.ConvID).Scan(&exists); err != nil {
		return MessageRecord{}, false, errors.Wrap(err, "sqlite message store: lookup conversation")
	}
	if exists == 0 {
		return MessageRecord{}, false, errors.Wrap(ErrConversationNotFound, msg.ConvID)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (id, conv_id, client_message_id, text, from_support, created_at_ms, read)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, msg.ID, msg.ConvID, msg.ClientMessageID, msg.Text, boolToInt(msg.FromSupport), msg.CreatedAtMs, boolToInt(msg.Read))
	if err != nil {
		return MessageRecord{}, false, errors.Wrap(err, "sqlite message store: insert message")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return MessageRecord{}, false, errors.Wrap(err, "sqlite message store: rows affected")
	}
	if n == 0 {
		existing, err := scanMessage(tx.QueryRowContext(ctx, `
			SELECT id, conv_id, client_message_id, text, from_support, created_at_ms, read
			FROM chat_messages WHERE conv_id = ? AND client_message_id = ?
		`, msg.ConvID, msg.ClientMessageID))
		if err != nil {
			return MessageRecord{}, false, errors.Wrap(err, "sqlite message store: load duplicate")
		}
		return existing, false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE chat_conversations SET last_activity_ms = ?
		WHERE conv_id = ? AND last_activity_ms < ?
	`, msg.CreatedAtMs, msg.ConvID, msg.CreatedAtMs); err != nil {
		return MessageRecord{}, false, errors.Wrap(err, "sqlite message store: touch conversation")
	}
	if err := tx.Commit(); err != nil {
		return MessageRecord{}, false, errors.Wrap(err, "sqlite message store: commit")
	}
	return msg, true, nil
}

func (s *SQLiteMessageStore) ListMessages(ctx context.Context, convID string, limit int) ([]MessageRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite message store: db is nil")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return nil, errors.New("sqlite message store: convID is empty")
	}
	if _, ok, err := s.GetConversation(ctx, convID); err != nil {
		return nil, err
	} else if !ok {
		return nil, errors.Wrap(ErrConversationNotFound, convID)
	}

	// newest N, returned oldest first
	query := `
		SELECT id, conv_id, client_message_id, text, from_support, created_at_ms, read FROM (
			SELECT * FROM chat_messages WHERE conv_id = ?
			ORDER BY created_at_ms DESC, seq DESC
			LIMIT ?
		) ORDER BY created_at_ms ASC, seq ASC`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, query, convID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite message store: list messages")
	}
	defer func() { _ = rows.Close() }()

	msgs := make([]MessageRecord, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite message store: scan message")
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite message store: iterate messages")
	}
	return msgs, nil
}

func (s *SQLiteMessageStore) MarkRead(ctx context.Context, convID string, fromSupport bool) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sqlite message store: db is nil")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_messages SET read = 1
		WHERE conv_id = ? AND from_support = ? AND read = 0
	`, strings.TrimSpace(convID), boolToInt(fromSupport))
	if err != nil {
		return 0, errors.Wrap(err, "sqlite message store: mark read")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "sqlite message store: rows affected")
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (MessageRecord, error) {
	var (
		msg         MessageRecord
		fromSupport int64
		read        int64
	)
	if err := row.Scan(
		&msg.ID,
		&msg.ConvID,
		&msg.ClientMessageID,
		&msg.Text,
		&fromSupport,
		&msg.CreatedAtMs,
		&read,
	); err != nil {
		return MessageRecord{}, err
	}
	msg.FromSupport = fromSupport == 1
	msg.Read = read == 1
	return msg, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
