package identity

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	keyDisplayName    = "display_name"
	keyContactPhone   = "contact_phone"
	keyConversationID = "conversation_id"
)

// SQLiteStore keeps the three identity fields as independent rows.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite identity store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite identity store: open")
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS chat_identity (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`)
	return errors.Wrap(err, "sqlite identity store: migrate")
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func readIdentity(ctx context.Context, q queryer) (Identity, error) {
	rows, err := q.QueryContext(ctx, `SELECT key, value FROM chat_identity`)
	if err != nil {
		return Identity{}, errors.Wrap(err, "sqlite identity store: read")
	}
	defer func() { _ = rows.Close() }()

	var id Identity
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Identity{}, errors.Wrap(err, "sqlite identity store: scan")
		}
		switch k {
		case keyDisplayName:
			id.DisplayName = v
		case keyContactPhone:
			id.ContactPhone = v
		case keyConversationID:
			id.ConversationID = v
		}
	}
	if err := rows.Err(); err != nil {
		return Identity{}, errors.Wrap(err, "sqlite identity store: iterate")
	}
	return id, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (Identity, error) {
	return readIdentity(ctx, s.db)
}

func (s *SQLiteStore) Save(ctx context.Context, update Identity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite identity store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	current, err := readIdentity(ctx, tx)
	if err != nil {
		return err
	}

	merged, mergeErr := Merge(current, update)
	for k, v := range map[string]string{
		keyDisplayName:    merged.DisplayName,
		keyContactPhone:   merged.ContactPhone,
		keyConversationID: merged.ConversationID,
	} {
		if v == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_identity(key, value) VALUES(?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, k, v); err != nil {
			return errors.Wrapf(err, "sqlite identity store: upsert %s", k)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite identity store: commit")
	}
	return mergeErr
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_identity`)
	return errors.Wrap(err, "sqlite identity store: clear")
}
