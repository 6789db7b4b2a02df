package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMerge(t *testing.T) {
	cur := Identity{DisplayName: "Ana"}

	got, err := Merge(cur, Identity{ContactPhone: " 3011234567 "})
	require.NoError(t, err)
	require.Equal(t, Identity{DisplayName: "Ana", ContactPhone: "3011234567"}, got)

	got, err = Merge(got, Identity{ConversationID: "c1"})
	require.NoError(t, err)
	require.Equal(t, "c1", got.ConversationID)

	// same id again is fine
	got, err = Merge(got, Identity{ConversationID: "c1"})
	require.NoError(t, err)
	require.Equal(t, "c1", got.ConversationID)

	got, err = Merge(got, Identity{ConversationID: "c2", DisplayName: "Ana María"})
	require.True(t, errors.Is(err, ErrConversationIDConflict))
	require.Equal(t, "c1", got.ConversationID)
	require.Equal(t, "Ana María", got.DisplayName)
}

func TestMerge_NameKeptVerbatim(t *testing.T) {
	got, err := Merge(Identity{}, Identity{DisplayName: " Ana "})
	require.NoError(t, err)
	require.Equal(t, " Ana ", got.DisplayName)

	got, err = Merge(got, Identity{DisplayName: "   "})
	require.NoError(t, err)
	require.Equal(t, " Ana ", got.DisplayName)
}

func TestComplete(t *testing.T) {
	require.False(t, Identity{}.Complete())
	require.False(t, Identity{DisplayName: "Ana"}.Complete())
	require.True(t, Identity{DisplayName: "Ana", ContactPhone: "3011234567"}.Complete())
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	id, err := s.Load(ctx)
	require.NoError(t, err)
	require.True(t, id.IsZero())

	require.NoError(t, s.Save(ctx, Identity{DisplayName: "Ana"}))
	require.NoError(t, s.Save(ctx, Identity{ContactPhone: "3011234567"}))
	require.NoError(t, s.Save(ctx, Identity{ConversationID: "conv-1"}))

	id, err = s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, Identity{DisplayName: "Ana", ContactPhone: "3011234567", ConversationID: "conv-1"}, id)

	err = s.Save(ctx, Identity{ConversationID: "conv-2"})
	require.True(t, errors.Is(err, ErrConversationIDConflict))
	id, err = s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "conv-1", id.ConversationID)

	require.NoError(t, s.Clear(ctx))
	id, err = s.Load(ctx)
	require.NoError(t, err)
	require.True(t, id.IsZero())

	// clearing twice is harmless
	require.NoError(t, s.Clear(ctx))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(Identity{}))
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "identity.yaml")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.yaml")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), Identity{DisplayName: "Ana", ContactPhone: "3011234567"}))

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	id, err := reopened.Load(context.Background())
	require.NoError(t, err)
	require.True(t, id.Complete())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), "display_name: Ana")
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.yaml")
	require.NoError(t, os.WriteFile(path, []byte("display_name: [unterminated"), 0o600))
	s, err := NewFileStore(path)
	require.NoError(t, err)
	_, err = s.Load(context.Background())
	require.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s)
}

func TestSQLiteStore_SaveMergesAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), Identity{DisplayName: "Ana", ConversationID: "c1"}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, s.Save(ctx, Identity{ContactPhone: "3011234567"}))

	err = s.Save(context.Background(), Identity{ContactPhone: "3011234567", ConversationID: "c2"})
	require.ErrorIs(t, err, ErrConversationIDConflict)
	id, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, Identity{DisplayName: "Ana", ContactPhone: "3011234567", ConversationID: "c1"}, id)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, closeFn, err := Open("", filepath.Join(dir, "id.yaml"))
	require.NoError(t, err)
	require.IsType(t, &FileStore{}, s)
	require.NoError(t, closeFn())

	s, closeFn, err = Open("sqlite", filepath.Join(dir, "id.db"))
	require.NoError(t, err)
	require.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, closeFn())

	s, _, err = Open("memory", "")
	require.NoError(t, err)
	require.IsType(t, &MemoryStore{}, s)

	_, _, err = Open("etcd", "")
	require.Error(t, err)
}
