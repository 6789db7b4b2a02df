package identity

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FileStore keeps the identity in a small YAML document. Writes go to a temp
// file in the same directory and are renamed into place.
type FileStore struct {
	path string
	mu   sync.Mutex
}

var _ Store = &FileStore{}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("identity file store: empty path")
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(context.Context) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *FileStore) Save(_ context.Context, update Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.readLocked()
	if err != nil {
		return err
	}
	merged, mergeErr := Merge(current, update)
	if merged != current {
		if err := s.writeLocked(merged); err != nil {
			return err
		}
	}
	return mergeErr
}

func (s *FileStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "identity file store: remove")
	}
	return nil
}

func (s *FileStore) readLocked() (Identity, error) {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Identity{}, nil
	}
	if err != nil {
		return Identity{}, errors.Wrap(err, "identity file store: read")
	}
	var id Identity
	if err := yaml.Unmarshal(b, &id); err != nil {
		return Identity{}, errors.Wrapf(err, "identity file store: parse %s", s.path)
	}
	return id, nil
}

func (s *FileStore) writeLocked(id Identity) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "identity file store: create dir")
	}
	b, err := yaml.Marshal(id)
	if err != nil {
		return errors.Wrap(err, "identity file store: marshal")
	}
	tmp, err := os.CreateTemp(dir, ".identity-*.yaml")
	if err != nil {
		return errors.Wrap(err, "identity file store: temp file")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "identity file store: write")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "identity file store: close")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return errors.Wrap(err, "identity file store: rename")
	}
	return nil
}
