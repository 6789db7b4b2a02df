package identity

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Open builds the store named by driver. The returned close func is never nil.
func Open(driver, path string) (Store, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFile:
		s, err := NewFileStore(path)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case DriverSQLite:
		if path == "" {
			return nil, noop, errors.New("identity: sqlite driver needs a path")
		}
		s, err := NewSQLiteStore(fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path))
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case DriverMemory:
		return NewMemoryStore(Identity{}), noop, nil
	default:
		return nil, noop, errors.Errorf("identity: unknown driver %q", driver)
	}
}
