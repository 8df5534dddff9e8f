// Package state is the durable mirror of the client session. It is a
// flat string key/value store backed by bbolt, the client-side analogue
// of browser local storage.
package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.sessiongate/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

// Keys used for the persisted session.
const (
	KeyToken    = "token"
	KeyUserInfo = "userInfo"
)

var appBucket = []byte("app")

// State wraps a bbolt database holding string values under string keys.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.sessiongate/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Get returns the value stored under key and whether it was present.
func (s *State) Get(key string) (string, bool) {
	var (
		value string
		found bool
	)

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get([]byte(key))
		if v != nil {
			value = string(v)
			found = true
		}

		return nil
	})

	return value, found
}

// Put writes all pairs in a single transaction, so either every key is
// updated or none is.
func (s *State) Put(pairs map[string]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		for k, v := range pairs {
			if err := b.Put([]byte(k), []byte(v)); err != nil {
				return fmt.Errorf("writing %s: %w", k, err)
			}
		}

		return nil
	})
}

// Remove deletes the given keys in a single transaction. Missing keys are
// not an error.
func (s *State) Remove(keys ...string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return fmt.Errorf("deleting %s: %w", k, err)
			}
		}

		return nil
	})
}

// Keys returns every stored key in sorted order.
func (s *State) Keys() []string {
	var keys []string

	_ = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})

	sort.Strings(keys)

	return keys
}

// DefaultPath returns ~/.sessiongate/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Refuse to fall back to the working directory: the database holds
		// a bearer token and must not land in a source tree.
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".sessiongate", "state.db"), nil
}
