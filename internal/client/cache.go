package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/thenoetrevino/boardsync/internal/events"
)

var bucketBoards = []byte("boards")

// ErrCacheClosed is returned after Close
var ErrCacheClosed = errors.New("cache is closed")

// Cache stores the confirmed snapshot of each joined board in a bbolt file
// so a restarted client resumes from its last sequence instead of
// downloading a full snapshot.
type Cache struct {
	db *bolt.DB
}

// OpenCache opens or creates the cache file at path
func OpenCache(path string) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBoards)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create cache bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

// Save replaces the cached snapshot of snap's project
func (c *Cache) Save(snap events.Snapshot) error {
	if c == nil || c.db == nil {
		return ErrCacheClosed
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBoards).Put([]byte(snap.ProjectID), raw)
	})
}

// Load returns the cached snapshot of a project, if any
func (c *Cache) Load(projectID string) (events.Snapshot, bool, error) {
	if c == nil || c.db == nil {
		return events.Snapshot{}, false, ErrCacheClosed
	}
	var (
		snap  events.Snapshot
		found bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBoards).Get([]byte(projectID))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &snap)
	})
	if err != nil {
		return events.Snapshot{}, false, fmt.Errorf("decode cached snapshot: %w", err)
	}
	return snap, found, nil
}

// Delete drops a project's snapshot
func (c *Cache) Delete(projectID string) error {
	if c == nil || c.db == nil {
		return ErrCacheClosed
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBoards).Delete([]byte(projectID))
	})
}

// Close releases the file lock
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}
