// Copyright 2024-2026 Aiku AI

// Package store persists relay state in a bbolt database.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/aiku/matrix-telegram-relay/pkg/relay"
)

const (
	stateBucket  = "relay_state"
	cursorPrefix = "cursor/"
	recentKey    = "recent"
)

// Store is a bbolt-backed relay.StateStore.
type Store struct {
	db *bbolt.DB
}

var _ relay.StateStore = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("state path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	s := &Store{db: db}
	if err := s.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load reads the stored snapshot. An empty database yields an empty snapshot.
func (s *Store) Load(ctx context.Context) (relay.StateSnapshot, error) {
	snapshot := relay.StateSnapshot{Cursors: make(map[relay.Side]string)}
	if err := ctx.Err(); err != nil {
		return snapshot, err
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(stateBucket))
		if bucket == nil {
			return fmt.Errorf("state bucket is missing")
		}
		err := bucket.ForEach(func(k, v []byte) error {
			key := string(k)
			name, ok := strings.CutPrefix(key, cursorPrefix)
			if !ok {
				return nil
			}
			var side relay.Side
			if err := side.UnmarshalText([]byte(name)); err != nil {
				return fmt.Errorf("invalid cursor key %q: %w", key, err)
			}
			var cursor string
			if err := json.Unmarshal(v, &cursor); err != nil {
				return fmt.Errorf("unmarshal cursor %q: %w", key, err)
			}
			snapshot.Cursors[side] = cursor
			return nil
		})
		if err != nil {
			return err
		}
		if payload := bucket.Get([]byte(recentKey)); payload != nil {
			if err := json.Unmarshal(payload, &snapshot.Recent); err != nil {
				return fmt.Errorf("unmarshal recent set: %w", err)
			}
		}
		return nil
	})
	return snapshot, err
}

// Save replaces the stored snapshot in one transaction.
func (s *Store) Save(ctx context.Context, snapshot relay.StateSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	recent, err := json.Marshal(snapshot.Recent)
	if err != nil {
		return fmt.Errorf("marshal recent set: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(stateBucket))
		if bucket == nil {
			return fmt.Errorf("state bucket is missing")
		}
		for side, cursor := range snapshot.Cursors {
			payload, err := json.Marshal(cursor)
			if err != nil {
				return fmt.Errorf("marshal cursor: %w", err)
			}
			if err := bucket.Put(cursorKey(side), payload); err != nil {
				return err
			}
		}
		return bucket.Put([]byte(recentKey), recent)
	})
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(stateBucket)); err != nil {
			return fmt.Errorf("create state bucket: %w", err)
		}
		return nil
	})
}

func cursorKey(side relay.Side) []byte {
	return []byte(cursorPrefix + side.String())
}
