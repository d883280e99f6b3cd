// Package prefs is a small persisted key-value store for settings that sit
// outside the extension registry, such as the active extension and the time
// of the last update check.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/streambox/backend/internal/shared/errs"
	bbolt "go.etcd.io/bbolt"
)

const (
	fileMode   os.FileMode = 0o600
	bucketName             = "prefs"
)

// Well-known keys
const (
	KeyActiveExtension = "active_extension_id"
	KeyLastUpdateCheck = "last_update_check"
)

var errClosed = errors.New("prefs: store is closed")

// Store persists string preferences in a bbolt file
type Store struct {
	db     *bbolt.DB
	bucket []byte
	closed atomic.Bool
}

// Open opens or creates the store at path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Persistence("prefs open", err)
	}
	db, err := bbolt.Open(path, fileMode, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errs.Persistence("prefs open", fmt.Errorf("opening boltdb: %w", err))
	}

	bucket := []byte(bucketName)
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucket)
		return e
	}); err != nil {
		_ = db.Close()
		return nil, errs.Persistence("prefs open", fmt.Errorf("initializing bucket: %w", err))
	}

	return &Store{db: db, bucket: bucket}, nil
}

func (s *Store) ensureOpen(ctx context.Context) error {
	if s.closed.Load() {
		return errClosed
	}
	return ctx.Err()
}

// Get returns the value for key and whether it was set
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.ensureOpen(ctx); err != nil {
		return "", false, errs.Persistence("prefs get", err)
	}

	var (
		value string
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(s.bucket).Get([]byte(key))
		if raw != nil {
			value, found = string(raw), true
		}
		return nil
	})
	if err != nil {
		return "", false, errs.Persistence("prefs get", err)
	}
	return value, found, nil
}

// Set stores value under key
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.ensureOpen(ctx); err != nil {
		return errs.Persistence("prefs set", err)
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), []byte(value))
	}); err != nil {
		return errs.Persistence("prefs set", err)
	}
	return nil
}

// Delete removes key; missing keys are ignored
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.ensureOpen(ctx); err != nil {
		return errs.Persistence("prefs delete", err)
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	}); err != nil {
		return errs.Persistence("prefs delete", err)
	}
	return nil
}

// CompareAndDelete removes key only while it still holds expected
func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := s.ensureOpen(ctx); err != nil {
		return false, errs.Persistence("prefs delete", err)
	}
	deleted := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if string(b.Get([]byte(key))) != expected {
			return nil
		}
		deleted = true
		return b.Delete([]byte(key))
	})
	if err != nil {
		return false, errs.Persistence("prefs delete", err)
	}
	return deleted, nil
}

// GetTime reads a timestamp stored as unix milliseconds
func (s *Store) GetTime(ctx context.Context, key string) (time.Time, bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, errs.Persistence("prefs get", fmt.Errorf("key %s: %w", key, err))
	}
	return time.UnixMilli(ms), true, nil
}

// SetTime stores t as unix milliseconds
func (s *Store) SetTime(ctx context.Context, key string, t time.Time) error {
	return s.Set(ctx, key, strconv.FormatInt(t.UnixMilli(), 10))
}

// Close closes the underlying database
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
