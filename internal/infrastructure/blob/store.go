// Package blob stores extension payloads on an afero filesystem.
//
// Payloads are addressed by keys built with paths.PayloadKey
// (<id>/<version>/<digest8>/<entry>) and kept zstd-compressed. Writes go
// to a temporary file that is renamed into place, so a key is either absent
// or holds a complete payload.
package blob

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/GriffinCanCode/streambox/backend/internal/shared/errs"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/paths"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

const (
	compressedSuffix = ".zst"
	tempSuffix       = ".tmp"
)

// ErrNotFound is returned when a key holds no payload
var ErrNotFound = errors.New("payload not found")

// Store reads and writes payload blobs
type Store struct {
	fs      afero.Fs
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.Mutex // serializes temp file naming
	seq     uint64
}

// New creates a store rooted at the base of fsys. Callers usually pass
// afero.NewBasePathFs(afero.NewOsFs(), layout.Payloads()).
func New(fsys afero.Fs) (*Store, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Store{fs: fsys, encoder: enc, decoder: dec}, nil
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key || strings.Contains(key, "..") {
		return fmt.Errorf("invalid payload key %q", key)
	}
	return nil
}

// Put writes data under key, replacing any previous content
func (s *Store) Put(key string, data []byte) error {
	if err := validKey(key); err != nil {
		return errs.Persistence("blob put", err)
	}
	if err := s.fs.MkdirAll(path.Dir(key), 0o755); err != nil {
		return errs.Persistence("blob put", err)
	}

	s.mu.Lock()
	s.seq++
	tmp := fmt.Sprintf("%s.%d%s", key, s.seq, tempSuffix)
	s.mu.Unlock()

	compressed := s.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	if err := afero.WriteFile(s.fs, tmp, compressed, 0o644); err != nil {
		_ = s.fs.Remove(tmp)
		return errs.Persistence("blob put", err)
	}
	if err := s.fs.Rename(tmp, key+compressedSuffix); err != nil {
		_ = s.fs.Remove(tmp)
		return errs.Persistence("blob put", err)
	}
	return nil
}

// Get reads the payload stored under key
func (s *Store) Get(key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, errs.Persistence("blob get", err)
	}
	raw, err := afero.ReadFile(s.fs, key+compressedSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.Persistence("blob get", fmt.Errorf("%w: %s", ErrNotFound, key))
		}
		return nil, errs.Persistence("blob get", err)
	}
	data, err := s.decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, errs.Persistence("blob get", fmt.Errorf("decode %s: %w", key, err))
	}
	return data, nil
}

// Exists reports whether key holds a payload
func (s *Store) Exists(key string) (bool, error) {
	if err := validKey(key); err != nil {
		return false, errs.Persistence("blob exists", err)
	}
	ok, err := afero.Exists(s.fs, key+compressedSuffix)
	if err != nil {
		return false, errs.Persistence("blob exists", err)
	}
	return ok, nil
}

// Delete removes key and prunes empty parent directories. Missing keys are ignored.
func (s *Store) Delete(key string) error {
	if err := validKey(key); err != nil {
		return errs.Persistence("blob delete", err)
	}
	if err := s.fs.Remove(key + compressedSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errs.Persistence("blob delete", err)
	}
	s.prune(path.Dir(key))
	return nil
}

// DeleteAll removes every payload of an extension
func (s *Store) DeleteAll(id string) error {
	if err := paths.ValidateExtensionID(id); err != nil {
		return errs.Persistence("blob delete all", err)
	}
	if err := s.fs.RemoveAll(id); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errs.Persistence("blob delete all", err)
	}
	return nil
}

// Keys lists every stored key
func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := afero.Walk(s.fs, ".", func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() || !strings.HasSuffix(p, compressedSuffix) {
			return nil
		}
		keys = append(keys, strings.TrimSuffix(strings.TrimPrefix(path.Clean(p), "./"), compressedSuffix))
		return nil
	})
	if err != nil {
		return nil, errs.Persistence("blob keys", err)
	}
	return keys, nil
}

// Sweep removes payloads whose key is not in keep, plus leftover temp
// files, and returns the removed keys.
func (s *Store) Sweep(keep map[string]struct{}) ([]string, error) {
	var removed []string
	var temps []string
	err := afero.Walk(s.fs, ".", func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !info.IsDir() && strings.HasSuffix(p, tempSuffix) {
			temps = append(temps, p)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Persistence("blob sweep", err)
	}
	for _, p := range temps {
		_ = s.fs.Remove(p)
	}

	keys, err := s.Keys()
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if _, ok := keep[key]; ok {
			continue
		}
		if err := s.Delete(key); err != nil {
			return removed, err
		}
		removed = append(removed, key)
	}
	return removed, nil
}

// prune removes empty directories from dir upwards
func (s *Store) prune(dir string) {
	for dir != "." && dir != "/" && dir != "" {
		entries, err := afero.ReadDir(s.fs, dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := s.fs.Remove(dir); err != nil {
			return
		}
		dir = path.Dir(dir)
	}
}

// Close releases the codec resources
func (s *Store) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}
