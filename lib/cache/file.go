/*
 * awsideman
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// FileBackendConfig configures the local file backend.
type FileBackendConfig struct {
	// RootDir is the directory holding all profile namespaces.
	RootDir string
	// Clock is used for TTL decisions.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *FileBackendConfig) CheckAndSetDefaults() error {
	if c.RootDir == "" {
		return trace.BadParameter("missing cache root directory")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// FileBackend stores one entry per file under
// <root>/profiles/<profile>/<sha256(key)>. The hash keeps arbitrary key
// content from escaping the directory; the entry envelope carries the
// original key so enumeration reports real keys.
type FileBackend struct {
	cfg FileBackendConfig
	mu  sync.Mutex
}

// NewFileBackend creates the file backend, creating the root directory
// if needed.
func NewFileBackend(cfg FileBackendConfig) (*FileBackend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.RootDir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &FileBackend{cfg: cfg}, nil
}

func (b *FileBackend) pathFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(b.cfg.RootDir, "profiles", ProfileOf(key), hex.EncodeToString(sum[:]))
}

// Get implements Backend.
func (b *FileBackend) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, trace.Wrap(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, err := b.readEntry(b.pathFor(key))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !b.cfg.Clock.Now().Before(entry.Expires) {
		// Expired entries are removed eagerly so stats stay honest.
		_ = os.Remove(b.pathFor(key))
		return nil, trace.NotFound("cache key %q has expired", key)
	}
	return entry, nil
}

// Put implements Backend. The envelope is written atomically via
// temp-file rename.
func (b *FileBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return trace.Wrap(err)
	}
	if ttl <= 0 {
		return trace.BadParameter("cache ttl must be positive, got %v", ttl)
	}
	now := b.cfg.Clock.Now().UTC()
	data, err := json.Marshal(Entry{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		Expires:   now.Add(ttl),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Delete implements Backend.
func (b *FileBackend) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return trace.Wrap(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.Remove(b.pathFor(key)); err != nil && !os.IsNotExist(err) {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// DeletePrefix implements Backend. It walks the stored entries rather
// than any precomputed key list, so the reported count is what was
// actually removed.
func (b *FileBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	err := b.walkEntries(func(path string, entry *Entry) error {
		if !strings.HasPrefix(entry.Key, prefix) {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return trace.ConvertSystemError(err)
		}
		removed++
		return nil
	})
	return removed, trace.Wrap(err)
}

// Keys implements Backend.
func (b *FileBackend) Keys(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	now := b.cfg.Clock.Now()
	err := b.walkEntries(func(path string, entry *Entry) error {
		if !now.Before(entry.Expires) {
			_ = os.Remove(path)
			return nil
		}
		keys = append(keys, entry.Key)
		return nil
	})
	return keys, trace.Wrap(err)
}

// Stats implements Backend.
func (b *FileBackend) Stats(ctx context.Context) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var stats Stats
	now := b.cfg.Clock.Now()
	err := b.walkEntries(func(path string, entry *Entry) error {
		if !now.Before(entry.Expires) {
			return nil
		}
		stats.Entries++
		stats.Bytes += int64(len(entry.Value))
		return nil
	})
	return stats, trace.Wrap(err)
}

// Close implements Backend.
func (b *FileBackend) Close() error { return nil }

func (b *FileBackend) readEntry(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("cache entry not found")
		}
		return nil, trace.ConvertSystemError(err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, trace.BadParameter("corrupt cache entry at %v: %v", path, err)
	}
	return &entry, nil
}

func (b *FileBackend) walkEntries(fn func(path string, entry *Entry) error) error {
	return filepath.WalkDir(b.cfg.RootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return trace.ConvertSystemError(err)
		}
		if d.IsDir() {
			return nil
		}
		entry, err := b.readEntry(path)
		if err != nil {
			// Unreadable entries do not fail enumeration; they are
			// skipped and logged so a single corrupt file cannot take
			// down invalidation.
			log.Warn("skipping unreadable cache file", "path", path, "error", err)
			return nil
		}
		return fn(path, entry)
	})
}
