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

package oplog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/gravitational/trace"
)

// operationIDPattern keeps ids usable as file names.
var operationIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// FileStore keeps one JSON document per operation under a directory.
// Concurrent use within one process is serialized; cross-process
// writers rely on atomic renames.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore opens (and creates if needed) a journal directory.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, trace.BadParameter("missing operations directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) pathFor(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func checkID(id string) error {
	if !operationIDPattern.MatchString(id) {
		return trace.BadParameter("invalid operation id %q", id)
	}
	return nil
}

// Append implements Store.
func (s *FileStore) Append(ctx context.Context, record *Record) error {
	if err := record.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := checkID(record.ID); err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.pathFor(record.ID)); err == nil {
		return trace.AlreadyExists("operation %v is already recorded", record.ID)
	}
	return trace.Wrap(s.write(record))
}

// write marshals and atomically persists a record. Callers hold the
// lock.
func (s *FileStore) write(record *Record) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	if err := renameio.WriteFile(s.pathFor(record.ID), data, 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, id string) (*Record, error) {
	if err := checkID(id); err != nil {
		return nil, trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

func (s *FileStore) read(id string) (*Record, error) {
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("operation %v not found", id)
		}
		return nil, trace.ConvertSystemError(err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, trace.Wrap(err, "decoding operation %v", id)
	}
	return &record, nil
}

// List implements Store.
func (s *FileStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var records []*Record
	for _, entry := range entries {
		id, ok := strings.CutSuffix(entry.Name(), ".json")
		if !ok || entry.IsDir() {
			continue
		}
		record, err := s.read(id)
		if err != nil {
			// A torn or foreign file must not hide the rest of the
			// journal.
			log.WarnContext(ctx, "Skipping unreadable operation record", "id", id, "error", err)
			continue
		}
		if filter.Match(record) {
			records = append(records, record)
		}
	}
	sortNewestFirst(records)
	return applyLimit(records, filter.Limit), nil
}

// MarkRolledBack implements Store.
func (s *FileStore) MarkRolledBack(ctx context.Context, id, rollbackID string) error {
	if err := checkID(id); err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.read(id)
	if err != nil {
		return trace.Wrap(err)
	}
	if record.RolledBack {
		return trace.CompareFailed("operation %v was already rolled back by %v", id, record.RollbackOperationID)
	}
	record.RolledBack = true
	record.RollbackOperationID = rollbackID
	return trace.Wrap(s.write(record))
}

// Sweep implements Store.
func (s *FileStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, trace.ConvertSystemError(err)
	}
	removed := 0
	for _, entry := range entries {
		id, ok := strings.CutSuffix(entry.Name(), ".json")
		if !ok || entry.IsDir() {
			continue
		}
		record, err := s.read(id)
		if err != nil {
			continue
		}
		if !record.Timestamp.Before(olderThan) {
			continue
		}
		if err := os.Remove(s.pathFor(id)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, trace.ConvertSystemError(err)
		}
		removed++
	}
	return removed, nil
}
