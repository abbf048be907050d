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

// Package cache provides a profile-namespaced key/value store with TTL
// expiration over pluggable backends: local files, DynamoDB, or a
// hybrid of the two, with optional AES-GCM payload encryption.
//
// The cache is strictly best-effort. Callers use GetJSON/PutJSON which
// demote every failure to a miss; correctness of any operation built on
// top of the cache never depends on it.
package cache

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/awsideman"
	"github.com/gravitational/awsideman/lib/logutils"
)

var log = logutils.NewPackageLogger(awsideman.ComponentKey, awsideman.ComponentCache)

// Entry is a stored cache value. Backends return copies; mutating a
// returned entry has no effect on the store.
type Entry struct {
	// Key is the full, profile-prefixed cache key.
	Key string `json:"key"`
	// Value is the opaque payload.
	Value []byte `json:"value"`
	// CreatedAt is when the entry was written.
	CreatedAt time.Time `json:"created_at"`
	// Expires is when the entry stops being returned.
	Expires time.Time `json:"expires_at"`
}

// Stats summarizes a backend's contents.
type Stats struct {
	// Entries is the number of live entries.
	Entries int
	// Bytes approximates the stored payload size.
	Bytes int64
}

// Backend is the capability set every cache backend implements.
type Backend interface {
	// Get returns the entry for key, or trace.NotFound when the key is
	// absent or expired. Expired entries are never returned.
	Get(ctx context.Context, key string) (*Entry, error)
	// Put stores value under key for ttl.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes one key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key with the given prefix and returns
	// the number of entries actually removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	// Keys enumerates the live keys in the store.
	Keys(ctx context.Context) ([]string, error)
	// Stats reports entry count and approximate size.
	Stats(ctx context.Context) (Stats, error)
	// Close releases backend resources.
	Close() error
}

// WildcardProfile opens a shared backend across every profile
// namespace. Only maintenance paths use it; regular lookups always
// run under a concrete profile.
const WildcardProfile = "*"

// keyPattern is the only shape a cache key may take. The hash-based
// file naming makes traversal impossible anyway; the pattern keeps
// remote keys portable across backends.
var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9._/\-]+$`)

// ValidateKey rejects malformed or non-namespaced keys. Every key lives
// under profiles/<profile>/.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return trace.BadParameter("invalid cache key %q", key)
	}
	if strings.Contains(key, "..") {
		return trace.BadParameter("cache key %q must not contain '..'", key)
	}
	profile, rest, ok := splitProfileKey(key)
	if !ok || profile == "" || rest == "" {
		return trace.BadParameter("cache key %q must have the form profiles/<profile>/<path>", key)
	}
	return nil
}

// Key builds a profile-namespaced cache key from path parts.
func Key(profile string, parts ...string) string {
	return "profiles/" + profile + "/" + strings.Join(parts, "/")
}

// ProfileOf extracts the profile namespace from a cache key.
func ProfileOf(key string) string {
	profile, _, _ := splitProfileKey(key)
	return profile
}

func splitProfileKey(key string) (profile, rest string, ok bool) {
	without, found := strings.CutPrefix(key, "profiles/")
	if !found {
		return "", "", false
	}
	profile, rest, found = strings.Cut(without, "/")
	if !found {
		return "", "", false
	}
	return profile, rest, true
}

// GetJSON reads key and decodes it into target. Every failure, from a
// backend error to a decode mismatch, is logged and reported as a miss.
func GetJSON(ctx context.Context, b Backend, key string, target any) bool {
	if b == nil {
		return false
	}
	entry, err := b.Get(ctx, key)
	if err != nil {
		if !trace.IsNotFound(err) {
			log.WarnContext(ctx, "cache read failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(entry.Value, target); err != nil {
		log.WarnContext(ctx, "cache entry is not decodable, treating as miss", "key", key, "error", err)
		return false
	}
	return true
}

// PutJSON encodes value and stores it under key. Failures are logged
// and swallowed.
func PutJSON(ctx context.Context, b Backend, key string, value any, ttl time.Duration) {
	if b == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		log.WarnContext(ctx, "cache value is not encodable", "key", key, "error", err)
		return
	}
	if err := b.Put(ctx, key, data, ttl); err != nil {
		log.WarnContext(ctx, "cache write failed", "key", key, "error", err)
	}
}
