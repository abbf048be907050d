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
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// HybridBackendConfig pairs a fast local tier with an authoritative
// remote tier.
type HybridBackendConfig struct {
	// Local is the short-TTL file tier.
	Local Backend
	// Remote is the long-TTL authoritative tier.
	Remote Backend
	// LocalTTL caps the lifetime of local refills.
	LocalTTL time.Duration
	// Clock is used to bound refill TTLs by the remote expiry.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *HybridBackendConfig) CheckAndSetDefaults() error {
	if c.Local == nil || c.Remote == nil {
		return trace.BadParameter("hybrid cache requires both local and remote backends")
	}
	if c.LocalTTL <= 0 {
		c.LocalTTL = time.Hour
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// HybridBackend reads through the local tier into the remote one and
// writes remote-first so the authoritative copy always lands before the
// local convenience copy.
type HybridBackend struct {
	cfg HybridBackendConfig
}

// NewHybridBackend creates the hybrid backend.
func NewHybridBackend(cfg HybridBackendConfig) (*HybridBackend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &HybridBackend{cfg: cfg}, nil
}

// Get implements Backend. Local hits are served directly; remote hits
// refill the local tier with the shorter TTL.
func (b *HybridBackend) Get(ctx context.Context, key string) (*Entry, error) {
	entry, err := b.cfg.Local.Get(ctx, key)
	if err == nil {
		return entry, nil
	}
	if !trace.IsNotFound(err) {
		log.WarnContext(ctx, "local cache tier read failed, falling through", "key", key, "error", err)
	}

	entry, err = b.cfg.Remote.Get(ctx, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	ttl := b.cfg.LocalTTL
	if remaining := entry.Expires.Sub(b.cfg.Clock.Now()); remaining < ttl {
		ttl = remaining
	}
	if ttl > 0 {
		if refillErr := b.cfg.Local.Put(ctx, key, entry.Value, ttl); refillErr != nil {
			log.WarnContext(ctx, "local cache tier refill failed", "key", key, "error", refillErr)
		}
	}
	return entry, nil
}

// Put implements Backend.
func (b *HybridBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.cfg.Remote.Put(ctx, key, value, ttl); err != nil {
		return trace.Wrap(err)
	}
	localTTL := min(ttl, b.cfg.LocalTTL)
	if err := b.cfg.Local.Put(ctx, key, value, localTTL); err != nil {
		log.WarnContext(ctx, "local cache tier write failed", "key", key, "error", err)
	}
	return nil
}

// Delete implements Backend.
func (b *HybridBackend) Delete(ctx context.Context, key string) error {
	if err := b.cfg.Local.Delete(ctx, key); err != nil {
		log.WarnContext(ctx, "local cache tier delete failed", "key", key, "error", err)
	}
	return trace.Wrap(b.cfg.Remote.Delete(ctx, key))
}

// DeletePrefix implements Backend. The remote count is authoritative;
// the local tier holds a subset of the same entries.
func (b *HybridBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if _, err := b.cfg.Local.DeletePrefix(ctx, prefix); err != nil {
		log.WarnContext(ctx, "local cache tier prefix delete failed", "prefix", prefix, "error", err)
	}
	removed, err := b.cfg.Remote.DeletePrefix(ctx, prefix)
	return removed, trace.Wrap(err)
}

// Keys implements Backend against the authoritative tier.
func (b *HybridBackend) Keys(ctx context.Context) ([]string, error) {
	keys, err := b.cfg.Remote.Keys(ctx)
	return keys, trace.Wrap(err)
}

// Stats implements Backend against the authoritative tier.
func (b *HybridBackend) Stats(ctx context.Context) (Stats, error) {
	stats, err := b.cfg.Remote.Stats(ctx)
	return stats, trace.Wrap(err)
}

// Close implements Backend.
func (b *HybridBackend) Close() error {
	localErr := b.cfg.Local.Close()
	remoteErr := b.cfg.Remote.Close()
	return trace.NewAggregate(localErr, remoteErr)
}
