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
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"time"

	"github.com/gravitational/trace"
)

// encMagic prefixes every sealed payload so a plaintext entry in an
// encrypted store (or the reverse) is detected instead of silently
// decoded into garbage.
var encMagic = []byte("aim-enc1:")

// probeValue is a fixed plaintext sealed under the probe key at open
// time to validate the encryption key before any real reads.
var probeValue = []byte("awsideman-encryption-probe")

// KeyProvider supplies the cache encryption key. The default provider
// lives in keyprovider.go and is backed by the OS secret store.
type KeyProvider interface {
	// Key returns the 32-byte AES key.
	Key(ctx context.Context) ([]byte, error)
}

// EncryptedBackendConfig configures the encryption wrapper.
type EncryptedBackendConfig struct {
	// Inner is the backend holding sealed payloads.
	Inner Backend
	// Keys supplies the AES key.
	Keys KeyProvider
	// Profile is the namespace used for the key-validation probe.
	Profile string
}

// CheckAndSetDefaults validates the config.
func (c *EncryptedBackendConfig) CheckAndSetDefaults() error {
	if c.Inner == nil {
		return trace.BadParameter("missing inner backend")
	}
	if c.Keys == nil {
		return trace.BadParameter("missing key provider")
	}
	if c.Profile == "" {
		return trace.BadParameter("missing profile")
	}
	return nil
}

// EncryptedBackend seals payloads with AES-256-GCM before handing them
// to the inner backend. Keys, TTLs and enumeration pass through
// untouched; only payload bytes are transformed.
type EncryptedBackend struct {
	cfg  EncryptedBackendConfig
	aead cipher.AEAD
}

// NewEncryptedBackend wraps inner with encryption and validates the key
// against the store's probe entry. A store already carrying entries
// sealed under a different key, or plaintext entries, is refused.
func NewEncryptedBackend(ctx context.Context, cfg EncryptedBackendConfig) (*EncryptedBackend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	key, err := cfg.Keys.Key(ctx)
	if err != nil {
		return nil, trace.Wrap(err, "fetching cache encryption key")
	}
	defer zero(key)
	if len(key) != 32 {
		return nil, trace.BadParameter("cache encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	b := &EncryptedBackend{cfg: cfg, aead: aead}
	if err := b.validateKey(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	return b, nil
}

func (b *EncryptedBackend) probeKey() string {
	return Key(b.cfg.Profile, "meta", "encryption-probe")
}

func (b *EncryptedBackend) validateKey(ctx context.Context) error {
	entry, err := b.cfg.Inner.Get(ctx, b.probeKey())
	if trace.IsNotFound(err) {
		sealed, sealErr := b.seal(b.probeKey(), probeValue)
		if sealErr != nil {
			return trace.Wrap(sealErr)
		}
		// The probe outlives every data entry; ten years is effectively
		// forever for a cache.
		return trace.Wrap(b.cfg.Inner.Put(ctx, b.probeKey(), sealed, 10*365*24*time.Hour))
	}
	if err != nil {
		return trace.Wrap(err)
	}
	plain, err := b.open(b.probeKey(), entry.Value)
	if err != nil {
		return trace.AccessDenied("cache encryption key does not match the existing store: %v", err)
	}
	if !bytes.Equal(plain, probeValue) {
		return trace.AccessDenied("cache encryption probe mismatch")
	}
	return nil
}

func (b *EncryptedBackend) seal(key string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, trace.Wrap(err)
	}
	// The cache key is bound as additional data so a sealed payload
	// copied under another key fails to open.
	sealed := b.aead.Seal(nil, nonce, plaintext, []byte(key))
	out := make([]byte, 0, len(encMagic)+len(nonce)+len(sealed))
	out = append(out, encMagic...)
	out = append(out, nonce...)
	return append(out, sealed...), nil
}

func (b *EncryptedBackend) open(key string, payload []byte) ([]byte, error) {
	rest, ok := bytes.CutPrefix(payload, encMagic)
	if !ok {
		return nil, trace.BadParameter("plaintext entry in encrypted cache")
	}
	if len(rest) < b.aead.NonceSize() {
		return nil, trace.BadParameter("truncated encrypted entry")
	}
	nonce, sealed := rest[:b.aead.NonceSize()], rest[b.aead.NonceSize():]
	plain, err := b.aead.Open(nil, nonce, sealed, []byte(key))
	if err != nil {
		return nil, trace.BadParameter("failed to decrypt cache entry: %v", err)
	}
	return plain, nil
}

// Get implements Backend.
func (b *EncryptedBackend) Get(ctx context.Context, key string) (*Entry, error) {
	entry, err := b.cfg.Inner.Get(ctx, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	plain, err := b.open(key, entry.Value)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	entry.Value = plain
	return entry, nil
}

// Put implements Backend.
func (b *EncryptedBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	sealed, err := b.seal(key, value)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(b.cfg.Inner.Put(ctx, key, sealed, ttl))
}

// Delete implements Backend.
func (b *EncryptedBackend) Delete(ctx context.Context, key string) error {
	return trace.Wrap(b.cfg.Inner.Delete(ctx, key))
}

// DeletePrefix implements Backend.
func (b *EncryptedBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	n, err := b.cfg.Inner.DeletePrefix(ctx, prefix)
	return n, trace.Wrap(err)
}

// Keys implements Backend.
func (b *EncryptedBackend) Keys(ctx context.Context) ([]string, error) {
	keys, err := b.cfg.Inner.Keys(ctx)
	return keys, trace.Wrap(err)
}

// Stats implements Backend.
func (b *EncryptedBackend) Stats(ctx context.Context) (Stats, error) {
	stats, err := b.cfg.Inner.Stats(ctx)
	return stats, trace.Wrap(err)
}

// Close implements Backend.
func (b *EncryptedBackend) Close() error {
	return trace.Wrap(b.cfg.Inner.Close())
}

// zero wipes a key buffer once the cipher has been constructed.
func zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
