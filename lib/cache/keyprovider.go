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
	"crypto/rand"

	"github.com/99designs/keyring"
	"github.com/gravitational/trace"
)

const (
	keyringService = "awsideman"
	keyringEntry   = "cache-encryption-key"
)

// KeyringProvider stores the cache encryption key in the OS secret
// store (Keychain, Secret Service, wincred, ...). A key is generated on
// first use.
type KeyringProvider struct {
	// ServiceName overrides the keyring service name, used by tests to
	// isolate from the real store.
	ServiceName string
	// AllowedBackends restricts the keyring backends considered, used
	// by tests to force the file fallback.
	AllowedBackends []keyring.BackendType
	// FileDir is the directory for the file fallback backend.
	FileDir string
}

// Key implements KeyProvider.
func (p *KeyringProvider) Key(ctx context.Context) ([]byte, error) {
	service := p.ServiceName
	if service == "" {
		service = keyringService
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:      service,
		AllowedBackends:  p.AllowedBackends,
		FileDir:          p.FileDir,
		FilePasswordFunc: keyring.FixedStringPrompt(service),
	})
	if err != nil {
		return nil, trace.Wrap(err, "opening OS secret store")
	}

	item, err := ring.Get(keyringEntry)
	if err == nil {
		return item.Data, nil
	}
	if err != keyring.ErrKeyNotFound {
		return nil, trace.Wrap(err, "reading cache encryption key")
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := ring.Set(keyring.Item{Key: keyringEntry, Data: key}); err != nil {
		return nil, trace.Wrap(err, "storing cache encryption key")
	}
	return key, nil
}
