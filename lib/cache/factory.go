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

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/awsideman/lib/awsapi"
	"github.com/gravitational/awsideman/lib/config"
)

// Params selects and wires a cache backend from configuration.
type Params struct {
	// Config is the cache section of the loaded configuration.
	Config config.CacheConfig
	// Profile is the credential profile namespace.
	Profile string
	// Dynamo is required for the dynamodb and hybrid backends.
	Dynamo awsapi.DynamoDB
	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// Keys overrides the encryption key source; defaults to the OS
	// secret store.
	Keys KeyProvider
}

// New builds the configured backend stack: the base tier(s), topped
// with the encryption wrapper when enabled.
func New(ctx context.Context, p Params) (Backend, error) {
	if p.Profile == "" {
		return nil, trace.BadParameter("missing profile")
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}

	var backend Backend
	switch p.Config.Backend {
	case "", "file":
		file, err := NewFileBackend(FileBackendConfig{
			RootDir: p.Config.RootDir,
			Clock:   p.Clock,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		backend = file
	case "dynamodb":
		remote, err := newRemote(p)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		backend = remote
	case "hybrid":
		file, err := NewFileBackend(FileBackendConfig{
			RootDir: p.Config.RootDir,
			Clock:   p.Clock,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		remote, err := newRemote(p)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		backend, err = NewHybridBackend(HybridBackendConfig{
			Local:    file,
			Remote:   remote,
			LocalTTL: p.Config.FileTTLDuration(),
			Clock:    p.Clock,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	default:
		return nil, trace.BadParameter("unknown cache backend %q", p.Config.Backend)
	}

	if !p.Config.Encrypted {
		return backend, nil
	}
	keys := p.Keys
	if keys == nil {
		keys = &KeyringProvider{}
	}
	encrypted, err := NewEncryptedBackend(ctx, EncryptedBackendConfig{
		Inner:   backend,
		Keys:    keys,
		Profile: p.Profile,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return encrypted, nil
}

func newRemote(p Params) (Backend, error) {
	backend, err := NewDynamoBackend(DynamoBackendConfig{
		Client:      p.Dynamo,
		Table:       p.Config.DynamoTable,
		Profile:     p.Profile,
		Compression: p.Config.CompressionEnabled(),
		Clock:       p.Clock,
	})
	return backend, trace.Wrap(err)
}
