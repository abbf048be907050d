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
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/awsideman/lib/defaults"
)

// fakeDynamo is an in-memory single-table DynamoDB good enough for the
// cache and oplog access patterns.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]dynamodbtypes.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]dynamodbtypes.AttributeValue)}
}

func itemKey(key map[string]dynamodbtypes.AttributeValue) string {
	for _, av := range key {
		if s, ok := av.(*dynamodbtypes.AttributeValueMemberS); ok {
			return s.Value
		}
	}
	return ""
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ck := in.Item["CacheKey"].(*dynamodbtypes.AttributeValueMemberS)
	f.items[ck.Value] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, itemKey(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &dynamodb.ScanOutput{}
	for _, item := range f.items {
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func newDynamoBackend(t *testing.T, clock clockwork.Clock, compression bool) (*DynamoBackend, *fakeDynamo) {
	t.Helper()
	fake := newFakeDynamo()
	b, err := NewDynamoBackend(DynamoBackendConfig{
		Client:      fake,
		Table:       "awsideman-cache",
		Profile:     "default",
		Compression: compression,
		Clock:       clock,
	})
	require.NoError(t, err)
	return b, fake
}

func TestDynamoBackendRequiresProfile(t *testing.T) {
	_, err := NewDynamoBackend(DynamoBackendConfig{
		Client: newFakeDynamo(),
		Table:  "t",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "profile")
}

func TestDynamoBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b, _ := newDynamoBackend(t, clock, false)

	key := Key("default", "accounts", "count")
	require.NoError(t, b.Put(ctx, key, []byte("29"), time.Hour))

	entry, err := b.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("29"), entry.Value)

	clock.Advance(2 * time.Hour)
	_, err = b.Get(ctx, key)
	require.True(t, trace.IsNotFound(err))
}

func TestDynamoBackendRejectsForeignProfile(t *testing.T) {
	ctx := context.Background()
	b, _ := newDynamoBackend(t, clockwork.NewFakeClock(), false)

	err := b.Put(ctx, Key("other", "accounts", "count"), []byte("1"), time.Hour)
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))

	_, err = b.Get(ctx, Key("other", "accounts", "count"))
	require.Error(t, err)
}

func TestDynamoBackendWildcardProfile(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	fake := newFakeDynamo()

	// Two concrete profiles write into the shared table.
	for _, profile := range []string{"default", "prod"} {
		b, err := NewDynamoBackend(DynamoBackendConfig{
			Client:  fake,
			Table:   "awsideman-cache",
			Profile: profile,
			Clock:   clock,
		})
		require.NoError(t, err)
		require.NoError(t, b.Put(ctx, Key(profile, "accounts", "count"), []byte("1"), time.Hour))
	}

	wild, err := NewDynamoBackend(DynamoBackendConfig{
		Client:  fake,
		Table:   "awsideman-cache",
		Profile: WildcardProfile,
		Clock:   clock,
	})
	require.NoError(t, err)

	// The wildcard backend sees every namespace and clears across them.
	keys, err := wild.Keys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		Key("default", "accounts", "count"),
		Key("prod", "accounts", "count"),
	}, keys)

	removed, err := wild.DeletePrefix(ctx, "profiles/")
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	require.Empty(t, fake.items)
}

func TestDynamoBackendChunking(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b, fake := newDynamoBackend(t, clock, false)

	// A value three and a half chunks long exercises the manifest path.
	big := bytes.Repeat([]byte{0xA5}, defaults.RemoteChunkSize*3+defaults.RemoteChunkSize/2)
	key := Key("default", "accounts", "snapshot")
	require.NoError(t, b.Put(ctx, key, big, time.Hour))

	// Manifest plus four chunk items.
	require.Len(t, fake.items, 5)

	entry, err := b.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, big, entry.Value)

	// Chunk items are internal: invisible to enumeration, one logical
	// entry in stats.
	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{key}, keys)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Entries)
	require.Equal(t, int64(len(big)), stats.Bytes)

	// Delete removes the chunks with the manifest.
	require.NoError(t, b.Delete(ctx, key))
	require.Empty(t, fake.items)
}

func TestDynamoBackendCompression(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b, fake := newDynamoBackend(t, clock, true)

	// Highly repetitive data compresses well below one chunk.
	big := bytes.Repeat([]byte("account "), defaults.RemoteChunkSize)
	key := Key("default", "accounts", "snapshot")
	require.NoError(t, b.Put(ctx, key, big, time.Hour))
	require.Len(t, fake.items, 1)

	entry, err := b.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, big, entry.Value)
}

func TestDynamoBackendDeletePrefix(t *testing.T) {
	ctx := context.Background()
	b, _ := newDynamoBackend(t, clockwork.NewFakeClock(), false)

	for _, key := range []string{
		Key("default", "accounts", "count"),
		Key("default", "accounts", "by-id", "111122223333"),
		Key("default", "resolve", "user", "alice"),
	} {
		require.NoError(t, b.Put(ctx, key, []byte("x"), time.Hour))
	}

	removed, err := b.DeletePrefix(ctx, Key("default", "accounts"))
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{Key("default", "resolve", "user", "alice")}, keys)
}
