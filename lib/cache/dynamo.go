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
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zstd"

	"github.com/gravitational/awsideman/lib/awsapi"
	"github.com/gravitational/awsideman/lib/defaults"
)

// chunkSuffix marks the synthetic sibling items carrying pieces of an
// oversized value. Chunk keys never collide with user keys because '#'
// is outside the legal key alphabet.
const chunkSuffix = "#chunk/"

// DynamoBackendConfig configures the remote KV backend.
type DynamoBackendConfig struct {
	// Client is the DynamoDB API.
	Client awsapi.DynamoDB
	// Table is the cache table name.
	Table string
	// Profile is the namespace every key must live under. Remote
	// storage is per-account; a backend without a profile is refused.
	// WildcardProfile opens every namespace for maintenance commands.
	Profile string
	// Compression enables zstd compression of payloads.
	Compression bool
	// Clock is used for TTL decisions.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *DynamoBackendConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing DynamoDB client")
	}
	if c.Table == "" {
		return trace.BadParameter("missing DynamoDB table name")
	}
	if c.Profile == "" {
		return trace.BadParameter("remote cache requires a profile namespace")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// dynamoItem is the single-table record layout. Expires doubles as the
// table's TTL attribute.
type dynamoItem struct {
	CacheKey   string `dynamodbav:"CacheKey"`
	Payload    []byte `dynamodbav:"Payload,omitempty"`
	CreatedAt  int64  `dynamodbav:"CreatedAt"`
	Expires    int64  `dynamodbav:"Expires"`
	Chunks     int    `dynamodbav:"Chunks,omitempty"`
	Compressed bool   `dynamodbav:"Compressed,omitempty"`
}

// DynamoBackend stores entries in a single DynamoDB table keyed by
// CacheKey, with TTL-driven expiration and transparent chunking of
// values larger than the item budget.
type DynamoBackend struct {
	cfg     DynamoBackendConfig
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewDynamoBackend creates the remote KV backend.
func NewDynamoBackend(cfg DynamoBackendConfig) (*DynamoBackend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	b := &DynamoBackend{cfg: cfg}
	if cfg.Compression {
		var err error
		if b.encoder, err = zstd.NewWriter(nil); err != nil {
			return nil, trace.Wrap(err)
		}
		if b.decoder, err = zstd.NewReader(nil); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return b, nil
}

func (b *DynamoBackend) checkKey(key string) error {
	if err := ValidateKey(key); err != nil {
		return trace.Wrap(err)
	}
	if b.cfg.Profile != WildcardProfile && ProfileOf(key) != b.cfg.Profile {
		return trace.BadParameter("cache key %q is outside profile namespace %q", key, b.cfg.Profile)
	}
	return nil
}

// Get implements Backend, reassembling chunked values.
func (b *DynamoBackend) Get(ctx context.Context, key string) (*Entry, error) {
	if err := b.checkKey(key); err != nil {
		return nil, trace.Wrap(err)
	}
	item, err := b.getItem(ctx, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := b.cfg.Clock.Now()
	if item.Expires <= now.Unix() {
		return nil, trace.NotFound("cache key %q has expired", key)
	}

	payload := item.Payload
	if item.Chunks > 0 {
		payload = payload[:0]
		for i := range item.Chunks {
			chunk, err := b.getItem(ctx, chunkKey(key, i))
			if err != nil {
				return nil, trace.Wrap(err, "reading chunk %d of %q", i, key)
			}
			payload = append(payload, chunk.Payload...)
		}
	}
	if item.Compressed {
		if b.decoder == nil {
			return nil, trace.BadParameter("compressed entry %q but compression is disabled", key)
		}
		payload, err = b.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, trace.BadParameter("corrupt compressed entry %q: %v", key, err)
		}
	}
	return &Entry{
		Key:       key,
		Value:     payload,
		CreatedAt: time.Unix(item.CreatedAt, 0).UTC(),
		Expires:   time.Unix(item.Expires, 0).UTC(),
	}, nil
}

// Put implements Backend, chunking oversized values across synthetic
// sibling items referenced from a manifest.
func (b *DynamoBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.checkKey(key); err != nil {
		return trace.Wrap(err)
	}
	if ttl <= 0 {
		return trace.BadParameter("cache ttl must be positive, got %v", ttl)
	}

	compressed := false
	payload := value
	if b.encoder != nil {
		if shrunk := b.encoder.EncodeAll(value, nil); len(shrunk) < len(payload) {
			payload = shrunk
			compressed = true
		}
	}

	now := b.cfg.Clock.Now().UTC()
	expires := now.Add(ttl).Unix()
	if len(payload) <= defaults.RemoteChunkSize {
		return trace.Wrap(b.putItem(ctx, dynamoItem{
			CacheKey:   key,
			Payload:    payload,
			CreatedAt:  now.Unix(),
			Expires:    expires,
			Compressed: compressed,
		}))
	}

	chunks := (len(payload) + defaults.RemoteChunkSize - 1) / defaults.RemoteChunkSize
	for i := range chunks {
		start := i * defaults.RemoteChunkSize
		end := min(start+defaults.RemoteChunkSize, len(payload))
		if err := b.putItem(ctx, dynamoItem{
			CacheKey:  chunkKey(key, i),
			Payload:   payload[start:end],
			CreatedAt: now.Unix(),
			Expires:   expires,
		}); err != nil {
			return trace.Wrap(err, "writing chunk %d of %q", i, key)
		}
	}
	return trace.Wrap(b.putItem(ctx, dynamoItem{
		CacheKey:   key,
		CreatedAt:  now.Unix(),
		Expires:    expires,
		Chunks:     chunks,
		Compressed: compressed,
	}))
}

// Delete implements Backend, removing chunks along with the manifest.
func (b *DynamoBackend) Delete(ctx context.Context, key string) error {
	if err := b.checkKey(key); err != nil {
		return trace.Wrap(err)
	}
	item, err := b.getItem(ctx, key)
	if trace.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return trace.Wrap(err)
	}
	for i := range item.Chunks {
		if err := b.deleteItem(ctx, chunkKey(key, i)); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(b.deleteItem(ctx, key))
}

// DeletePrefix implements Backend.
func (b *DynamoBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := b.Keys(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	removed := 0
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := b.Delete(ctx, key); err != nil {
			return removed, trace.Wrap(err)
		}
		removed++
	}
	return removed, nil
}

// Keys implements Backend; chunk items are internal and not reported.
func (b *DynamoBackend) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	now := b.cfg.Clock.Now().Unix()
	err := b.scan(ctx, func(item dynamoItem) {
		if strings.Contains(item.CacheKey, chunkSuffix) || item.Expires <= now {
			return
		}
		keys = append(keys, item.CacheKey)
	})
	return keys, trace.Wrap(err)
}

// Stats implements Backend.
func (b *DynamoBackend) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	now := b.cfg.Clock.Now().Unix()
	err := b.scan(ctx, func(item dynamoItem) {
		if item.Expires <= now {
			return
		}
		if !strings.Contains(item.CacheKey, chunkSuffix) {
			stats.Entries++
		}
		stats.Bytes += int64(len(item.Payload))
	})
	return stats, trace.Wrap(err)
}

// Close implements Backend.
func (b *DynamoBackend) Close() error {
	if b.decoder != nil {
		b.decoder.Close()
	}
	if b.encoder != nil {
		return trace.Wrap(b.encoder.Close())
	}
	return nil
}

func chunkKey(key string, i int) string {
	return fmt.Sprintf("%s%s%d", key, chunkSuffix, i)
}

func (b *DynamoBackend) getItem(ctx context.Context, key string) (*dynamoItem, error) {
	out, err := b.cfg.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(b.cfg.Table),
		Key: map[string]dynamodbtypes.AttributeValue{
			"CacheKey": &dynamodbtypes.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(out.Item) == 0 {
		return nil, trace.NotFound("cache key %q not found", key)
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, trace.BadParameter("corrupt cache item %q: %v", key, err)
	}
	return &item, nil
}

func (b *DynamoBackend) putItem(ctx context.Context, item dynamoItem) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = b.cfg.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.cfg.Table),
		Item:      av,
	})
	return trace.Wrap(err)
}

func (b *DynamoBackend) deleteItem(ctx context.Context, key string) error {
	_, err := b.cfg.Client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.cfg.Table),
		Key: map[string]dynamodbtypes.AttributeValue{
			"CacheKey": &dynamodbtypes.AttributeValueMemberS{Value: key},
		},
	})
	return trace.Wrap(err)
}

func (b *DynamoBackend) scan(ctx context.Context, fn func(dynamoItem)) error {
	var startKey map[string]dynamodbtypes.AttributeValue
	for {
		out, err := b.cfg.Client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(b.cfg.Table),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		for _, raw := range out.Items {
			var item dynamoItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				log.Warn("skipping undecodable cache item", "error", err)
				continue
			}
			// Foreign profiles share the table; only our namespace is
			// visible through this backend. A wildcard backend sees
			// every namespace for cross-profile maintenance.
			if b.cfg.Profile != WildcardProfile && ProfileOf(item.CacheKey) != b.cfg.Profile {
				continue
			}
			fn(item)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		startKey = out.LastEvaluatedKey
	}
}
