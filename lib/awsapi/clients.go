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

package awsapi

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	"github.com/gravitational/trace"

	"github.com/gravitational/awsideman"
	"github.com/gravitational/awsideman/lib/logutils"
)

var log = logutils.NewPackageLogger(awsideman.ComponentKey, awsideman.ComponentAWS)

// ClientCache hands out AWS service clients, one per (profile, service)
// pair. Retries are disabled at the SDK level: the retry governor owns
// backoff for every call made through it.
type ClientCache struct {
	// Region, when set, overrides the profile's default region.
	Region string

	mu      sync.Mutex
	configs map[string]aws.Config

	ssoadmin      map[string]SSOAdmin
	identitystore map[string]IdentityStore
	organizations map[string]Organizations
	dynamodb      map[string]DynamoDB
}

// NewClientCache returns an empty client cache.
func NewClientCache(region string) *ClientCache {
	return &ClientCache{
		Region:        region,
		configs:       make(map[string]aws.Config),
		ssoadmin:      make(map[string]SSOAdmin),
		identitystore: make(map[string]IdentityStore),
		organizations: make(map[string]Organizations),
		dynamodb:      make(map[string]DynamoDB),
	}
}

func (c *ClientCache) configFor(ctx context.Context, profile string) (aws.Config, error) {
	if cfg, ok := c.configs[profile]; ok {
		return cfg, nil
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if profile != "" && profile != "default" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, trace.Wrap(err, "loading AWS config for profile %q", profile)
	}
	log.DebugContext(ctx, "Loaded AWS configuration",
		"profile", profile,
		"region", cfg.Region)
	c.configs[profile] = cfg
	return cfg, nil
}

// SSOAdmin returns the Identity Center admin client for the profile.
func (c *ClientCache) SSOAdmin(ctx context.Context, profile string) (SSOAdmin, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.ssoadmin[profile]; ok {
		return client, nil
	}
	cfg, err := c.configFor(ctx, profile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	client := ssoadmin.NewFromConfig(cfg)
	c.ssoadmin[profile] = client
	return client, nil
}

// IdentityStore returns the identity store client for the profile.
func (c *ClientCache) IdentityStore(ctx context.Context, profile string) (IdentityStore, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.identitystore[profile]; ok {
		return client, nil
	}
	cfg, err := c.configFor(ctx, profile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	client := identitystore.NewFromConfig(cfg)
	c.identitystore[profile] = client
	return client, nil
}

// Organizations returns the Organizations client for the profile.
func (c *ClientCache) Organizations(ctx context.Context, profile string) (Organizations, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.organizations[profile]; ok {
		return client, nil
	}
	cfg, err := c.configFor(ctx, profile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	client := organizations.NewFromConfig(cfg)
	c.organizations[profile] = client
	return client, nil
}

// DynamoDB returns the DynamoDB client for the profile.
func (c *ClientCache) DynamoDB(ctx context.Context, profile string) (DynamoDB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.dynamodb[profile]; ok {
		return client, nil
	}
	cfg, err := c.configFor(ctx, profile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	client := dynamodb.NewFromConfig(cfg)
	c.dynamodb[profile] = client
	return client, nil
}
