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

// Package config loads the awsideman configuration file and applies
// environment overrides. Every key in the file has an AWSIDEMAN_*
// override that takes precedence; nested keys are flattened with
// underscores (cache.backend -> AWSIDEMAN_CACHE_BACKEND).
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"

	"github.com/gravitational/awsideman/lib/defaults"
)

// Config is the typed configuration consumed by the awsideman libraries.
type Config struct {
	// InstanceArn is the Identity Center instance to administer.
	InstanceArn string `json:"instance_arn"`
	// IdentityStoreID is the identity store attached to the instance.
	IdentityStoreID string `json:"identity_store_id"`
	// Profile is the AWS credential profile name.
	Profile string `json:"profile"`
	// Region is the AWS region for all service clients.
	Region string `json:"region"`

	// MaxConcurrentAccounts sizes the executor worker pool. Zero means
	// auto-scale by organization size.
	MaxConcurrentAccounts int `json:"max_concurrent_accounts"`
	// BatchSize is the number of assignments per bulk batch.
	BatchSize int `json:"batch_size"`
	// RateLimitDelayMs is the per-worker pause between AWS submissions.
	RateLimitDelayMs int `json:"rate_limit_delay_ms"`
	// AccountTimeoutS bounds the work for a single account.
	AccountTimeoutS int `json:"account_timeout_s"`
	// MaxRetries is the retry budget for throttled or transient calls.
	MaxRetries int `json:"max_retries"`
	// ContinueOnError lets bulk runs proceed past individual failures.
	ContinueOnError *bool `json:"continue_on_error,omitempty"`
	// RetentionDays is the operation journal retention.
	RetentionDays int `json:"retention_days"`
	// OperationsTable moves the operation journal into a DynamoDB
	// table shared by several operators. Empty keeps it on disk.
	OperationsTable string `json:"operations_table,omitempty"`

	// Cache configures the tiered cache.
	Cache CacheConfig `json:"cache"`
}

// CacheConfig selects and tunes the cache backend.
type CacheConfig struct {
	// Backend is one of "file", "dynamodb" or "hybrid".
	Backend string `json:"backend"`
	// RootDir is the file backend root directory.
	RootDir string `json:"root_dir"`
	// DynamoTable is the remote KV table name.
	DynamoTable string `json:"dynamo_table"`
	// Encrypted enables AES-GCM payload encryption.
	Encrypted bool `json:"encrypted"`
	// Compression enables zstd compression of remote values.
	Compression *bool `json:"compression,omitempty"`
	// FileTTL is the file tier entry lifetime, e.g. "1h".
	FileTTL string `json:"file_ttl"`
	// RemoteTTL is the remote tier entry lifetime, e.g. "24h".
	RemoteTTL string `json:"remote_ttl"`

	// fileTTL and remoteTTL are the parsed forms.
	fileTTL   time.Duration
	remoteTTL time.Duration
}

// FileTTLDuration returns the parsed file tier TTL.
func (c *CacheConfig) FileTTLDuration() time.Duration { return c.fileTTL }

// RemoteTTLDuration returns the parsed remote tier TTL.
func (c *CacheConfig) RemoteTTLDuration() time.Duration { return c.remoteTTL }

// CompressionEnabled reports whether remote values are compressed
// (default true).
func (c *CacheConfig) CompressionEnabled() bool {
	return c.Compression == nil || *c.Compression
}

// DefaultHome returns the awsideman state directory, ~/.awsideman unless
// AWSIDEMAN_HOME points elsewhere.
func DefaultHome() string {
	if home := os.Getenv("AWSIDEMAN_HOME"); home != "" {
		return home
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".awsideman"
	}
	return filepath.Join(home, ".awsideman")
}

// DefaultPath returns the default configuration file location.
func DefaultPath() string {
	return filepath.Join(DefaultHome(), "config.yaml")
}

// OperationsDir returns the operation journal directory.
func OperationsDir() string {
	return filepath.Join(DefaultHome(), "operations")
}

// Load reads the configuration file at path (DefaultPath if empty),
// applies environment overrides and defaults. A missing file is not an
// error; overrides and defaults alone produce a usable config.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, trace.ConvertSystemError(err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, trace.BadParameter("failed parsing config %v: %v", path, err)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	overrideString("AWSIDEMAN_INSTANCE_ARN", &c.InstanceArn)
	overrideString("AWSIDEMAN_IDENTITY_STORE_ID", &c.IdentityStoreID)
	overrideString("AWSIDEMAN_PROFILE", &c.Profile)
	overrideString("AWSIDEMAN_REGION", &c.Region)
	overrideInt("AWSIDEMAN_MAX_CONCURRENT_ACCOUNTS", &c.MaxConcurrentAccounts)
	overrideInt("AWSIDEMAN_BATCH_SIZE", &c.BatchSize)
	overrideInt("AWSIDEMAN_RATE_LIMIT_DELAY_MS", &c.RateLimitDelayMs)
	overrideInt("AWSIDEMAN_ACCOUNT_TIMEOUT_S", &c.AccountTimeoutS)
	overrideInt("AWSIDEMAN_MAX_RETRIES", &c.MaxRetries)
	overrideBoolPtr("AWSIDEMAN_CONTINUE_ON_ERROR", &c.ContinueOnError)
	overrideInt("AWSIDEMAN_RETENTION_DAYS", &c.RetentionDays)
	overrideString("AWSIDEMAN_OPERATIONS_TABLE", &c.OperationsTable)

	overrideString("AWSIDEMAN_CACHE_BACKEND", &c.Cache.Backend)
	overrideString("AWSIDEMAN_CACHE_ROOT_DIR", &c.Cache.RootDir)
	overrideString("AWSIDEMAN_CACHE_DYNAMO_TABLE", &c.Cache.DynamoTable)
	overrideBool("AWSIDEMAN_CACHE_ENCRYPTED", &c.Cache.Encrypted)
	overrideBoolPtr("AWSIDEMAN_CACHE_COMPRESSION", &c.Cache.Compression)
	overrideString("AWSIDEMAN_CACHE_FILE_TTL", &c.Cache.FileTTL)
	overrideString("AWSIDEMAN_CACHE_REMOTE_TTL", &c.Cache.RemoteTTL)
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Profile == "" {
		c.Profile = "default"
	}
	if c.MaxConcurrentAccounts < 0 {
		return trace.BadParameter("max_concurrent_accounts must not be negative")
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.BatchSize < 0 {
		return trace.BadParameter("batch_size must not be negative")
	}
	if c.RateLimitDelayMs == 0 {
		c.RateLimitDelayMs = int(defaults.RateLimitDelay / time.Millisecond)
	}
	if c.AccountTimeoutS == 0 {
		c.AccountTimeoutS = int(defaults.AccountTimeout / time.Second)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.ContinueOnError == nil {
		t := true
		c.ContinueOnError = &t
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = defaults.RetentionDays
	}
	return trace.Wrap(c.Cache.CheckAndSetDefaults())
}

// CheckAndSetDefaults validates the cache configuration.
func (c *CacheConfig) CheckAndSetDefaults() error {
	switch c.Backend {
	case "":
		c.Backend = "file"
	case "file", "dynamodb", "hybrid":
	default:
		return trace.BadParameter("unknown cache backend %q, expected file, dynamodb or hybrid", c.Backend)
	}
	if c.RootDir == "" {
		c.RootDir = filepath.Join(DefaultHome(), "cache")
	}
	if (c.Backend == "dynamodb" || c.Backend == "hybrid") && c.DynamoTable == "" {
		return trace.BadParameter("cache backend %q requires dynamo_table", c.Backend)
	}
	var err error
	c.fileTTL, err = parseTTL(c.FileTTL, time.Hour)
	if err != nil {
		return trace.BadParameter("invalid cache.file_ttl %q: %v", c.FileTTL, err)
	}
	c.remoteTTL, err = parseTTL(c.RemoteTTL, defaults.SnapshotTTL)
	if err != nil {
		return trace.BadParameter("invalid cache.remote_ttl %q: %v", c.RemoteTTL, err)
	}
	return nil
}

// AccountTimeout returns the per-account timeout as a duration.
func (c *Config) AccountTimeout() time.Duration {
	return time.Duration(c.AccountTimeoutS) * time.Second
}

// RateLimitDelay returns the inter-call pause as a duration.
func (c *Config) RateLimitDelay() time.Duration {
	return time.Duration(c.RateLimitDelayMs) * time.Millisecond
}

// ContinueOnErrorEnabled reports whether batch runs keep going past
// individual failures. Unset means yes.
func (c *Config) ContinueOnErrorEnabled() bool {
	return c.ContinueOnError == nil || *c.ContinueOnError
}

func parseTTL(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, trace.BadParameter("must be positive")
	}
	return d, nil
}

func overrideString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func overrideInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func overrideBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func overrideBoolPtr(key string, target **bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = &b
		}
	}
}
