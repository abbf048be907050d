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

// Package defaults holds the tunable defaults shared by the awsideman
// libraries. Values here are starting points; everything is overridable
// through lib/config.
package defaults

import "time"

const (
	// BatchSize is the default number of assignments submitted per batch
	// in bulk operations.
	BatchSize = 50

	// MaxRetries is the default number of retries for a throttled or
	// transient AWS call, on top of the initial attempt.
	MaxRetries = 3

	// RetryBase is the first backoff interval.
	RetryBase = 500 * time.Millisecond

	// RetryCap bounds the exponential backoff growth.
	RetryCap = 30 * time.Second

	// RateLimitDelay is the pause inserted between consecutive AWS
	// submissions by a single worker.
	RateLimitDelay = 50 * time.Millisecond

	// AccountTimeout bounds the work performed for a single account,
	// including provisioning status polls.
	AccountTimeout = 60 * time.Second

	// RetentionDays is how long operation records are kept before the
	// sweep removes them.
	RetentionDays = 90

	// SnapshotTTL is how long the full organization snapshot stays fresh.
	SnapshotTTL = 24 * time.Hour

	// SentinelTTL is how long the cheap account-count sentinel stays
	// fresh before it is re-probed.
	SentinelTTL = time.Hour

	// ResolvePrincipalTTL caches user and group name lookups.
	ResolvePrincipalTTL = 30 * time.Minute

	// ResolveResourceTTL caches permission-set and account name lookups.
	ResolveResourceTTL = 2 * time.Hour

	// TagFetchConcurrency bounds parallel list-tags-for-resource calls
	// during a snapshot rebuild.
	TagFetchConcurrency = 10

	// MinWorkers is the floor the throttle governor will never reduce
	// the executor below.
	MinWorkers = 4

	// ThrottleWindow is the sliding window in which consecutive throttle
	// events trigger a concurrency reduction.
	ThrottleWindow = 10 * time.Second

	// ThrottleThreshold is the number of throttle events within
	// ThrottleWindow that triggers a reduction.
	ThrottleThreshold = 3

	// RecoveryInterval is how long the governor waits without throttling
	// before restoring a slice of concurrency.
	RecoveryInterval = time.Minute

	// RemoteChunkSize is the largest single value the remote KV cache
	// stores before chunking (DynamoDB item budget with headroom).
	RemoteChunkSize = 400 * 1024

	// AvgAssignmentCall is the planning estimate for one assignment
	// create or delete, used for rollback duration estimates.
	AvgAssignmentCall = 800 * time.Millisecond
)

// WorkersForAccountCount auto-scales the executor pool by organization
// size, clamped to the number of accounts actually targeted.
func WorkersForAccountCount(n int) int {
	var workers int
	switch {
	case n <= 10:
		workers = 15
	case n <= 50:
		workers = 25
	default:
		workers = 30
	}
	if n > 0 && workers > n {
		workers = n
	}
	return workers
}
