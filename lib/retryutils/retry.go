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

// Package retryutils wraps AWS calls with exponential backoff and feeds
// throttling observations into an adaptive concurrency governor.
package retryutils

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/awsideman/lib/defaults"
)

// Jitter applies random jitter to a duration. Must be safe for
// concurrent use.
type Jitter func(time.Duration) time.Duration

// NewFullJitter returns a jitter on the range [0,n). Backoff cycles
// between throttled workers decorrelate fastest with the full range.
func NewFullJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return time.Duration(rng.Int63n(int64(d)))
	}
}

// Config parametrizes a retry loop.
type Config struct {
	// Base is the first backoff interval.
	Base time.Duration
	// Cap bounds backoff growth.
	Cap time.Duration
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// Clock is used for backoff sleeps.
	Clock clockwork.Clock
	// Jitter randomizes each backoff interval.
	Jitter Jitter
	// OnThrottle, when set, is invoked for every throttling error
	// observed, retried or not.
	OnThrottle func()
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Base < 0 || c.Cap < 0 || c.MaxRetries < 0 {
		return trace.BadParameter("retry intervals and budget must not be negative")
	}
	if c.Base == 0 {
		c.Base = defaults.RetryBase
	}
	if c.Cap == 0 {
		c.Cap = defaults.RetryCap
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Jitter == nil {
		c.Jitter = NewFullJitter()
	}
	return nil
}

// Do runs fn, retrying retriable failures with exponential backoff and
// full jitter. It returns the number of retries performed alongside the
// final error. Non-retriable errors and context cancellation end the
// loop immediately; the backoff sleep itself is interruptible.
func Do(ctx context.Context, cfg Config, fn func(context.Context) error) (int, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return 0, trace.Wrap(err)
	}

	backoff := cfg.Base
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if IsThrottle(err) && cfg.OnThrottle != nil {
			cfg.OnThrottle()
		}
		if !IsRetriable(err) || attempt >= cfg.MaxRetries {
			return attempt, trace.Wrap(err)
		}

		select {
		case <-cfg.Clock.After(cfg.Jitter(backoff)):
		case <-ctx.Done():
			return attempt, trace.Wrap(ctx.Err())
		}
		backoff *= 2
		if backoff > cfg.Cap {
			backoff = cfg.Cap
		}
	}
}
