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

package retryutils

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/gravitational/awsideman"
	"github.com/gravitational/awsideman/lib/defaults"
	"github.com/gravitational/awsideman/lib/logutils"
)

var log = logutils.NewPackageLogger(awsideman.ComponentKey, awsideman.ComponentRetry)

// Governor turns throttling observations into an adaptive concurrency
// limit. Three throttle events inside a ten second window shave 25% off
// the limit (never below the floor); every throttle-free minute restores
// 10% of the ceiling until the ceiling is reached again.
type Governor struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	ceiling int
	limit   int

	// events holds throttle timestamps inside the current window.
	events []time.Time
	// anchor is the reference point for recovery credit, the later of
	// the last throttle and the last restore applied.
	anchor time.Time
}

// NewGovernor returns a governor starting at the given concurrency
// ceiling.
func NewGovernor(ceiling int, clock clockwork.Clock) *Governor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ceiling < defaults.MinWorkers {
		ceiling = defaults.MinWorkers
	}
	return &Governor{
		clock:   clock,
		ceiling: ceiling,
		limit:   ceiling,
		anchor:  clock.Now(),
	}
}

// Throttled records one throttling event. Callers wire this as the
// retry loop's OnThrottle hook.
func (g *Governor) Throttled() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.anchor = now
	g.events = append(g.events, now)
	g.trimLocked(now)
	if len(g.events) < defaults.ThrottleThreshold {
		return
	}

	reduced := g.limit * 3 / 4
	if reduced < defaults.MinWorkers {
		reduced = defaults.MinWorkers
	}
	if reduced < g.limit {
		g.limit = reduced
		log.WarnContext(context.Background(), "Throttling threshold hit, reducing concurrency",
			"limit", g.limit,
			"ceiling", g.ceiling)
	}
	// Start a fresh window so sustained throttling keeps reducing
	// instead of tripping on every subsequent event.
	g.events = g.events[:0]
}

// Limit returns the current concurrency target, applying any recovery
// credit earned since the last throttle.
func (g *Governor) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.trimLocked(now)
	for g.limit < g.ceiling && now.Sub(g.anchor) >= defaults.RecoveryInterval {
		step := g.ceiling / 10
		if step < 1 {
			step = 1
		}
		g.limit += step
		if g.limit > g.ceiling {
			g.limit = g.ceiling
		}
		g.anchor = g.anchor.Add(defaults.RecoveryInterval)
	}
	if g.limit == g.ceiling {
		g.anchor = now
	}
	return g.limit
}

func (g *Governor) trimLocked(now time.Time) {
	cutoff := now.Add(-defaults.ThrottleWindow)
	kept := g.events[:0]
	for _, t := range g.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.events = kept
}
