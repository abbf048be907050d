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
	"errors"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// zeroJitter removes backoff sleeps so retry tests run instantly.
func zeroJitter(time.Duration) time.Duration { return 0 }

func throttleErr() error {
	return &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}
}

func TestDoRetriesThrottling(t *testing.T) {
	var calls, throttles int
	attempts, err := Do(context.Background(), Config{
		Jitter:     zeroJitter,
		OnThrottle: func() { throttles++ },
	}, func(context.Context) error {
		calls++
		if calls < 3 {
			return throttleErr()
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, attempts)
	require.Equal(t, 2, throttles)
}

func TestDoExhaustsBudget(t *testing.T) {
	var calls int
	attempts, err := Do(context.Background(), Config{
		MaxRetries: 2,
		Jitter:     zeroJitter,
	}, func(context.Context) error {
		calls++
		return throttleErr()
	})
	require.Error(t, err)
	require.True(t, IsThrottle(err))
	require.Equal(t, 3, calls)
	require.Equal(t, 2, attempts)
}

func TestDoStopsOnConflict(t *testing.T) {
	var calls int
	_, err := Do(context.Background(), Config{Jitter: zeroJitter}, func(context.Context) error {
		calls++
		return &smithy.GenericAPIError{Code: "ConflictException"}
	})
	require.Error(t, err)
	require.True(t, IsConflict(err))
	require.Equal(t, 1, calls)
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, Config{Jitter: zeroJitter}, func(context.Context) error {
		return throttleErr()
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		code      string
		retriable bool
	}{
		{code: "Throttling", retriable: true},
		{code: "TooManyRequestsException", retriable: true},
		{code: "RequestLimitExceeded", retriable: true},
		{code: "InternalServerException", retriable: true},
		{code: "ConflictException", retriable: false},
		{code: "ResourceNotFoundException", retriable: false},
		{code: "AccessDeniedException", retriable: false},
		{code: "ValidationException", retriable: false},
	}
	for _, tc := range tests {
		t.Run(tc.code, func(t *testing.T) {
			err := &smithy.GenericAPIError{Code: tc.code}
			require.Equal(t, tc.retriable, IsRetriable(err))
		})
	}
	require.False(t, IsRetriable(nil))
	require.False(t, IsRetriable(context.Canceled))
}

func TestGovernorReducesAndRecovers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewGovernor(30, clock)
	require.Equal(t, 30, g.Limit())

	// Two events are below the threshold.
	g.Throttled()
	g.Throttled()
	require.Equal(t, 30, g.Limit())

	// The third inside the window trips the reduction.
	g.Throttled()
	require.Equal(t, 22, g.Limit())

	// Another burst reduces again.
	g.Throttled()
	g.Throttled()
	g.Throttled()
	require.Equal(t, 16, g.Limit())

	// A throttle-free minute restores 10% of the ceiling.
	clock.Advance(time.Minute)
	require.Equal(t, 19, g.Limit())

	// Full recovery after enough quiet minutes.
	clock.Advance(10 * time.Minute)
	require.Equal(t, 30, g.Limit())
}

func TestGovernorFloor(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewGovernor(6, clock)
	for range 30 {
		g.Throttled()
	}
	require.Equal(t, 4, g.Limit())
}

func TestGovernorEventsExpire(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewGovernor(20, clock)
	g.Throttled()
	g.Throttled()
	// The window slides past the first two events.
	clock.Advance(11 * time.Second)
	g.Throttled()
	require.Equal(t, 20, g.Limit())
}
