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

package orgcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	organizationstypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/awsideman/lib/cache"
	"github.com/gravitational/awsideman/lib/defaults"
	"github.com/gravitational/awsideman/lib/sso"
)

// mockOrganization simulates a small organization tree:
//
//	r-root
//	├── 333333333333 (sandbox, suspended)
//	├── ou-apps
//	│   ├── 222222222222 (dev-tools)
//	│   └── ou-apps-prod
//	│       └── 111111111111 (prod-payments)
type mockOrganization struct {
	mu sync.Mutex

	ousByParent      map[string][]string
	accountsByParent map[string][]organizationstypes.Account
	tags             map[string]map[string]string

	listAccountsCalls int
	listTagsCalls     int
	listOUCalls       int
}

func newMockOrganization() *mockOrganization {
	return &mockOrganization{
		ousByParent: map[string][]string{
			"r-root":  {"ou-apps"},
			"ou-apps": {"ou-apps-prod"},
		},
		accountsByParent: map[string][]organizationstypes.Account{
			"r-root": {{
				Id:     aws.String("333333333333"),
				Name:   aws.String("sandbox"),
				Email:  aws.String("sandbox@example.com"),
				Status: organizationstypes.AccountStatusSuspended,
			}},
			"ou-apps": {{
				Id:     aws.String("222222222222"),
				Name:   aws.String("dev-tools"),
				Email:  aws.String("dev-tools@example.com"),
				Status: organizationstypes.AccountStatusActive,
			}},
			"ou-apps-prod": {{
				Id:     aws.String("111111111111"),
				Name:   aws.String("prod-payments"),
				Email:  aws.String("payments@example.com"),
				Status: organizationstypes.AccountStatusActive,
			}},
		},
		tags: map[string]map[string]string{
			"111111111111": {"Environment": "production", "Team": "payments"},
			"222222222222": {"Environment": "development"},
			"333333333333": {},
		},
	}
}

func (m *mockOrganization) allAccounts() []organizationstypes.Account {
	var out []organizationstypes.Account
	for _, parent := range []string{"r-root", "ou-apps", "ou-apps-prod"} {
		out = append(out, m.accountsByParent[parent]...)
	}
	return out
}

func (m *mockOrganization) removeAccount(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for parent, accounts := range m.accountsByParent {
		kept := accounts[:0]
		for _, account := range accounts {
			if aws.ToString(account.Id) != id {
				kept = append(kept, account)
			}
		}
		m.accountsByParent[parent] = kept
	}
}

func (m *mockOrganization) addAccount(parent string, account organizationstypes.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accountsByParent[parent] = append(m.accountsByParent[parent], account)
	m.tags[aws.ToString(account.Id)] = map[string]string{}
}

func (m *mockOrganization) ListRoots(ctx context.Context, in *organizations.ListRootsInput, opts ...func(*organizations.Options)) (*organizations.ListRootsOutput, error) {
	return &organizations.ListRootsOutput{
		Roots: []organizationstypes.Root{{Id: aws.String("r-root")}},
	}, nil
}

func (m *mockOrganization) ListOrganizationalUnitsForParent(ctx context.Context, in *organizations.ListOrganizationalUnitsForParentInput, opts ...func(*organizations.Options)) (*organizations.ListOrganizationalUnitsForParentOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listOUCalls++
	var ous []organizationstypes.OrganizationalUnit
	for _, id := range m.ousByParent[aws.ToString(in.ParentId)] {
		ous = append(ous, organizationstypes.OrganizationalUnit{Id: aws.String(id)})
	}
	return &organizations.ListOrganizationalUnitsForParentOutput{OrganizationalUnits: ous}, nil
}

func (m *mockOrganization) ListAccountsForParent(ctx context.Context, in *organizations.ListAccountsForParentInput, opts ...func(*organizations.Options)) (*organizations.ListAccountsForParentOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &organizations.ListAccountsForParentOutput{
		Accounts: m.accountsByParent[aws.ToString(in.ParentId)],
	}, nil
}

func (m *mockOrganization) ListAccounts(ctx context.Context, in *organizations.ListAccountsInput, opts ...func(*organizations.Options)) (*organizations.ListAccountsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listAccountsCalls++
	return &organizations.ListAccountsOutput{Accounts: m.allAccounts()}, nil
}

func (m *mockOrganization) DescribeAccount(ctx context.Context, in *organizations.DescribeAccountInput, opts ...func(*organizations.Options)) (*organizations.DescribeAccountOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, account := range m.allAccounts() {
		if aws.ToString(account.Id) == aws.ToString(in.AccountId) {
			return &organizations.DescribeAccountOutput{Account: &account}, nil
		}
	}
	return nil, &organizationstypes.AccountNotFoundException{}
}

func (m *mockOrganization) ListTagsForResource(ctx context.Context, in *organizations.ListTagsForResourceInput, opts ...func(*organizations.Options)) (*organizations.ListTagsForResourceOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listTagsCalls++
	var tags []organizationstypes.Tag
	for key, value := range m.tags[aws.ToString(in.ResourceId)] {
		tags = append(tags, organizationstypes.Tag{Key: aws.String(key), Value: aws.String(value)})
	}
	return &organizations.ListTagsForResourceOutput{Tags: tags}, nil
}

func (m *mockOrganization) tagCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listTagsCalls
}

func (m *mockOrganization) accountCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listAccountsCalls
}

func newTestCache(t *testing.T, clock clockwork.Clock) (*OrgCache, *mockOrganization, cache.Backend) {
	t.Helper()
	backend, err := cache.NewFileBackend(cache.FileBackendConfig{
		RootDir: t.TempDir(),
		Clock:   clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, backend.Close()) })

	org := newMockOrganization()
	oc, err := New(Config{
		Profile: "default",
		Client:  org,
		Cache:   backend,
		Clock:   clock,
	})
	require.NoError(t, err)
	return oc, org, backend
}

func TestRebuildWalksOrganization(t *testing.T) {
	clock := clockwork.NewFakeClock()
	oc, org, _ := newTestCache(t, clock)

	snap, err := oc.Accounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, snap.AccountCount)
	require.Len(t, snap.Accounts, 3)

	// Ordered by account id, with the parent OU recorded.
	require.Equal(t, "111111111111", snap.Accounts[0].ID)
	require.Equal(t, "prod-payments", snap.Accounts[0].Name)
	require.Equal(t, "ou-apps-prod", snap.Accounts[0].OUID)
	require.Equal(t, sso.AccountStatusActive, snap.Accounts[0].Status)
	require.Equal(t, map[string]string{"Environment": "production", "Team": "payments"}, snap.Accounts[0].Tags)

	require.Equal(t, "333333333333", snap.Accounts[2].ID)
	require.Equal(t, sso.AccountStatusSuspended, snap.Accounts[2].Status)
	require.Equal(t, "r-root", snap.Accounts[2].OUID)

	require.Equal(t, "r-root", snap.RootID)
	require.Equal(t, map[string]string{
		"ou-apps":      "r-root",
		"ou-apps-prod": "ou-apps",
	}, snap.OUParents)

	require.Equal(t, 3, org.tagCalls())
}

func TestSnapshotServedFromMemory(t *testing.T) {
	clock := clockwork.NewFakeClock()
	oc, org, _ := newTestCache(t, clock)

	first, err := oc.Accounts(context.Background())
	require.NoError(t, err)
	tagCalls := org.tagCalls()

	clock.Advance(time.Hour)
	second, err := oc.Accounts(context.Background())
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, tagCalls, org.tagCalls())
	require.Equal(t, 0, org.accountCalls())
}

func TestSentinelRevalidatesStaleSnapshot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	oc, org, _ := newTestCache(t, clock)

	_, err := oc.Accounts(context.Background())
	require.NoError(t, err)
	tagCalls := org.tagCalls()

	// Past the snapshot TTL with unchanged membership: one cheap
	// enumeration, no tag refetch, and the snapshot TTL is extended.
	clock.Advance(defaults.SnapshotTTL + time.Minute)
	snap, err := oc.Accounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, snap.AccountCount)
	require.Equal(t, 1, org.accountCalls())
	require.Equal(t, tagCalls, org.tagCalls())
	require.Equal(t, clock.Now().UTC(), snap.CapturedAt)
}

func TestFreshSentinelSkipsProbe(t *testing.T) {
	clock := clockwork.NewFakeClock()
	oc, org, backend := newTestCache(t, clock)

	_, err := oc.Accounts(context.Background())
	require.NoError(t, err)

	// A different process with a cold memory tier, a stale snapshot
	// and a live sentinel must serve the snapshot without any AWS
	// calls.
	clock.Advance(defaults.SnapshotTTL + time.Minute)
	old := oc.snapshot.Load()
	cache.PutJSON(context.Background(), backend, oc.sentinelKey(),
		sentinel{Count: old.AccountCount, Hash: snapshotHash(old)}, defaults.SentinelTTL)

	fresh, err := New(Config{
		Profile: "default",
		Client:  org,
		Cache:   backend,
		Clock:   clock,
	})
	require.NoError(t, err)

	tagCalls := org.tagCalls()
	snap, err := fresh.Accounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, snap.AccountCount)
	require.Equal(t, 0, org.accountCalls())
	require.Equal(t, tagCalls, org.tagCalls())

	// Revalidation restarts the freshness clock: the snapshot is
	// re-stamped and the next read inside the TTL never leaves the
	// memory tier.
	require.Equal(t, clock.Now().UTC(), snap.CapturedAt)
	clock.Advance(defaults.SnapshotTTL - time.Minute)
	again, err := fresh.Accounts(context.Background())
	require.NoError(t, err)
	require.Same(t, snap, again)
	require.Equal(t, 0, org.accountCalls())
}

func TestRemovalRebuildsFromIndividualEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	oc, org, _ := newTestCache(t, clock)

	_, err := oc.Accounts(context.Background())
	require.NoError(t, err)
	tagCalls := org.tagCalls()

	// A removed account leaves every surviving id cached, so no full
	// rebuild is needed.
	org.removeAccount("333333333333")
	clock.Advance(defaults.SnapshotTTL + time.Minute)

	snap, err := oc.Accounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, snap.AccountCount)
	require.Equal(t, []string{"111111111111", "222222222222"}, accountIDs(snap))
	require.Equal(t, tagCalls, org.tagCalls())
}

func TestAdditionFetchesNewAccount(t *testing.T) {
	clock := clockwork.NewFakeClock()
	oc, org, _ := newTestCache(t, clock)

	_, err := oc.Accounts(context.Background())
	require.NoError(t, err)
	tagCalls := org.tagCalls()

	org.addAccount("ou-apps", organizationstypes.Account{
		Id:     aws.String("444444444444"),
		Name:   aws.String("staging"),
		Email:  aws.String("staging@example.com"),
		Status: organizationstypes.AccountStatusActive,
	})
	clock.Advance(defaults.SnapshotTTL + time.Minute)

	// The three cached accounts are reused; only the newcomer is
	// described and tagged. Its OU placement waits for a full rebuild.
	snap, err := oc.Accounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, snap.AccountCount)
	require.Equal(t, tagCalls+1, org.tagCalls())
	require.Equal(t, []string{"111111111111", "222222222222", "333333333333", "444444444444"}, accountIDs(snap))
	require.Equal(t, "staging", snap.Accounts[3].Name)
	require.Empty(t, snap.Accounts[3].OUID)
}

func TestInvalidate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	oc, org, _ := newTestCache(t, clock)

	_, err := oc.Accounts(context.Background())
	require.NoError(t, err)

	// Snapshot, sentinel and three per-account entries.
	before, after, err := oc.Invalidate(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, before)
	require.Zero(t, after)

	// Repeated invalidation is a no-op.
	before, after, err = oc.Invalidate(context.Background())
	require.NoError(t, err)
	require.Zero(t, before)
	require.Zero(t, after)

	// The next read rebuilds from scratch.
	tagCalls := org.tagCalls()
	snap, err := oc.Accounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, snap.AccountCount)
	require.Equal(t, tagCalls+3, org.tagCalls())
}

func TestUncachedFallback(t *testing.T) {
	clock := clockwork.NewFakeClock()
	org := newMockOrganization()
	oc, err := New(Config{
		Profile: "default",
		Client:  org,
		Clock:   clock,
	})
	require.NoError(t, err)

	snap, err := oc.Accounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, snap.AccountCount)
}

func accountIDs(snap *Snapshot) []string {
	ids := make([]string, 0, len(snap.Accounts))
	for _, account := range snap.Accounts {
		ids = append(ids, account.ID)
	}
	return ids
}
