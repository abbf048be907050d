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

// Package orgcache maintains a two-tier cached snapshot of the AWS
// Organization's account list: a cheap hourly membership sentinel
// guarding a daily full snapshot with tags. Consumers always receive a
// complete, consistent account set; when anything goes wrong the cache
// degrades to a live enumeration.
package orgcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	organizationstypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/awsideman"
	"github.com/gravitational/awsideman/lib/awsapi"
	"github.com/gravitational/awsideman/lib/cache"
	"github.com/gravitational/awsideman/lib/defaults"
	"github.com/gravitational/awsideman/lib/logutils"
	"github.com/gravitational/awsideman/lib/retryutils"
	"github.com/gravitational/awsideman/lib/sso"
)

var log = logutils.NewPackageLogger(awsideman.ComponentKey, awsideman.ComponentOrgCache)

// Snapshot is an immutable view of the organization at a point in
// time. Readers must not mutate it; a rebuild publishes a fresh one.
type Snapshot struct {
	// Profile is the credential profile the snapshot belongs to.
	Profile string `json:"profile"`
	// Accounts is the complete account list, ordered by id.
	Accounts []sso.Account `json:"accounts"`
	// OUParents maps every organizational unit to its parent, rooted
	// at the organization root. Used for recursive OU filters.
	OUParents map[string]string `json:"ou_parents,omitempty"`
	// RootID is the organization root.
	RootID string `json:"root_id"`
	// CapturedAt is when the snapshot was built.
	CapturedAt time.Time `json:"captured_at"`
	// AccountCount always equals len(Accounts).
	AccountCount int `json:"account_count"`
}

// sentinel is the cheap membership probe guarding the snapshot.
type sentinel struct {
	// Count is the number of member accounts.
	Count int `json:"count"`
	// Hash is a digest over the sorted account id list, so membership
	// swaps that keep the count equal are still detected.
	Hash string `json:"hash"`
}

// Config configures the organization cache.
type Config struct {
	// Profile is the credential profile namespace.
	Profile string
	// Client is the Organizations API.
	Client awsapi.Organizations
	// Cache is the backing store; nil disables caching entirely.
	Cache cache.Backend
	// Clock is used for freshness decisions.
	Clock clockwork.Clock
	// Retry wraps every AWS call.
	Retry retryutils.Config
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Profile == "" {
		return trace.BadParameter("missing profile")
	}
	if c.Client == nil {
		return trace.BadParameter("missing Organizations client")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// OrgCache is the account cache optimizer. It is safe for concurrent
// use; the in-memory snapshot is published read-copy-update style.
type OrgCache struct {
	cfg      Config
	snapshot atomic.Pointer[Snapshot]
}

// New creates an organization cache.
func New(cfg Config) (*OrgCache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &OrgCache{cfg: cfg}, nil
}

func (c *OrgCache) snapshotKey() string {
	return cache.Key(c.cfg.Profile, "accounts", "snapshot")
}

func (c *OrgCache) sentinelKey() string {
	return cache.Key(c.cfg.Profile, "accounts", "count")
}

func (c *OrgCache) accountKey(id string) string {
	return cache.Key(c.cfg.Profile, "accounts", "by-id", id)
}

// Accounts returns the organization's accounts, from the freshest tier
// that can serve them. The returned slice is shared; callers must not
// mutate it.
func (c *OrgCache) Accounts(ctx context.Context) (*Snapshot, error) {
	// Tier 0: the in-process snapshot.
	if snap := c.snapshot.Load(); snap != nil && c.fresh(snap.CapturedAt) {
		return snap, nil
	}

	// Tier 1: the cached snapshot. It is retained past its logical
	// TTL so the sentinel tier can revalidate it instead of walking
	// the whole organization again.
	var snap Snapshot
	if cache.GetJSON(ctx, c.cfg.Cache, c.snapshotKey(), &snap) && c.valid(&snap) && c.fresh(snap.CapturedAt) {
		c.snapshot.Store(&snap)
		return &snap, nil
	}

	// Tier 2: the membership sentinel. A stale-but-intact snapshot is
	// revalidated with one cheap enumeration instead of a full
	// rebuild, and a still-live sentinel entry caps that enumeration
	// at once per sentinel TTL.
	if c.valid(&snap) {
		var cached sentinel
		if cache.GetJSON(ctx, c.cfg.Cache, c.sentinelKey(), &cached) && cached.Hash == snapshotHash(&snap) {
			// Revalidation restarts the freshness clock, the same as a
			// live probe hit, so the next call serves from tier 0.
			c.store(ctx, &snap, cached)
			return &snap, nil
		}
		ids, err := c.probeIDs(ctx)
		if err == nil {
			live := sentinel{Count: len(ids), Hash: hashIDs(ids)}
			if live.Hash == snapshotHash(&snap) {
				c.store(ctx, &snap, live)
				return &snap, nil
			}
			// Organization membership changed; try assembling the new
			// snapshot from per-account entries before a full walk.
			if rebuilt := c.rebuildFromIndividual(ctx, &snap, ids); rebuilt != nil {
				c.store(ctx, rebuilt, live)
				return rebuilt, nil
			}
		}
	}

	// Tier 3: full rebuild, falling back to an uncached live
	// enumeration if the rebuild pipeline itself fails.
	rebuilt, err := c.Refresh(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return rebuilt, nil
}

// Refresh unconditionally rebuilds the snapshot from AWS, writes every
// cache tier, and publishes the result.
func (c *OrgCache) Refresh(ctx context.Context) (*Snapshot, error) {
	snap, err := c.rebuild(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.store(ctx, snap, sentinel{Count: snap.AccountCount, Hash: snapshotHash(snap)})
	return snap, nil
}

// Invalidate removes every account-related entry for the profile and
// reports the before/after entry counts of the whole store.
func (c *OrgCache) Invalidate(ctx context.Context) (before, after int, err error) {
	c.snapshot.Store(nil)
	if c.cfg.Cache == nil {
		return 0, 0, nil
	}
	stats, err := c.cfg.Cache.Stats(ctx)
	if err != nil {
		return 0, 0, trace.Wrap(err)
	}
	before = stats.Entries
	if _, err := c.cfg.Cache.DeletePrefix(ctx, cache.Key(c.cfg.Profile, "accounts")); err != nil {
		return before, before, trace.Wrap(err)
	}
	stats, err = c.cfg.Cache.Stats(ctx)
	if err != nil {
		return before, before, trace.Wrap(err)
	}
	return before, stats.Entries, nil
}

func (c *OrgCache) fresh(capturedAt time.Time) bool {
	return c.cfg.Clock.Now().Before(capturedAt.Add(defaults.SnapshotTTL))
}

func (c *OrgCache) valid(snap *Snapshot) bool {
	return snap != nil && snap.AccountCount == len(snap.Accounts) && snap.AccountCount > 0
}

func (c *OrgCache) store(ctx context.Context, snap *Snapshot, live sentinel) {
	snap.CapturedAt = c.cfg.Clock.Now().UTC()
	c.snapshot.Store(snap)
	// Retention is a week; logical freshness is judged on CapturedAt.
	cache.PutJSON(ctx, c.cfg.Cache, c.snapshotKey(), snap, 7*defaults.SnapshotTTL)
	cache.PutJSON(ctx, c.cfg.Cache, c.sentinelKey(), live, defaults.SentinelTTL)
	for _, account := range snap.Accounts {
		cache.PutJSON(ctx, c.cfg.Cache, c.accountKey(account.ID), account, 7*defaults.SnapshotTTL)
	}
}

// rebuildFromIndividual assembles a snapshot out of per-account cache
// entries. Accounts missing from the cache, typically ones that just
// joined the organization, are fetched individually; an account that
// cannot be fetched either falls through to the full rebuild. Fetched
// accounts carry no OU placement until the next full rebuild.
func (c *OrgCache) rebuildFromIndividual(ctx context.Context, prev *Snapshot, ids []string) *Snapshot {
	if c.cfg.Cache == nil {
		return nil
	}
	accounts := make([]sso.Account, 0, len(ids))
	for _, id := range ids {
		var account sso.Account
		if !cache.GetJSON(ctx, c.cfg.Cache, c.accountKey(id), &account) {
			fetched, err := c.describeAccount(ctx, id)
			if err != nil {
				return nil
			}
			account = *fetched
		}
		accounts = append(accounts, account)
	}
	sortAccounts(accounts)
	return &Snapshot{
		Profile:      c.cfg.Profile,
		Accounts:     accounts,
		OUParents:    prev.OUParents,
		RootID:       prev.RootID,
		AccountCount: len(accounts),
	}
}

// probeIDs performs the cheap membership enumeration: account ids
// only, no tags, no OU walk.
func (c *OrgCache) probeIDs(ctx context.Context) ([]string, error) {
	var ids []string
	var nextToken *string
	for {
		var out *organizations.ListAccountsOutput
		_, err := retryutils.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
			var callErr error
			out, callErr = c.cfg.Client.ListAccounts(ctx, &organizations.ListAccountsInput{NextToken: nextToken})
			return callErr
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, account := range out.Accounts {
			ids = append(ids, aws.ToString(account.Id))
		}
		if out.NextToken == nil {
			return ids, nil
		}
		nextToken = out.NextToken
	}
}

// rebuild walks the OU tree, lists every account under every parent and
// fetches tags with bounded parallelism.
func (c *OrgCache) rebuild(ctx context.Context) (*Snapshot, error) {
	rootID, err := c.rootID(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	ouParents := map[string]string{}
	var accounts []sso.Account

	// Breadth-first walk over the OU tree collecting accounts with
	// their parent OU.
	parents := []string{rootID}
	for len(parents) > 0 {
		parent := parents[0]
		parents = parents[1:]

		children, err := c.listOUs(ctx, parent)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, ou := range children {
			ouParents[ou] = parent
			parents = append(parents, ou)
		}

		members, err := c.listAccountsForParent(ctx, parent)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		accounts = append(accounts, members...)
	}

	// Tag fetches dominate rebuild time; fan out with a bounded group
	// so a large organization does not trip the Organizations limits.
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(defaults.TagFetchConcurrency)
	for i := range accounts {
		group.Go(func() error {
			tags, err := c.listTags(groupCtx, accounts[i].ID)
			if err != nil {
				return trace.Wrap(err, "listing tags for account %v", accounts[i].ID)
			}
			accounts[i].Tags = tags
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, trace.Wrap(err)
	}

	sortAccounts(accounts)
	return &Snapshot{
		Profile:      c.cfg.Profile,
		Accounts:     accounts,
		OUParents:    ouParents,
		RootID:       rootID,
		AccountCount: len(accounts),
	}, nil
}

func (c *OrgCache) rootID(ctx context.Context) (string, error) {
	var out *organizations.ListRootsOutput
	_, err := retryutils.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		var callErr error
		out, callErr = c.cfg.Client.ListRoots(ctx, &organizations.ListRootsInput{})
		return callErr
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	if len(out.Roots) == 0 {
		return "", trace.NotFound("organization has no root")
	}
	return aws.ToString(out.Roots[0].Id), nil
}

func (c *OrgCache) listOUs(ctx context.Context, parent string) ([]string, error) {
	var ous []string
	var nextToken *string
	for {
		var out *organizations.ListOrganizationalUnitsForParentOutput
		_, err := retryutils.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
			var callErr error
			out, callErr = c.cfg.Client.ListOrganizationalUnitsForParent(ctx, &organizations.ListOrganizationalUnitsForParentInput{
				ParentId:  aws.String(parent),
				NextToken: nextToken,
			})
			return callErr
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, ou := range out.OrganizationalUnits {
			ous = append(ous, aws.ToString(ou.Id))
		}
		if out.NextToken == nil {
			return ous, nil
		}
		nextToken = out.NextToken
	}
}

func (c *OrgCache) listAccountsForParent(ctx context.Context, parent string) ([]sso.Account, error) {
	var accounts []sso.Account
	var nextToken *string
	for {
		var out *organizations.ListAccountsForParentOutput
		_, err := retryutils.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
			var callErr error
			out, callErr = c.cfg.Client.ListAccountsForParent(ctx, &organizations.ListAccountsForParentInput{
				ParentId:  aws.String(parent),
				NextToken: nextToken,
			})
			return callErr
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, account := range out.Accounts {
			accounts = append(accounts, sso.Account{
				ID:     aws.ToString(account.Id),
				Name:   aws.ToString(account.Name),
				Email:  aws.ToString(account.Email),
				Status: accountStatus(account.Status),
				OUID:   parent,
			})
		}
		if out.NextToken == nil {
			return accounts, nil
		}
		nextToken = out.NextToken
	}
}

// describeAccount fetches one account live, tags included, for the
// per-account refill path.
func (c *OrgCache) describeAccount(ctx context.Context, id string) (*sso.Account, error) {
	var out *organizations.DescribeAccountOutput
	_, err := retryutils.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		var callErr error
		out, callErr = c.cfg.Client.DescribeAccount(ctx, &organizations.DescribeAccountInput{
			AccountId: aws.String(id),
		})
		return callErr
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if out.Account == nil {
		return nil, trace.NotFound("account %v not found", id)
	}
	tags, err := c.listTags(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &sso.Account{
		ID:     aws.ToString(out.Account.Id),
		Name:   aws.ToString(out.Account.Name),
		Email:  aws.ToString(out.Account.Email),
		Status: accountStatus(out.Account.Status),
		Tags:   tags,
	}, nil
}

func (c *OrgCache) listTags(ctx context.Context, accountID string) (map[string]string, error) {
	tags := map[string]string{}
	var nextToken *string
	for {
		var out *organizations.ListTagsForResourceOutput
		_, err := retryutils.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
			var callErr error
			out, callErr = c.cfg.Client.ListTagsForResource(ctx, &organizations.ListTagsForResourceInput{
				ResourceId: aws.String(accountID),
				NextToken:  nextToken,
			})
			return callErr
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, tag := range out.Tags {
			tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
		}
		if out.NextToken == nil {
			return tags, nil
		}
		nextToken = out.NextToken
	}
}

func accountStatus(status organizationstypes.AccountStatus) sso.AccountStatus {
	if status == organizationstypes.AccountStatusActive {
		return sso.AccountStatusActive
	}
	return sso.AccountStatusSuspended
}

func sortAccounts(accounts []sso.Account) {
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].ID < accounts[j].ID
	})
}

func snapshotHash(snap *Snapshot) string {
	ids := make([]string, 0, len(snap.Accounts))
	for _, account := range snap.Accounts {
		ids = append(ids, account.ID)
	}
	return hashIDs(ids)
}

func hashIDs(ids []string) string {
	sorted := append([]string{}, ids...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])
}
