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

// Package resolver translates Identity Center entity names to AWS
// identifiers and back, memoizing results in-process and in the shared
// cache so bulk operations do not hammer the directory APIs.
package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	identitystoretypes "github.com/aws/aws-sdk-go-v2/service/identitystore/types"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gravitational/awsideman"
	"github.com/gravitational/awsideman/lib/awsapi"
	"github.com/gravitational/awsideman/lib/cache"
	"github.com/gravitational/awsideman/lib/defaults"
	"github.com/gravitational/awsideman/lib/logutils"
	"github.com/gravitational/awsideman/lib/orgcache"
	"github.com/gravitational/awsideman/lib/retryutils"
	"github.com/gravitational/awsideman/lib/sso"
)

var log = logutils.NewPackageLogger(awsideman.ComponentKey, awsideman.ComponentResolver)

// Kind identifies the entity namespace a name belongs to.
type Kind string

const (
	KindUser          Kind = "user"
	KindGroup         Kind = "group"
	KindPermissionSet Kind = "permission-set"
	KindAccount       Kind = "account"
)

// UnresolvedEntityError reports a name with no matching entity. It is
// recognized by trace.IsNotFound so callers can branch on it without
// importing this package's internals.
type UnresolvedEntityError struct {
	Kind Kind
	Name string
}

// Error implements error.
func (e *UnresolvedEntityError) Error() string {
	return fmt.Sprintf("%v %q not found", e.Kind, e.Name)
}

// IsNotFoundError marks the error as a not-found condition for trace.
func (e *UnresolvedEntityError) IsNotFoundError() bool { return true }

func unresolved(kind Kind, name string) error {
	return trace.Wrap(&UnresolvedEntityError{Kind: kind, Name: name})
}

// memoSize bounds the in-process memoization map.
const memoSize = 4096

// Config configures a Resolver.
type Config struct {
	// Profile namespaces the cache keys.
	Profile string
	// InstanceArn is the Identity Center instance.
	InstanceArn string
	// IdentityStoreID is the directory backing the instance.
	IdentityStoreID string
	// SSOAdmin resolves permission sets.
	SSOAdmin awsapi.SSOAdmin
	// IdentityStore resolves users and groups.
	IdentityStore awsapi.IdentityStore
	// Org resolves account names. Optional; account lookups fail
	// without it.
	Org *orgcache.OrgCache
	// Cache is the shared best-effort cache tier. Optional.
	Cache cache.Backend
	// Retry wraps every AWS call.
	Retry retryutils.Config
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Profile == "" {
		return trace.BadParameter("missing profile")
	}
	if c.InstanceArn == "" {
		return trace.BadParameter("missing Identity Center instance ARN")
	}
	if c.IdentityStoreID == "" {
		return trace.BadParameter("missing identity store id")
	}
	if c.SSOAdmin == nil {
		return trace.BadParameter("missing SSO admin client")
	}
	if c.IdentityStore == nil {
		return trace.BadParameter("missing identity store client")
	}
	return nil
}

// Resolver performs name to id translation with three lookup tiers:
// an in-process LRU, the shared cache, and the AWS directory APIs.
// Safe for concurrent use.
type Resolver struct {
	cfg  Config
	memo *lru.Cache[string, string]
}

// New creates a Resolver.
func New(cfg Config) (*Resolver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	memo, err := lru.New[string, string](memoSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Resolver{cfg: cfg, memo: memo}, nil
}

// ResolvePrincipal returns the principal id for a user or group name.
func (r *Resolver) ResolvePrincipal(ctx context.Context, ref sso.PrincipalRef) (string, error) {
	switch ref.Type {
	case sso.PrincipalTypeUser:
		id, err := r.ResolveUser(ctx, ref.Name)
		return id, trace.Wrap(err)
	case sso.PrincipalTypeGroup:
		id, err := r.ResolveGroup(ctx, ref.Name)
		return id, trace.Wrap(err)
	default:
		return "", trace.BadParameter("unknown principal type %q", ref.Type)
	}
}

// ResolveUser returns the user id for a username.
func (r *Resolver) ResolveUser(ctx context.Context, name string) (string, error) {
	return r.lookup(ctx, KindUser, name, defaults.ResolvePrincipalTTL, func(ctx context.Context) (string, error) {
		return r.findUser(ctx, name)
	})
}

// ResolveGroup returns the group id for a group display name.
func (r *Resolver) ResolveGroup(ctx context.Context, name string) (string, error) {
	return r.lookup(ctx, KindGroup, name, defaults.ResolvePrincipalTTL, func(ctx context.Context) (string, error) {
		return r.findGroup(ctx, name)
	})
}

// ResolvePermissionSet returns the permission set ARN for a name.
func (r *Resolver) ResolvePermissionSet(ctx context.Context, name string) (string, error) {
	return r.lookup(ctx, KindPermissionSet, name, defaults.ResolveResourceTTL, func(ctx context.Context) (string, error) {
		return r.findPermissionSet(ctx, name)
	})
}

// ResolveAccount returns the account id for an account name.
func (r *Resolver) ResolveAccount(ctx context.Context, name string) (string, error) {
	return r.lookup(ctx, KindAccount, name, defaults.ResolveResourceTTL, func(ctx context.Context) (string, error) {
		if r.cfg.Org == nil {
			return "", unresolved(KindAccount, name)
		}
		snap, err := r.cfg.Org.Accounts(ctx)
		if err != nil {
			return "", trace.Wrap(err)
		}
		for _, account := range snap.Accounts {
			if account.Name == name {
				return account.ID, nil
			}
		}
		return "", unresolved(KindAccount, name)
	})
}

// UserName returns the username for a user id.
func (r *Resolver) UserName(ctx context.Context, id string) (string, error) {
	return r.reverse(ctx, KindUser, id, defaults.ResolvePrincipalTTL, func(ctx context.Context) (string, error) {
		var out *identitystore.DescribeUserOutput
		_, err := retryutils.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
			var callErr error
			out, callErr = r.cfg.IdentityStore.DescribeUser(ctx, &identitystore.DescribeUserInput{
				IdentityStoreId: aws.String(r.cfg.IdentityStoreID),
				UserId:          aws.String(id),
			})
			return callErr
		})
		if err != nil {
			if retryutils.IsNotFound(err) {
				return "", unresolved(KindUser, id)
			}
			return "", trace.Wrap(err)
		}
		return aws.ToString(out.UserName), nil
	})
}

// GroupName returns the display name for a group id.
func (r *Resolver) GroupName(ctx context.Context, id string) (string, error) {
	return r.reverse(ctx, KindGroup, id, defaults.ResolvePrincipalTTL, func(ctx context.Context) (string, error) {
		var out *identitystore.DescribeGroupOutput
		_, err := retryutils.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
			var callErr error
			out, callErr = r.cfg.IdentityStore.DescribeGroup(ctx, &identitystore.DescribeGroupInput{
				IdentityStoreId: aws.String(r.cfg.IdentityStoreID),
				GroupId:         aws.String(id),
			})
			return callErr
		})
		if err != nil {
			if retryutils.IsNotFound(err) {
				return "", unresolved(KindGroup, id)
			}
			return "", trace.Wrap(err)
		}
		return aws.ToString(out.DisplayName), nil
	})
}

// PrincipalName returns the display name for a principal id.
func (r *Resolver) PrincipalName(ctx context.Context, principalType sso.PrincipalType, id string) (string, error) {
	switch principalType {
	case sso.PrincipalTypeUser:
		name, err := r.UserName(ctx, id)
		return name, trace.Wrap(err)
	case sso.PrincipalTypeGroup:
		name, err := r.GroupName(ctx, id)
		return name, trace.Wrap(err)
	default:
		return "", trace.BadParameter("unknown principal type %q", principalType)
	}
}

// PermissionSetName returns the name for a permission set ARN.
func (r *Resolver) PermissionSetName(ctx context.Context, arn string) (string, error) {
	return r.reverse(ctx, KindPermissionSet, arn, defaults.ResolveResourceTTL, func(ctx context.Context) (string, error) {
		name, err := r.describePermissionSet(ctx, arn)
		if err != nil {
			if retryutils.IsNotFound(err) {
				return "", unresolved(KindPermissionSet, arn)
			}
			return "", trace.Wrap(err)
		}
		return name, nil
	})
}

// AccountName returns the name for an account id.
func (r *Resolver) AccountName(ctx context.Context, id string) (string, error) {
	return r.reverse(ctx, KindAccount, id, defaults.ResolveResourceTTL, func(ctx context.Context) (string, error) {
		if r.cfg.Org == nil {
			return "", unresolved(KindAccount, id)
		}
		snap, err := r.cfg.Org.Accounts(ctx)
		if err != nil {
			return "", trace.Wrap(err)
		}
		for _, account := range snap.Accounts {
			if account.ID == id {
				return account.Name, nil
			}
		}
		return "", unresolved(KindAccount, id)
	})
}

// lookup runs the three-tier forward resolution for one name.
func (r *Resolver) lookup(ctx context.Context, kind Kind, name string, ttl time.Duration, find func(context.Context) (string, error)) (string, error) {
	if name == "" {
		return "", trace.BadParameter("empty %v name", kind)
	}
	memoKey := string(kind) + "/" + name
	if id, ok := r.memo.Get(memoKey); ok {
		return id, nil
	}

	cacheKey := cache.Key(r.cfg.Profile, "resolve", string(kind), cacheSafe(name))
	var id string
	if cache.GetJSON(ctx, r.cfg.Cache, cacheKey, &id) && id != "" {
		r.memo.Add(memoKey, id)
		return id, nil
	}

	log.DebugContext(ctx, "Resolving entity via AWS", "kind", kind, "name", name)
	id, err := find(ctx)
	if err != nil {
		return "", trace.Wrap(err)
	}
	r.memo.Add(memoKey, id)
	cache.PutJSON(ctx, r.cfg.Cache, cacheKey, id, ttl)
	// Prime the reverse direction while the answer is at hand.
	r.memo.Add(string(kind)+"/by-id/"+id, name)
	return id, nil
}

// reverse runs the same tiers in the id to name direction.
func (r *Resolver) reverse(ctx context.Context, kind Kind, id string, ttl time.Duration, find func(context.Context) (string, error)) (string, error) {
	if id == "" {
		return "", trace.BadParameter("empty %v id", kind)
	}
	memoKey := string(kind) + "/by-id/" + id
	if name, ok := r.memo.Get(memoKey); ok {
		return name, nil
	}

	cacheKey := cache.Key(r.cfg.Profile, "resolve", string(kind), "by-id", cacheSafe(id))
	var name string
	if cache.GetJSON(ctx, r.cfg.Cache, cacheKey, &name) && name != "" {
		r.memo.Add(memoKey, name)
		return name, nil
	}

	name, err := find(ctx)
	if err != nil {
		return "", trace.Wrap(err)
	}
	r.memo.Add(memoKey, name)
	cache.PutJSON(ctx, r.cfg.Cache, cacheKey, name, ttl)
	return name, nil
}

// cacheSafe maps an arbitrary entity name or ARN onto the cache key
// charset. Mangled names carry a short digest of the original so
// distinct inputs cannot collide on the sanitized form.
func cacheSafe(s string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			return r
		default:
			return '-'
		}
	}, s)
	if clean == s {
		return s
	}
	sum := sha256.Sum256([]byte(s))
	return clean + "." + hex.EncodeToString(sum[:4])
}

func (r *Resolver) findUser(ctx context.Context, name string) (string, error) {
	var nextToken *string
	for {
		var out *identitystore.ListUsersOutput
		_, err := retryutils.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
			var callErr error
			out, callErr = r.cfg.IdentityStore.ListUsers(ctx, &identitystore.ListUsersInput{
				IdentityStoreId: aws.String(r.cfg.IdentityStoreID),
				Filters: []identitystoretypes.Filter{{
					AttributePath:  aws.String("UserName"),
					AttributeValue: aws.String(name),
				}},
				NextToken: nextToken,
			})
			return callErr
		})
		if err != nil {
			return "", trace.Wrap(err)
		}
		for _, user := range out.Users {
			if aws.ToString(user.UserName) == name {
				return aws.ToString(user.UserId), nil
			}
		}
		if out.NextToken == nil {
			return "", unresolved(KindUser, name)
		}
		nextToken = out.NextToken
	}
}

func (r *Resolver) findGroup(ctx context.Context, name string) (string, error) {
	var nextToken *string
	for {
		var out *identitystore.ListGroupsOutput
		_, err := retryutils.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
			var callErr error
			out, callErr = r.cfg.IdentityStore.ListGroups(ctx, &identitystore.ListGroupsInput{
				IdentityStoreId: aws.String(r.cfg.IdentityStoreID),
				Filters: []identitystoretypes.Filter{{
					AttributePath:  aws.String("DisplayName"),
					AttributeValue: aws.String(name),
				}},
				NextToken: nextToken,
			})
			return callErr
		})
		if err != nil {
			return "", trace.Wrap(err)
		}
		for _, group := range out.Groups {
			if aws.ToString(group.DisplayName) == name {
				return aws.ToString(group.GroupId), nil
			}
		}
		if out.NextToken == nil {
			return "", unresolved(KindGroup, name)
		}
		nextToken = out.NextToken
	}
}

// GroupMemberCount counts the direct members of a group. Used to show
// the blast radius of a group-wide grant before it runs.
func (r *Resolver) GroupMemberCount(ctx context.Context, groupID string) (int, error) {
	count := 0
	var nextToken *string
	for {
		var out *identitystore.ListGroupMembershipsOutput
		_, err := retryutils.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
			var callErr error
			out, callErr = r.cfg.IdentityStore.ListGroupMemberships(ctx, &identitystore.ListGroupMembershipsInput{
				IdentityStoreId: aws.String(r.cfg.IdentityStoreID),
				GroupId:         aws.String(groupID),
				NextToken:       nextToken,
			})
			return callErr
		})
		if err != nil {
			return 0, trace.Wrap(err)
		}
		count += len(out.GroupMemberships)
		if out.NextToken == nil {
			return count, nil
		}
		nextToken = out.NextToken
	}
}

// findPermissionSet walks the full permission set list, describing each
// ARN; every name seen on the way is cached so one enumeration warms
// the whole namespace.
func (r *Resolver) findPermissionSet(ctx context.Context, name string) (string, error) {
	found := ""
	err := r.walkPermissionSets(ctx, func(arn, describedName string) {
		if describedName == name {
			found = arn
		}
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	if found == "" {
		return "", unresolved(KindPermissionSet, name)
	}
	return found, nil
}

// WarmPermissionSets enumerates every permission set so later name
// lookups hit the cache. Returns the number of sets seen.
func (r *Resolver) WarmPermissionSets(ctx context.Context) (int, error) {
	count := 0
	err := r.walkPermissionSets(ctx, func(arn, name string) {
		count++
	})
	return count, trace.Wrap(err)
}

// walkPermissionSets enumerates all permission sets, caching each
// name/ARN pair and calling visit for every one.
func (r *Resolver) walkPermissionSets(ctx context.Context, visit func(arn, name string)) error {
	var nextToken *string
	for {
		var out *ssoadmin.ListPermissionSetsOutput
		_, err := retryutils.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
			var callErr error
			out, callErr = r.cfg.SSOAdmin.ListPermissionSets(ctx, &ssoadmin.ListPermissionSetsInput{
				InstanceArn: aws.String(r.cfg.InstanceArn),
				NextToken:   nextToken,
			})
			return callErr
		})
		if err != nil {
			return trace.Wrap(err)
		}
		for _, arn := range out.PermissionSets {
			describedName, err := r.describePermissionSet(ctx, arn)
			if err != nil {
				return trace.Wrap(err)
			}
			r.memo.Add(string(KindPermissionSet)+"/"+describedName, arn)
			r.memo.Add(string(KindPermissionSet)+"/by-id/"+arn, describedName)
			cache.PutJSON(ctx, r.cfg.Cache,
				cache.Key(r.cfg.Profile, "resolve", string(KindPermissionSet), cacheSafe(describedName)),
				arn, defaults.ResolveResourceTTL)
			visit(arn, describedName)
		}
		if out.NextToken == nil {
			return nil
		}
		nextToken = out.NextToken
	}
}

func (r *Resolver) describePermissionSet(ctx context.Context, arn string) (string, error) {
	var out *ssoadmin.DescribePermissionSetOutput
	_, err := retryutils.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
		var callErr error
		out, callErr = r.cfg.SSOAdmin.DescribePermissionSet(ctx, &ssoadmin.DescribePermissionSetInput{
			InstanceArn:      aws.String(r.cfg.InstanceArn),
			PermissionSetArn: aws.String(arn),
		})
		return callErr
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	if out.PermissionSet == nil {
		return "", trace.NotFound("permission set %v has no description", arn)
	}
	return aws.ToString(out.PermissionSet.Name), nil
}
