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

package resolver

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	identitystoretypes "github.com/aws/aws-sdk-go-v2/service/identitystore/types"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	ssoadmintypes "github.com/aws/aws-sdk-go-v2/service/ssoadmin/types"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/awsideman/lib/awsapi"
	"github.com/gravitational/awsideman/lib/cache"
	"github.com/gravitational/awsideman/lib/sso"
)

const (
	testInstanceArn     = "arn:aws:sso:::instance/ssoins-0000000000000000"
	testIdentityStoreID = "d-0000000000"
)

type mockDirectory struct {
	mu sync.Mutex

	users   map[string]string   // username -> id
	groups  map[string]string   // display name -> id
	members map[string][]string // group id -> member ids

	listCalls     int
	describeCalls int
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{
		users: map[string]string{
			"alice@example.com": "u-alice",
			"bob@example.com":   "u-bob",
		},
		groups: map[string]string{
			"Engineering": "g-engineering",
			"Finance":     "g-finance",
		},
		members: map[string][]string{
			"g-engineering": {"u-alice", "u-bob", "u-carol"},
		},
	}
}

func (m *mockDirectory) calls() (list, describe int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls, m.describeCalls
}

func (m *mockDirectory) ListUsers(ctx context.Context, in *identitystore.ListUsersInput, opts ...func(*identitystore.Options)) (*identitystore.ListUsersOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	out := &identitystore.ListUsersOutput{}
	for _, filter := range in.Filters {
		if aws.ToString(filter.AttributePath) != "UserName" {
			continue
		}
		name := aws.ToString(filter.AttributeValue)
		if id, ok := m.users[name]; ok {
			out.Users = append(out.Users, identitystoretypes.User{
				UserId:   aws.String(id),
				UserName: aws.String(name),
			})
		}
	}
	return out, nil
}

func (m *mockDirectory) ListGroups(ctx context.Context, in *identitystore.ListGroupsInput, opts ...func(*identitystore.Options)) (*identitystore.ListGroupsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	out := &identitystore.ListGroupsOutput{}
	for _, filter := range in.Filters {
		if aws.ToString(filter.AttributePath) != "DisplayName" {
			continue
		}
		name := aws.ToString(filter.AttributeValue)
		if id, ok := m.groups[name]; ok {
			out.Groups = append(out.Groups, identitystoretypes.Group{
				GroupId:     aws.String(id),
				DisplayName: aws.String(name),
			})
		}
	}
	return out, nil
}

func (m *mockDirectory) DescribeUser(ctx context.Context, in *identitystore.DescribeUserInput, opts ...func(*identitystore.Options)) (*identitystore.DescribeUserOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.describeCalls++
	for name, id := range m.users {
		if id == aws.ToString(in.UserId) {
			return &identitystore.DescribeUserOutput{
				UserId:   in.UserId,
				UserName: aws.String(name),
			}, nil
		}
	}
	return nil, &identitystoretypes.ResourceNotFoundException{Message: aws.String("no such user")}
}

func (m *mockDirectory) DescribeGroup(ctx context.Context, in *identitystore.DescribeGroupInput, opts ...func(*identitystore.Options)) (*identitystore.DescribeGroupOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.describeCalls++
	for name, id := range m.groups {
		if id == aws.ToString(in.GroupId) {
			return &identitystore.DescribeGroupOutput{
				GroupId:     in.GroupId,
				DisplayName: aws.String(name),
			}, nil
		}
	}
	return nil, &identitystoretypes.ResourceNotFoundException{Message: aws.String("no such group")}
}

// ListGroupMemberships pages two members at a time so the pagination
// loop is exercised.
func (m *mockDirectory) ListGroupMemberships(ctx context.Context, in *identitystore.ListGroupMembershipsInput, opts ...func(*identitystore.Options)) (*identitystore.ListGroupMembershipsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.members[aws.ToString(in.GroupId)]
	start := 0
	if in.NextToken != nil {
		start, _ = strconv.Atoi(aws.ToString(in.NextToken))
	}
	out := &identitystore.ListGroupMembershipsOutput{}
	end := min(start+2, len(members))
	for _, id := range members[start:end] {
		out.GroupMemberships = append(out.GroupMemberships, identitystoretypes.GroupMembership{
			GroupId:  in.GroupId,
			MemberId: &identitystoretypes.MemberIdMemberUserId{Value: id},
		})
	}
	if end < len(members) {
		out.NextToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

// mockAdmin implements the permission set portion of awsapi.SSOAdmin;
// everything else is unused by the resolver.
type mockAdmin struct {
	awsapi.SSOAdmin

	mu             sync.Mutex
	permissionSets map[string]string // arn -> name
	listCalls      int
	describeCalls  int
}

func newMockAdmin() *mockAdmin {
	return &mockAdmin{
		permissionSets: map[string]string{
			"arn:aws:sso:::permissionSet/ssoins-0/ps-admin":    "AdministratorAccess",
			"arn:aws:sso:::permissionSet/ssoins-0/ps-readonly": "ReadOnlyAccess",
		},
	}
}

func (m *mockAdmin) calls() (list, describe int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls, m.describeCalls
}

func (m *mockAdmin) ListPermissionSets(ctx context.Context, in *ssoadmin.ListPermissionSetsInput, opts ...func(*ssoadmin.Options)) (*ssoadmin.ListPermissionSetsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	out := &ssoadmin.ListPermissionSetsOutput{}
	for arn := range m.permissionSets {
		out.PermissionSets = append(out.PermissionSets, arn)
	}
	return out, nil
}

func (m *mockAdmin) DescribePermissionSet(ctx context.Context, in *ssoadmin.DescribePermissionSetInput, opts ...func(*ssoadmin.Options)) (*ssoadmin.DescribePermissionSetOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.describeCalls++
	arn := aws.ToString(in.PermissionSetArn)
	name, ok := m.permissionSets[arn]
	if !ok {
		return nil, &ssoadmintypes.ResourceNotFoundException{Message: aws.String("no such permission set")}
	}
	return &ssoadmin.DescribePermissionSetOutput{
		PermissionSet: &ssoadmintypes.PermissionSet{
			Name:             aws.String(name),
			PermissionSetArn: in.PermissionSetArn,
		},
	}, nil
}

func newTestResolver(t *testing.T, directory *mockDirectory, admin *mockAdmin, backend cache.Backend) *Resolver {
	t.Helper()
	r, err := New(Config{
		Profile:         "default",
		InstanceArn:     testInstanceArn,
		IdentityStoreID: testIdentityStoreID,
		SSOAdmin:        admin,
		IdentityStore:   directory,
		Cache:           backend,
	})
	require.NoError(t, err)
	return r
}

func TestResolvePrincipal(t *testing.T) {
	directory := newMockDirectory()
	r := newTestResolver(t, directory, newMockAdmin(), nil)

	id, err := r.ResolvePrincipal(context.Background(), sso.PrincipalRef{Type: sso.PrincipalTypeUser, Name: "alice@example.com"})
	require.NoError(t, err)
	require.Equal(t, "u-alice", id)

	id, err = r.ResolvePrincipal(context.Background(), sso.PrincipalRef{Type: sso.PrincipalTypeGroup, Name: "Engineering"})
	require.NoError(t, err)
	require.Equal(t, "g-engineering", id)

	// Repeated lookups come out of the memo.
	listCalls, _ := directory.calls()
	for range 3 {
		_, err = r.ResolveUser(context.Background(), "alice@example.com")
		require.NoError(t, err)
	}
	after, _ := directory.calls()
	require.Equal(t, listCalls, after)
}

func TestGroupMemberCount(t *testing.T) {
	r := newTestResolver(t, newMockDirectory(), newMockAdmin(), nil)

	count, err := r.GroupMemberCount(context.Background(), "g-engineering")
	require.NoError(t, err)
	require.Equal(t, 3, count)

	// A group with no memberships counts zero.
	count, err = r.GroupMemberCount(context.Background(), "g-finance")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestResolveUnknownEntity(t *testing.T) {
	r := newTestResolver(t, newMockDirectory(), newMockAdmin(), nil)

	_, err := r.ResolveUser(context.Background(), "mallory@example.com")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	var unresolvedErr *UnresolvedEntityError
	require.ErrorAs(t, err, &unresolvedErr)
	require.Equal(t, KindUser, unresolvedErr.Kind)
	require.Equal(t, "mallory@example.com", unresolvedErr.Name)

	_, err = r.ResolveGroup(context.Background(), "Ghosts")
	require.True(t, trace.IsNotFound(err))

	_, err = r.ResolvePermissionSet(context.Background(), "NoSuchAccess")
	require.True(t, trace.IsNotFound(err))
}

func TestResolvePermissionSetWarmsNamespace(t *testing.T) {
	admin := newMockAdmin()
	r := newTestResolver(t, newMockDirectory(), admin, nil)

	arn, err := r.ResolvePermissionSet(context.Background(), "AdministratorAccess")
	require.NoError(t, err)
	require.Equal(t, "arn:aws:sso:::permissionSet/ssoins-0/ps-admin", arn)

	// The first enumeration described every permission set, so the
	// second name resolves without any further API calls.
	listCalls, describeCalls := admin.calls()
	arn, err = r.ResolvePermissionSet(context.Background(), "ReadOnlyAccess")
	require.NoError(t, err)
	require.Equal(t, "arn:aws:sso:::permissionSet/ssoins-0/ps-readonly", arn)

	listAfter, describeAfter := admin.calls()
	require.Equal(t, listCalls, listAfter)
	require.Equal(t, describeCalls, describeAfter)
}

func TestReverseLookups(t *testing.T) {
	directory := newMockDirectory()
	admin := newMockAdmin()
	r := newTestResolver(t, directory, admin, nil)

	name, err := r.UserName(context.Background(), "u-bob")
	require.NoError(t, err)
	require.Equal(t, "bob@example.com", name)

	name, err = r.PrincipalName(context.Background(), sso.PrincipalTypeGroup, "g-finance")
	require.NoError(t, err)
	require.Equal(t, "Finance", name)

	name, err = r.PermissionSetName(context.Background(), "arn:aws:sso:::permissionSet/ssoins-0/ps-readonly")
	require.NoError(t, err)
	require.Equal(t, "ReadOnlyAccess", name)

	_, err = r.UserName(context.Background(), "u-nobody")
	require.True(t, trace.IsNotFound(err))

	// Forward resolution primes the reverse memo.
	_, err = r.ResolveUser(context.Background(), "alice@example.com")
	require.NoError(t, err)
	_, describeCalls := directory.calls()
	name, err = r.UserName(context.Background(), "u-alice")
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", name)
	_, describeAfter := directory.calls()
	require.Equal(t, describeCalls, describeAfter)
}

func TestSharedCacheTier(t *testing.T) {
	backend, err := cache.NewFileBackend(cache.FileBackendConfig{
		RootDir: t.TempDir(),
		Clock:   clockwork.NewRealClock(),
	})
	require.NoError(t, err)
	defer backend.Close()

	directory := newMockDirectory()
	first := newTestResolver(t, directory, newMockAdmin(), backend)
	_, err = first.ResolveUser(context.Background(), "alice@example.com")
	require.NoError(t, err)

	// A fresh resolver sharing the cache backend resolves the same
	// name without touching the directory.
	listCalls, _ := directory.calls()
	second := newTestResolver(t, directory, newMockAdmin(), backend)
	id, err := second.ResolveUser(context.Background(), "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, "u-alice", id)
	listAfter, _ := directory.calls()
	require.Equal(t, listCalls, listAfter)
}

func TestResolveValidation(t *testing.T) {
	r := newTestResolver(t, newMockDirectory(), newMockAdmin(), nil)

	_, err := r.ResolveUser(context.Background(), "")
	require.True(t, trace.IsBadParameter(err))

	_, err = r.ResolvePrincipal(context.Background(), sso.PrincipalRef{Type: "ROBOT", Name: "r2d2"})
	require.True(t, trace.IsBadParameter(err))

	_, err = New(Config{})
	require.Error(t, err)
}

func TestResolveAccountWithoutOrg(t *testing.T) {
	r := newTestResolver(t, newMockDirectory(), newMockAdmin(), nil)

	_, err := r.ResolveAccount(context.Background(), "prod-payments")
	require.True(t, trace.IsNotFound(err))

	var unresolvedErr *UnresolvedEntityError
	require.ErrorAs(t, err, &unresolvedErr)
	require.Equal(t, KindAccount, unresolvedErr.Kind)
}
