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

package bulk

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	identitystoretypes "github.com/aws/aws-sdk-go-v2/service/identitystore/types"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	organizationstypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	ssoadmintypes "github.com/aws/aws-sdk-go-v2/service/ssoadmin/types"
	"github.com/aws/smithy-go"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/awsideman/lib/awsapi"
	"github.com/gravitational/awsideman/lib/executor"
	"github.com/gravitational/awsideman/lib/oplog"
	"github.com/gravitational/awsideman/lib/orgcache"
	"github.com/gravitational/awsideman/lib/resolver"
	"github.com/gravitational/awsideman/lib/retryutils"
	"github.com/gravitational/awsideman/lib/sso"
)

const (
	testInstanceArn     = "arn:aws:sso:::instance/ssoins-0000000000000000"
	testIdentityStoreID = "d-0000000000"
	adminPermSetArn     = "arn:aws:sso:::permissionSet/ssoins-0/ps-admin"
	readonlyPermSetArn  = "arn:aws:sso:::permissionSet/ssoins-0/ps-readonly"
)

// fakeAdmin backs both the resolver's permission set lookups and the
// executor's assignment changes. Submits complete synchronously.
type fakeAdmin struct {
	awsapi.SSOAdmin

	mu             sync.Mutex
	permissionSets map[string]string // arn -> name
	present        map[string]bool   // principal|permSet|account
	failAccounts   map[string]error  // account id -> submit error
}

func assignmentKey(principalID, permissionSetArn, accountID string) string {
	return strings.Join([]string{principalID, permissionSetArn, accountID}, "|")
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{
		permissionSets: map[string]string{
			adminPermSetArn:    "AdministratorAccess",
			readonlyPermSetArn: "ReadOnlyAccess",
		},
		present:      map[string]bool{},
		failAccounts: map[string]error{},
	}
}

func (f *fakeAdmin) has(principalID, permissionSetArn, accountID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present[assignmentKey(principalID, permissionSetArn, accountID)]
}

func (f *fakeAdmin) add(principalID, permissionSetArn, accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present[assignmentKey(principalID, permissionSetArn, accountID)] = true
}

func (f *fakeAdmin) ListPermissionSets(ctx context.Context, in *ssoadmin.ListPermissionSetsInput, opts ...func(*ssoadmin.Options)) (*ssoadmin.ListPermissionSetsOutput, error) {
	out := &ssoadmin.ListPermissionSetsOutput{}
	for arn := range f.permissionSets {
		out.PermissionSets = append(out.PermissionSets, arn)
	}
	return out, nil
}

func (f *fakeAdmin) DescribePermissionSet(ctx context.Context, in *ssoadmin.DescribePermissionSetInput, opts ...func(*ssoadmin.Options)) (*ssoadmin.DescribePermissionSetOutput, error) {
	name, ok := f.permissionSets[aws.ToString(in.PermissionSetArn)]
	if !ok {
		return nil, &ssoadmintypes.ResourceNotFoundException{Message: aws.String("no such permission set")}
	}
	return &ssoadmin.DescribePermissionSetOutput{
		PermissionSet: &ssoadmintypes.PermissionSet{
			PermissionSetArn: in.PermissionSetArn,
			Name:             aws.String(name),
		},
	}, nil
}

func (f *fakeAdmin) CreateAccountAssignment(ctx context.Context, in *ssoadmin.CreateAccountAssignmentInput, opts ...func(*ssoadmin.Options)) (*ssoadmin.CreateAccountAssignmentOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failAccounts[aws.ToString(in.TargetId)]; err != nil {
		return nil, err
	}
	k := assignmentKey(aws.ToString(in.PrincipalId), aws.ToString(in.PermissionSetArn), aws.ToString(in.TargetId))
	if f.present[k] {
		return nil, &ssoadmintypes.ConflictException{Message: aws.String("assignment exists")}
	}
	f.present[k] = true
	return &ssoadmin.CreateAccountAssignmentOutput{
		AccountAssignmentCreationStatus: &ssoadmintypes.AccountAssignmentOperationStatus{
			Status: ssoadmintypes.StatusValuesSucceeded,
		},
	}, nil
}

func (f *fakeAdmin) DeleteAccountAssignment(ctx context.Context, in *ssoadmin.DeleteAccountAssignmentInput, opts ...func(*ssoadmin.Options)) (*ssoadmin.DeleteAccountAssignmentOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := assignmentKey(aws.ToString(in.PrincipalId), aws.ToString(in.PermissionSetArn), aws.ToString(in.TargetId))
	if !f.present[k] {
		return nil, &ssoadmintypes.ResourceNotFoundException{Message: aws.String("no such assignment")}
	}
	delete(f.present, k)
	return &ssoadmin.DeleteAccountAssignmentOutput{
		AccountAssignmentDeletionStatus: &ssoadmintypes.AccountAssignmentOperationStatus{
			Status: ssoadmintypes.StatusValuesSucceeded,
		},
	}, nil
}

func (f *fakeAdmin) ListAccountAssignments(ctx context.Context, in *ssoadmin.ListAccountAssignmentsInput, opts ...func(*ssoadmin.Options)) (*ssoadmin.ListAccountAssignmentsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &ssoadmin.ListAccountAssignmentsOutput{}
	for k := range f.present {
		parts := strings.Split(k, "|")
		if parts[1] != aws.ToString(in.PermissionSetArn) || parts[2] != aws.ToString(in.AccountId) {
			continue
		}
		out.AccountAssignments = append(out.AccountAssignments, ssoadmintypes.AccountAssignment{
			PrincipalId:      aws.String(parts[0]),
			PrincipalType:    ssoadmintypes.PrincipalTypeUser,
			PermissionSetArn: aws.String(parts[1]),
			AccountId:        aws.String(parts[2]),
		})
	}
	return out, nil
}

// fakeDirectory resolves the two test principals.
type fakeDirectory struct {
	awsapi.IdentityStore
}

func (f *fakeDirectory) ListUsers(ctx context.Context, in *identitystore.ListUsersInput, opts ...func(*identitystore.Options)) (*identitystore.ListUsersOutput, error) {
	out := &identitystore.ListUsersOutput{}
	if len(in.Filters) == 1 && aws.ToString(in.Filters[0].AttributeValue) == "alice@example.com" {
		out.Users = append(out.Users, identitystoretypes.User{
			UserId:   aws.String("u-alice"),
			UserName: aws.String("alice@example.com"),
		})
	}
	return out, nil
}

func (f *fakeDirectory) ListGroups(ctx context.Context, in *identitystore.ListGroupsInput, opts ...func(*identitystore.Options)) (*identitystore.ListGroupsOutput, error) {
	out := &identitystore.ListGroupsOutput{}
	if len(in.Filters) == 1 && aws.ToString(in.Filters[0].AttributeValue) == "Engineering" {
		out.Groups = append(out.Groups, identitystoretypes.Group{
			GroupId:     aws.String("g-engineering"),
			DisplayName: aws.String("Engineering"),
		})
	}
	return out, nil
}

// fakeOrg is a flat organization: one root, three accounts, one of them
// suspended.
type fakeOrg struct {
	awsapi.Organizations
}

func (f *fakeOrg) ListRoots(ctx context.Context, in *organizations.ListRootsInput, opts ...func(*organizations.Options)) (*organizations.ListRootsOutput, error) {
	return &organizations.ListRootsOutput{
		Roots: []organizationstypes.Root{{Id: aws.String("r-test")}},
	}, nil
}

func (f *fakeOrg) ListOrganizationalUnitsForParent(ctx context.Context, in *organizations.ListOrganizationalUnitsForParentInput, opts ...func(*organizations.Options)) (*organizations.ListOrganizationalUnitsForParentOutput, error) {
	return &organizations.ListOrganizationalUnitsForParentOutput{}, nil
}

func (f *fakeOrg) ListAccountsForParent(ctx context.Context, in *organizations.ListAccountsForParentInput, opts ...func(*organizations.Options)) (*organizations.ListAccountsForParentOutput, error) {
	return &organizations.ListAccountsForParentOutput{
		Accounts: []organizationstypes.Account{
			{Id: aws.String("100000000000"), Name: aws.String("prod-payments"),
				Email: aws.String("prod@example.com"), Status: organizationstypes.AccountStatusActive},
			{Id: aws.String("200000000000"), Name: aws.String("dev-tools"),
				Email: aws.String("dev@example.com"), Status: organizationstypes.AccountStatusActive},
			{Id: aws.String("300000000000"), Name: aws.String("sandbox"),
				Email: aws.String("sandbox@example.com"), Status: organizationstypes.AccountStatusSuspended},
		},
	}, nil
}

func (f *fakeOrg) ListTagsForResource(ctx context.Context, in *organizations.ListTagsForResourceInput, opts ...func(*organizations.Options)) (*organizations.ListTagsForResourceOutput, error) {
	out := &organizations.ListTagsForResourceOutput{}
	if aws.ToString(in.ResourceId) == "100000000000" {
		out.Tags = []organizationstypes.Tag{
			{Key: aws.String("Environment"), Value: aws.String("production")},
		}
	}
	return out, nil
}

func testRetry() retryutils.Config {
	return retryutils.Config{
		Base:       time.Millisecond,
		Cap:        5 * time.Millisecond,
		MaxRetries: 2,
	}
}

func newTestPipeline(t *testing.T, admin *fakeAdmin) (*Pipeline, oplog.Store) {
	t.Helper()
	org, err := orgcache.New(orgcache.Config{
		Profile: "default",
		Client:  &fakeOrg{},
		Retry:   testRetry(),
	})
	require.NoError(t, err)

	res, err := resolver.New(resolver.Config{
		Profile:         "default",
		InstanceArn:     testInstanceArn,
		IdentityStoreID: testIdentityStoreID,
		SSOAdmin:        admin,
		IdentityStore:   &fakeDirectory{},
		Org:             org,
		Retry:           testRetry(),
	})
	require.NoError(t, err)

	exec, err := executor.New(executor.Config{
		InstanceArn:    testInstanceArn,
		SSOAdmin:       admin,
		Retry:          testRetry(),
		RateLimitDelay: time.Microsecond,
		PollInterval:   time.Millisecond,
	})
	require.NoError(t, err)

	store, err := oplog.NewFileStore(t.TempDir())
	require.NoError(t, err)

	pipeline, err := New(Config{
		Profile:     "default",
		Resolver:    res,
		Org:         org,
		Executor:    exec,
		Store:       store,
		SSOAdmin:    admin,
		InstanceArn: testInstanceArn,
		Retry:       testRetry(),
	})
	require.NoError(t, err)
	return pipeline, store
}

func TestParseCSV(t *testing.T) {
	input := `principal-name,principal-type,permission-set-name,account-name
alice@example.com,USER,AdministratorAccess,prod-payments

Engineering,GROUP,ReadOnlyAccess,*
bob@example.com,,ReadOnlyAccess,200000000000
`
	records, err := ParseCSV(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, sso.PrincipalTypeGroup, records[1].PrincipalType)
	// Empty principal type defaults to USER.
	require.Equal(t, sso.PrincipalTypeUser, records[2].PrincipalType)
	require.Equal(t, "*", records[1].AccountName)
}

func TestParseCSVCollectsAllErrors(t *testing.T) {
	input := `principal_name,principal_type,permission_set_name,account_name
,USER,AdministratorAccess,prod-payments
alice@example.com,ROBOT,AdministratorAccess,prod-payments
alice@example.com,USER,,prod-payments
`
	_, err := ParseCSV(strings.NewReader(input))
	require.Error(t, err)
	message := err.Error()
	require.Contains(t, message, "row 1")
	require.Contains(t, message, "row 2")
	require.Contains(t, message, "row 3")
}

func TestParseCSVMissingColumn(t *testing.T) {
	input := `principal_name,permission_set_name
alice@example.com,AdministratorAccess
`
	_, err := ParseCSV(strings.NewReader(input))
	require.True(t, trace.IsBadParameter(err))
	require.Contains(t, err.Error(), "account_name")
}

func TestParseJSON(t *testing.T) {
	input := `{
		"assignments": [
			{"principal_name": "alice@example.com", "permission_set_name": "AdministratorAccess", "account_name": "prod-payments"},
			{"principal_name": "Engineering", "principal_type": "GROUP", "permission_set_name": "ReadOnlyAccess", "account_id": "200000000000"}
		]
	}`
	records, err := ParseJSON(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, sso.PrincipalTypeUser, records[0].PrincipalType)
	require.Equal(t, "200000000000", records[1].AccountID)

	_, err = ParseJSON(strings.NewReader(`{"assignments": []}`))
	require.True(t, trace.IsBadParameter(err))
}

func TestPrepareExpandsAndDedupes(t *testing.T) {
	admin := newFakeAdmin()
	pipeline, _ := newTestPipeline(t, admin)

	records := []RawRecord{
		{Row: 1, PrincipalName: "alice@example.com", PrincipalType: sso.PrincipalTypeUser,
			PermissionSetName: "AdministratorAccess", AccountName: "tag:Environment=production"},
		// Duplicate of the expansion above.
		{Row: 2, PrincipalName: "alice@example.com", PrincipalType: sso.PrincipalTypeUser,
			PermissionSetName: "AdministratorAccess", AccountName: "100000000000"},
		// Expands to both active accounts; the suspended one is not
		// selected.
		{Row: 3, PrincipalName: "Engineering", PrincipalType: sso.PrincipalTypeGroup,
			PermissionSetName: "ReadOnlyAccess", AccountName: "*"},
	}
	plan, err := pipeline.Prepare(context.Background(), sso.DirectionAssign, records, false)
	require.NoError(t, err)
	require.Len(t, plan.Items, 3)
	require.Equal(t, 1, plan.Duplicates)
	require.Empty(t, plan.Errors)

	accounts := map[string]bool{}
	for _, item := range plan.Items {
		accounts[item.Assignment.PrincipalID+"@"+item.Assignment.AccountID] = true
	}
	require.True(t, accounts["u-alice@100000000000"])
	require.True(t, accounts["g-engineering@100000000000"])
	require.True(t, accounts["g-engineering@200000000000"])
}

func TestPrepareMarksConflicts(t *testing.T) {
	admin := newFakeAdmin()
	admin.add("u-alice", adminPermSetArn, "100000000000")
	pipeline, _ := newTestPipeline(t, admin)

	records := []RawRecord{
		{Row: 1, PrincipalName: "alice@example.com", PrincipalType: sso.PrincipalTypeUser,
			PermissionSetName: "AdministratorAccess", AccountName: "prod-payments"},
		{Row: 2, PrincipalName: "alice@example.com", PrincipalType: sso.PrincipalTypeUser,
			PermissionSetName: "AdministratorAccess", AccountName: "dev-tools"},
	}
	plan, err := pipeline.Prepare(context.Background(), sso.DirectionAssign, records, false)
	require.NoError(t, err)
	require.Len(t, plan.Items, 2)
	require.Equal(t, 1, plan.Conflicts())

	preview := plan.Preview()
	require.Contains(t, preview, "already assigned")
	require.Contains(t, preview, "prod-payments (100000000000)")
}

func TestPrepareUnresolvedEntity(t *testing.T) {
	admin := newFakeAdmin()
	pipeline, _ := newTestPipeline(t, admin)

	records := []RawRecord{
		{Row: 1, PrincipalName: "ghost@example.com", PrincipalType: sso.PrincipalTypeUser,
			PermissionSetName: "AdministratorAccess", AccountName: "prod-payments"},
		{Row: 2, PrincipalName: "alice@example.com", PrincipalType: sso.PrincipalTypeUser,
			PermissionSetName: "AdministratorAccess", AccountName: "prod-payments"},
	}

	// Default mode aborts on the unresolved principal.
	_, err := pipeline.Prepare(context.Background(), sso.DirectionAssign, records, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ghost@example.com")

	// Continue-on-error keeps the resolvable rows.
	plan, err := pipeline.Prepare(context.Background(), sso.DirectionAssign, records, true)
	require.NoError(t, err)
	require.Len(t, plan.Items, 1)
	require.Len(t, plan.Errors, 1)
	require.Equal(t, 1, plan.Errors[0].Row)

	var unresolvedErr *resolver.UnresolvedEntityError
	require.ErrorAs(t, plan.Errors[0].Err, &unresolvedErr)
}

func TestExecuteRecordsOperation(t *testing.T) {
	admin := newFakeAdmin()
	// One target is already assigned and comes back as a skip.
	admin.add("u-alice", adminPermSetArn, "100000000000")
	pipeline, store := newTestPipeline(t, admin)

	records := []RawRecord{
		{Row: 1, PrincipalName: "alice@example.com", PrincipalType: sso.PrincipalTypeUser,
			PermissionSetName: "AdministratorAccess", AccountName: "prod-payments"},
		{Row: 2, PrincipalName: "alice@example.com", PrincipalType: sso.PrincipalTypeUser,
			PermissionSetName: "AdministratorAccess", AccountName: "dev-tools"},
	}
	plan, err := pipeline.Prepare(context.Background(), sso.DirectionAssign, records, false)
	require.NoError(t, err)

	record, err := pipeline.Execute(context.Background(), plan, executor.Policy{ContinueOnError: true})
	require.NoError(t, err)
	require.Equal(t, oplog.KindBulkAssign, record.Kind)
	require.Len(t, record.Results, 2)

	outcomes := map[string]sso.Outcome{}
	for _, result := range record.Results {
		outcomes[result.AccountID] = result.Outcome
	}
	require.Equal(t, sso.OutcomeSkippedPresent, outcomes["100000000000"])
	require.Equal(t, sso.OutcomeSucceeded, outcomes["200000000000"])
	require.True(t, admin.has("u-alice", adminPermSetArn, "200000000000"))

	// The journal round-trips the record.
	stored, err := store.Get(context.Background(), record.ID)
	require.NoError(t, err)
	require.Equal(t, string(sso.DirectionAssign), stored.Metadata[oplog.MetaDirection])
	require.Equal(t, 0, ExitCode(plan, record))

	summary := Summarize(record)
	require.Contains(t, summary, "1 succeeded, 1 skipped, 0 failed")
}

func TestExecuteCancelledJournalsProcessedOnly(t *testing.T) {
	admin := newFakeAdmin()
	admin.failAccounts["100000000000"] = &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "not authorized"}
	pipeline, _ := newTestPipeline(t, admin)

	records := []RawRecord{
		{Row: 1, PrincipalName: "alice@example.com", PrincipalType: sso.PrincipalTypeUser,
			PermissionSetName: "AdministratorAccess", AccountName: "prod-payments"},
		{Row: 2, PrincipalName: "alice@example.com", PrincipalType: sso.PrincipalTypeUser,
			PermissionSetName: "AdministratorAccess", AccountName: "dev-tools"},
	}
	plan, err := pipeline.Prepare(context.Background(), sso.DirectionAssign, records, false)
	require.NoError(t, err)

	// Stop-on-error with one worker: the first account fails and the
	// second never dispatches.
	record, err := pipeline.Execute(context.Background(), plan, executor.Policy{ContinueOnError: false, MaxConcurrent: 1})
	require.NoError(t, err)
	require.Equal(t, "true", record.Metadata[oplog.MetaIncomplete])
	require.Len(t, record.Results, 1)

	// The journaled account set covers only what ran, names aligned.
	require.Len(t, record.AccountIDs, len(record.Results))
	require.Equal(t, []string{"100000000000"}, record.AccountIDs)
	require.Equal(t, []string{"prod-payments"}, record.AccountNames)
}

func TestExecuteEmptyPlan(t *testing.T) {
	admin := newFakeAdmin()
	pipeline, _ := newTestPipeline(t, admin)

	record, err := pipeline.Execute(context.Background(), &Plan{Direction: sso.DirectionAssign}, executor.Policy{})
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Empty(t, record.Results)
	require.Empty(t, record.AccountIDs)
	require.Equal(t, 0, ExitCode(nil, record))
}

func TestExitCode(t *testing.T) {
	failed := &oplog.Record{Results: []sso.AssignmentRecord{
		{AccountID: "100000000000", Outcome: sso.OutcomeSucceeded},
		{AccountID: "200000000000", Outcome: sso.OutcomeFailed, Error: "access denied"},
	}}
	require.Equal(t, 1, ExitCode(nil, failed))
	require.Equal(t, 2, ExitCode(nil, nil))

	skipped := &oplog.Record{Results: []sso.AssignmentRecord{
		{AccountID: "100000000000", Outcome: sso.OutcomeSkippedPresent},
	}}
	require.Equal(t, 0, ExitCode(nil, skipped))
}
