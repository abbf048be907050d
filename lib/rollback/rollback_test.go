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

package rollback

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	ssoadmintypes "github.com/aws/aws-sdk-go-v2/service/ssoadmin/types"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/awsideman/lib/awsapi"
	"github.com/gravitational/awsideman/lib/executor"
	"github.com/gravitational/awsideman/lib/oplog"
	"github.com/gravitational/awsideman/lib/retryutils"
	"github.com/gravitational/awsideman/lib/sso"
)

const (
	testInstanceArn = "arn:aws:sso:::instance/ssoins-0000000000000000"
	testPermSetArn  = "arn:aws:sso:::permissionSet/ssoins-0/ps-admin"
)

// fakeSSO is an in-memory assignment set. Submits complete
// synchronously, so the executor never polls.
type fakeSSO struct {
	awsapi.SSOAdmin

	mu      sync.Mutex
	present map[string]bool // principal|type|permSet|account
}

func key(principalID string, principalType ssoadmintypes.PrincipalType, permissionSetArn, accountID string) string {
	return strings.Join([]string{principalID, string(principalType), permissionSetArn, accountID}, "|")
}

func newFakeSSO() *fakeSSO {
	return &fakeSSO{present: map[string]bool{}}
}

func (f *fakeSSO) add(principalID string, principalType ssoadmintypes.PrincipalType, permissionSetArn, accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present[key(principalID, principalType, permissionSetArn, accountID)] = true
}

func (f *fakeSSO) has(principalID string, principalType ssoadmintypes.PrincipalType, permissionSetArn, accountID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present[key(principalID, principalType, permissionSetArn, accountID)]
}

func (f *fakeSSO) CreateAccountAssignment(ctx context.Context, in *ssoadmin.CreateAccountAssignmentInput, opts ...func(*ssoadmin.Options)) (*ssoadmin.CreateAccountAssignmentOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(aws.ToString(in.PrincipalId), in.PrincipalType, aws.ToString(in.PermissionSetArn), aws.ToString(in.TargetId))
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

func (f *fakeSSO) DeleteAccountAssignment(ctx context.Context, in *ssoadmin.DeleteAccountAssignmentInput, opts ...func(*ssoadmin.Options)) (*ssoadmin.DeleteAccountAssignmentOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(aws.ToString(in.PrincipalId), in.PrincipalType, aws.ToString(in.PermissionSetArn), aws.ToString(in.TargetId))
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

func (f *fakeSSO) ListAccountAssignments(ctx context.Context, in *ssoadmin.ListAccountAssignmentsInput, opts ...func(*ssoadmin.Options)) (*ssoadmin.ListAccountAssignmentsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &ssoadmin.ListAccountAssignmentsOutput{}
	for k := range f.present {
		parts := strings.Split(k, "|")
		if parts[2] != aws.ToString(in.PermissionSetArn) || parts[3] != aws.ToString(in.AccountId) {
			continue
		}
		out.AccountAssignments = append(out.AccountAssignments, ssoadmintypes.AccountAssignment{
			PrincipalId:      aws.String(parts[0]),
			PrincipalType:    ssoadmintypes.PrincipalType(parts[1]),
			PermissionSetArn: aws.String(parts[2]),
			AccountId:        aws.String(parts[3]),
		})
	}
	return out, nil
}

func newTestProcessor(t *testing.T, fake *fakeSSO) (*Processor, oplog.Store) {
	t.Helper()
	store, err := oplog.NewFileStore(t.TempDir())
	require.NoError(t, err)

	exec, err := executor.New(executor.Config{
		InstanceArn: testInstanceArn,
		SSOAdmin:    fake,
		Retry: retryutils.Config{
			Base:       time.Millisecond,
			Cap:        5 * time.Millisecond,
			MaxRetries: 2,
		},
		RateLimitDelay: time.Microsecond,
		PollInterval:   time.Millisecond,
	})
	require.NoError(t, err)

	processor, err := New(Config{
		Profile:     "default",
		Store:       store,
		Executor:    exec,
		SSOAdmin:    fake,
		InstanceArn: testInstanceArn,
		Retry: retryutils.Config{
			Base:       time.Millisecond,
			Cap:        5 * time.Millisecond,
			MaxRetries: 2,
		},
	})
	require.NoError(t, err)
	return processor, store
}

// seedOperation journals an assign operation whose listed accounts all
// succeeded.
func seedOperation(t *testing.T, store oplog.Store, id string, accountIDs ...string) *oplog.Record {
	t.Helper()
	record := &oplog.Record{
		ID:               id,
		Kind:             oplog.KindAssign,
		Timestamp:        time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Profile:          "default",
		PrincipalID:      "u-alice",
		PrincipalType:    "USER",
		PrincipalName:    "alice@example.com",
		PermissionSetArn: testPermSetArn,
		AccountIDs:       accountIDs,
		Metadata:         map[string]string{oplog.MetaDirection: "assign"},
	}
	for _, accountID := range accountIDs {
		record.Results = append(record.Results, sso.AssignmentRecord{
			PrincipalID:      "u-alice",
			PrincipalType:    "USER",
			PermissionSetArn: testPermSetArn,
			AccountID:        accountID,
			Outcome:          sso.OutcomeSucceeded,
		})
	}
	require.NoError(t, store.Append(context.Background(), record))
	return record
}

func TestPlanAndExecute(t *testing.T) {
	fake := newFakeSSO()
	processor, store := newTestProcessor(t, fake)
	seedOperation(t, store, "op-1", "100000000000", "200000000000")
	fake.add("u-alice", ssoadmintypes.PrincipalTypeUser, testPermSetArn, "100000000000")
	fake.add("u-alice", ssoadmintypes.PrincipalTypeUser, testPermSetArn, "200000000000")

	plan, err := processor.Plan(context.Background(), "op-1", Options{})
	require.NoError(t, err)
	require.Equal(t, sso.DirectionRevoke, plan.Direction)
	require.Len(t, plan.Actions, 2)
	require.Len(t, plan.Pending(), 2)
	require.Empty(t, plan.Warnings)
	require.Greater(t, plan.EstimatedDuration, time.Duration(0))

	rollbackRecord, err := processor.Execute(context.Background(), plan, executor.Policy{ContinueOnError: true})
	require.NoError(t, err)
	require.Equal(t, oplog.KindRollback, rollbackRecord.Kind)
	require.Equal(t, "op-1", rollbackRecord.Metadata[oplog.MetaRollbackOf])
	require.Len(t, rollbackRecord.Results, 2)
	for _, result := range rollbackRecord.Results {
		require.Equal(t, sso.OutcomeSucceeded, result.Outcome)
	}

	// The assignments are gone and the original is cross-linked.
	require.False(t, fake.has("u-alice", ssoadmintypes.PrincipalTypeUser, testPermSetArn, "100000000000"))
	original, err := store.Get(context.Background(), "op-1")
	require.NoError(t, err)
	require.True(t, original.RolledBack)
	require.Equal(t, rollbackRecord.ID, original.RollbackOperationID)

	// Planning again refuses.
	_, err = processor.Plan(context.Background(), "op-1", Options{})
	require.True(t, trace.IsBadParameter(err))
}

func TestPlanSkipsAlreadyAbsent(t *testing.T) {
	fake := newFakeSSO()
	processor, store := newTestProcessor(t, fake)
	seedOperation(t, store, "op-2", "100000000000", "200000000000")
	// Only the first assignment still exists.
	fake.add("u-alice", ssoadmintypes.PrincipalTypeUser, testPermSetArn, "100000000000")

	plan, err := processor.Plan(context.Background(), "op-2", Options{})
	require.NoError(t, err)
	require.Len(t, plan.Actions, 2)
	require.Len(t, plan.Pending(), 1)
	require.Equal(t, "100000000000", plan.Pending()[0].AccountID)
	require.Len(t, plan.Warnings, 1)
	require.Equal(t, "200000000000", plan.Warnings[0].AccountID)

	// Strict mode refuses the same plan.
	_, err = processor.Plan(context.Background(), "op-2", Options{Strict: true})
	require.True(t, trace.IsBadParameter(err))

	rollbackRecord, err := processor.Execute(context.Background(), plan, executor.Policy{ContinueOnError: true})
	require.NoError(t, err)
	require.Len(t, rollbackRecord.Results, 2)
	outcomes := map[string]sso.Outcome{}
	for _, result := range rollbackRecord.Results {
		outcomes[result.AccountID] = result.Outcome
	}
	require.Equal(t, sso.OutcomeSucceeded, outcomes["100000000000"])
	require.Equal(t, sso.OutcomeSkippedAbsent, outcomes["200000000000"])
}

func TestExecuteJournalsSkippedAccounts(t *testing.T) {
	fake := newFakeSSO()
	processor, store := newTestProcessor(t, fake)
	original := &oplog.Record{
		ID:               "op-skip",
		Kind:             oplog.KindAssign,
		Timestamp:        time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC),
		Profile:          "default",
		PrincipalID:      "u-alice",
		PrincipalType:    "USER",
		PermissionSetArn: testPermSetArn,
		AccountIDs:       []string{"100000000000", "200000000000"},
		AccountNames:     []string{"prod", "staging"},
		Results: []sso.AssignmentRecord{
			{PrincipalID: "u-alice", PrincipalType: "USER", PermissionSetArn: testPermSetArn,
				AccountID: "100000000000", Outcome: sso.OutcomeSucceeded},
			{PrincipalID: "u-alice", PrincipalType: "USER", PermissionSetArn: testPermSetArn,
				AccountID: "200000000000", Outcome: sso.OutcomeSucceeded},
		},
		Metadata: map[string]string{oplog.MetaDirection: "assign"},
	}
	require.NoError(t, store.Append(context.Background(), original))
	// Only the first assignment still exists; the second rolls back as
	// a skip.
	fake.add("u-alice", ssoadmintypes.PrincipalTypeUser, testPermSetArn, "100000000000")

	plan, err := processor.Plan(context.Background(), "op-skip", Options{})
	require.NoError(t, err)
	require.Len(t, plan.Pending(), 1)

	rollbackRecord, err := processor.Execute(context.Background(), plan, executor.Policy{ContinueOnError: true})
	require.NoError(t, err)

	// Every result, skipped ones included, has its account in the
	// journaled account set, and names stay aligned with ids.
	require.Len(t, rollbackRecord.AccountIDs, len(rollbackRecord.Results))
	require.Len(t, rollbackRecord.AccountNames, len(rollbackRecord.AccountIDs))
	require.ElementsMatch(t, []string{"100000000000", "200000000000"}, rollbackRecord.AccountIDs)
	ids := map[string]bool{}
	for _, id := range rollbackRecord.AccountIDs {
		ids[id] = true
	}
	for _, result := range rollbackRecord.Results {
		require.True(t, ids[result.AccountID], "result account %v missing from account set", result.AccountID)
	}
	names := map[string]string{}
	for i, id := range rollbackRecord.AccountIDs {
		names[id] = rollbackRecord.AccountNames[i]
	}
	require.Equal(t, "prod", names["100000000000"])
	require.Equal(t, "staging", names["200000000000"])
}

func TestRollbackOfRevoke(t *testing.T) {
	fake := newFakeSSO()
	processor, store := newTestProcessor(t, fake)

	// A revoke operation: results recorded, assignments absent from AWS.
	revoke := &oplog.Record{
		ID:               "op-revoke",
		Kind:             oplog.KindRevoke,
		Timestamp:        time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
		Profile:          "default",
		PrincipalID:      "u-alice",
		PrincipalType:    "USER",
		PermissionSetArn: testPermSetArn,
		AccountIDs:       []string{"300000000000"},
		Results: []sso.AssignmentRecord{{
			PrincipalID:      "u-alice",
			PrincipalType:    "USER",
			PermissionSetArn: testPermSetArn,
			AccountID:        "300000000000",
			Outcome:          sso.OutcomeSucceeded,
		}},
		Metadata: map[string]string{oplog.MetaDirection: "revoke"},
	}
	require.NoError(t, store.Append(context.Background(), revoke))

	plan, err := processor.Plan(context.Background(), "op-revoke", Options{})
	require.NoError(t, err)
	require.Equal(t, sso.DirectionAssign, plan.Direction)
	require.Len(t, plan.Pending(), 1)

	_, err = processor.Execute(context.Background(), plan, executor.Policy{ContinueOnError: true})
	require.NoError(t, err)
	require.True(t, fake.has("u-alice", ssoadmintypes.PrincipalTypeUser, testPermSetArn, "300000000000"))
}

func TestPlanOnlyTargetsSuccesses(t *testing.T) {
	fake := newFakeSSO()
	processor, store := newTestProcessor(t, fake)

	record := &oplog.Record{
		ID:               "op-partial",
		Kind:             oplog.KindAssign,
		Timestamp:        time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC),
		Profile:          "default",
		PrincipalID:      "u-alice",
		PrincipalType:    "USER",
		PermissionSetArn: testPermSetArn,
		AccountIDs:       []string{"100000000000", "200000000000"},
		Results: []sso.AssignmentRecord{
			{PrincipalID: "u-alice", PrincipalType: "USER", PermissionSetArn: testPermSetArn,
				AccountID: "100000000000", Outcome: sso.OutcomeSucceeded},
			{PrincipalID: "u-alice", PrincipalType: "USER", PermissionSetArn: testPermSetArn,
				AccountID: "200000000000", Outcome: sso.OutcomeFailed, Error: "access denied"},
		},
		Metadata: map[string]string{oplog.MetaDirection: "assign", oplog.MetaIncomplete: "true"},
	}
	require.NoError(t, store.Append(context.Background(), record))
	fake.add("u-alice", ssoadmintypes.PrincipalTypeUser, testPermSetArn, "100000000000")

	plan, err := processor.Plan(context.Background(), "op-partial", Options{})
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	require.Equal(t, "100000000000", plan.Actions[0].AccountID)
}

func TestPlanMissingOperation(t *testing.T) {
	processor, _ := newTestProcessor(t, newFakeSSO())

	_, err := processor.Plan(context.Background(), "op-nope", Options{})
	require.True(t, trace.IsNotFound(err))
}
