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

// Package rollback turns a recorded operation into its inverse:
// assignments get revoked, revocations get re-assigned. Plans are
// verified against live AWS state so a rollback never blindly undoes
// what is no longer there.
package rollback

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	ssoadmintypes "github.com/aws/aws-sdk-go-v2/service/ssoadmin/types"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/awsideman"
	"github.com/gravitational/awsideman/lib/awsapi"
	"github.com/gravitational/awsideman/lib/defaults"
	"github.com/gravitational/awsideman/lib/executor"
	"github.com/gravitational/awsideman/lib/logutils"
	"github.com/gravitational/awsideman/lib/oplog"
	"github.com/gravitational/awsideman/lib/retryutils"
	"github.com/gravitational/awsideman/lib/sso"
)

var log = logutils.NewPackageLogger(awsideman.ComponentKey, awsideman.ComponentRollback)

// Action is one planned inverse assignment change.
type Action struct {
	// PrincipalID, PrincipalType and PermissionSetArn come from the
	// original result being undone.
	PrincipalID      string            `json:"principal_id"`
	PrincipalType    sso.PrincipalType `json:"principal_type"`
	PermissionSetArn string            `json:"permission_set_arn"`
	// AccountID is the target account.
	AccountID string `json:"account_id"`
	// Direction is the inverse operation to perform.
	Direction sso.Direction `json:"direction"`
	// Skip marks actions whose observed state already matches the
	// post-rollback target.
	Skip bool `json:"skip"`
	// Reason explains a skip.
	Reason string `json:"reason,omitempty"`
}

// Warning flags an observed state inconsistent with rollback intent.
type Warning struct {
	AccountID string
	Message   string
}

// Plan is a verified rollback proposal.
type Plan struct {
	// Operation is the record being rolled back.
	Operation *oplog.Record
	// Direction is the inverse of the original operation.
	Direction sso.Direction
	// Actions covers every successful original result, skips
	// included.
	Actions []Action
	// Warnings lists state mismatches observed during verification.
	Warnings []Warning
	// EstimatedDuration predicts the execution wall time.
	EstimatedDuration time.Duration
	// DeletePermissionSetArn is set when rolling back a clone: the
	// created permission set is deleted instead of reversing
	// assignments.
	DeletePermissionSetArn string
}

// Pending returns the actions that will actually run.
func (p *Plan) Pending() []Action {
	var pending []Action
	for _, action := range p.Actions {
		if !action.Skip {
			pending = append(pending, action)
		}
	}
	return pending
}

// Options controls planning.
type Options struct {
	// Strict turns verification warnings into errors.
	Strict bool
	// Concurrency is used for the duration estimate and execution
	// pool; zero auto-scales.
	Concurrency int
}

// Config configures a Processor.
type Config struct {
	// Profile is recorded on rollback operations.
	Profile string
	// Store is the operation journal.
	Store oplog.Store
	// Executor dispatches the inverse operations.
	Executor *executor.Executor
	// SSOAdmin reads live assignment state during verification.
	SSOAdmin awsapi.SSOAdmin
	// InstanceArn is the Identity Center instance.
	InstanceArn string
	// Retry wraps verification reads.
	Retry retryutils.Config
	// Clock timestamps rollback records.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Profile == "" {
		return trace.BadParameter("missing profile")
	}
	if c.Store == nil {
		return trace.BadParameter("missing operation store")
	}
	if c.Executor == nil {
		return trace.BadParameter("missing executor")
	}
	if c.SSOAdmin == nil {
		return trace.BadParameter("missing SSO admin client")
	}
	if c.InstanceArn == "" {
		return trace.BadParameter("missing Identity Center instance ARN")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Processor plans and executes rollbacks.
type Processor struct {
	cfg Config
}

// New creates a Processor.
func New(cfg Config) (*Processor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Processor{cfg: cfg}, nil
}

// Plan validates an operation and builds its inverse. Incomplete
// operations are planned from their recorded successes only.
func (p *Processor) Plan(ctx context.Context, operationID string, opts Options) (*Plan, error) {
	record, err := p.cfg.Store.Get(ctx, operationID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if record.RolledBack {
		return nil, trace.BadParameter("operation %v was already rolled back by %v",
			operationID, record.RollbackOperationID)
	}
	if record.Kind == oplog.KindClone {
		plan, err := p.planCloneRollback(ctx, record)
		return plan, trace.Wrap(err)
	}
	original, err := operationDirection(record)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	plan := &Plan{
		Operation: record,
		Direction: original.Inverse(),
	}
	for _, result := range record.Results {
		if result.Outcome != sso.OutcomeSucceeded {
			continue
		}
		action := Action{
			PrincipalID:      result.PrincipalID,
			PrincipalType:    result.PrincipalType,
			PermissionSetArn: result.PermissionSetArn,
			AccountID:        result.AccountID,
			Direction:        plan.Direction,
		}

		present, err := p.assignmentPresent(ctx, result)
		if err != nil {
			return nil, trace.Wrap(err, "verifying assignment state on account %v", result.AccountID)
		}
		switch {
		case plan.Direction == sso.DirectionRevoke && !present:
			// Rolling back an assign, but the assignment is gone.
			action.Skip = true
			action.Reason = "assignment already absent"
			plan.Warnings = append(plan.Warnings, Warning{
				AccountID: result.AccountID,
				Message: fmt.Sprintf("expected assignment %v to be present on account %v, observed absent",
					result.PermissionSetArn, result.AccountID),
			})
		case plan.Direction == sso.DirectionAssign && present:
			// Rolling back a revoke, but the assignment came back.
			action.Skip = true
			action.Reason = "assignment already present"
			plan.Warnings = append(plan.Warnings, Warning{
				AccountID: result.AccountID,
				Message: fmt.Sprintf("expected assignment %v to be absent on account %v, observed present",
					result.PermissionSetArn, result.AccountID),
			})
		}
		plan.Actions = append(plan.Actions, action)
	}

	if opts.Strict && len(plan.Warnings) > 0 {
		return nil, trace.BadParameter("rollback verification found %d state mismatch(es) and strict mode is on: %v",
			len(plan.Warnings), plan.Warnings[0].Message)
	}

	pending := len(plan.Pending())
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaults.WorkersForAccountCount(pending)
	}
	if pending > 0 {
		waves := (pending + concurrency - 1) / concurrency
		plan.EstimatedDuration = time.Duration(waves) * defaults.AvgAssignmentCall
	}
	return plan, nil
}

// planCloneRollback verifies the cloned permission set is still
// unassigned; its rollback deletes the permission set rather than
// reversing assignments.
func (p *Processor) planCloneRollback(ctx context.Context, record *oplog.Record) (*Plan, error) {
	if record.PermissionSetArn == "" {
		return nil, trace.BadParameter("clone operation %v does not record the created permission set", record.ID)
	}
	var provisioned []string
	var nextToken *string
	for {
		var out *ssoadmin.ListAccountsForProvisionedPermissionSetOutput
		_, err := retryutils.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
			var callErr error
			out, callErr = p.cfg.SSOAdmin.ListAccountsForProvisionedPermissionSet(ctx, &ssoadmin.ListAccountsForProvisionedPermissionSetInput{
				InstanceArn:      aws.String(p.cfg.InstanceArn),
				PermissionSetArn: aws.String(record.PermissionSetArn),
				NextToken:        nextToken,
			})
			return callErr
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		provisioned = append(provisioned, out.AccountIds...)
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}
	if len(provisioned) > 0 {
		return nil, trace.BadParameter("permission set %v has been assigned to %d account(s) since the clone and cannot be rolled back",
			record.PermissionSetName, len(provisioned))
	}
	return &Plan{
		Operation:              record,
		DeletePermissionSetArn: record.PermissionSetArn,
		EstimatedDuration:      defaults.AvgAssignmentCall,
	}, nil
}

// executeCloneRollback deletes the cloned permission set and journals
// the deletion.
func (p *Processor) executeCloneRollback(ctx context.Context, plan *Plan) (*oplog.Record, error) {
	_, err := retryutils.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
		_, callErr := p.cfg.SSOAdmin.DeletePermissionSet(ctx, &ssoadmin.DeletePermissionSetInput{
			InstanceArn:      aws.String(p.cfg.InstanceArn),
			PermissionSetArn: aws.String(plan.DeletePermissionSetArn),
		})
		return callErr
	})
	if err != nil && !retryutils.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	rollbackRecord := &oplog.Record{
		ID:                uuid.NewString(),
		Kind:              oplog.KindRollback,
		Timestamp:         p.cfg.Clock.Now().UTC(),
		Profile:           p.cfg.Profile,
		PermissionSetArn:  plan.DeletePermissionSetArn,
		PermissionSetName: plan.Operation.PermissionSetName,
		Metadata: map[string]string{
			oplog.MetaRollbackOf: plan.Operation.ID,
		},
	}
	if err := p.cfg.Store.Append(ctx, rollbackRecord); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := p.cfg.Store.MarkRolledBack(ctx, plan.Operation.ID, rollbackRecord.ID); err != nil {
		return rollbackRecord, trace.Wrap(err)
	}
	log.InfoContext(ctx, "Cloned permission set deleted",
		"operation_id", plan.Operation.ID, "rollback_id", rollbackRecord.ID,
		"permission_set", plan.DeletePermissionSetArn)
	return rollbackRecord, nil
}

// Execute runs a plan: pending actions dispatch through the executor,
// the run is journaled as a rollback operation cross-linked to the
// original, and the original's rolled-back flag flips in one
// compare-and-set.
func (p *Processor) Execute(ctx context.Context, plan *Plan, policy executor.Policy) (*oplog.Record, error) {
	if plan == nil || plan.Operation == nil {
		return nil, trace.BadParameter("missing rollback plan")
	}
	if plan.DeletePermissionSetArn != "" {
		record, err := p.executeCloneRollback(ctx, plan)
		return record, trace.Wrap(err)
	}

	rollbackRecord := &oplog.Record{
		ID:        uuid.NewString(),
		Kind:      oplog.KindRollback,
		Timestamp: p.cfg.Clock.Now().UTC(),
		Profile:   p.cfg.Profile,
		Metadata: map[string]string{
			oplog.MetaRollbackOf: plan.Operation.ID,
			oplog.MetaDirection:  string(plan.Direction),
		},
	}

	nameOf := accountNameIndex(plan.Operation)
	cancelled := false
	for _, group := range groupActions(plan.Pending()) {
		task := executor.Task{
			PrincipalID:      group.principalID,
			PrincipalType:    group.principalType,
			PermissionSetArn: group.permissionSetArn,
			Direction:        plan.Direction,
			AccountIDs:       group.accountIDs,
		}
		result, err := p.cfg.Executor.Execute(ctx, task, policy)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		// The journaled account set mirrors the processed records, not
		// the submitted task: a cancelled run records only what ran.
		for _, record := range result.Records {
			rollbackRecord.AccountIDs = append(rollbackRecord.AccountIDs, record.AccountID)
			rollbackRecord.AccountNames = append(rollbackRecord.AccountNames, nameOf[record.AccountID])
		}
		rollbackRecord.Results = append(rollbackRecord.Results, result.Records...)
		cancelled = cancelled || result.Cancelled
	}
	for _, action := range plan.Actions {
		if action.Skip {
			rollbackRecord.AccountIDs = append(rollbackRecord.AccountIDs, action.AccountID)
			rollbackRecord.AccountNames = append(rollbackRecord.AccountNames, nameOf[action.AccountID])
			rollbackRecord.Results = append(rollbackRecord.Results, sso.AssignmentRecord{
				PrincipalID:      action.PrincipalID,
				PrincipalType:    action.PrincipalType,
				PermissionSetArn: action.PermissionSetArn,
				AccountID:        action.AccountID,
				Outcome:          skipOutcome(plan.Direction),
			})
		}
	}
	if cancelled {
		rollbackRecord.Metadata[oplog.MetaCancelled] = "true"
		rollbackRecord.Metadata[oplog.MetaIncomplete] = "true"
	}

	if err := p.cfg.Store.Append(ctx, rollbackRecord); err != nil {
		return nil, trace.Wrap(err)
	}
	if cancelled {
		// The original stays eligible for another rollback attempt.
		log.WarnContext(ctx, "Rollback did not complete, original operation left unmarked",
			"operation_id", plan.Operation.ID, "rollback_id", rollbackRecord.ID)
		return rollbackRecord, nil
	}
	if err := p.cfg.Store.MarkRolledBack(ctx, plan.Operation.ID, rollbackRecord.ID); err != nil {
		return rollbackRecord, trace.Wrap(err)
	}
	log.InfoContext(ctx, "Rollback completed",
		"operation_id", plan.Operation.ID, "rollback_id", rollbackRecord.ID,
		"actions", len(plan.Pending()), "skipped", len(plan.Actions)-len(plan.Pending()))
	return rollbackRecord, nil
}

// accountNameIndex maps the original record's account ids to their
// recorded display names.
func accountNameIndex(record *oplog.Record) map[string]string {
	names := make(map[string]string, len(record.AccountNames))
	for i, id := range record.AccountIDs {
		if i < len(record.AccountNames) && record.AccountNames[i] != "" {
			names[id] = record.AccountNames[i]
		}
	}
	return names
}

func skipOutcome(direction sso.Direction) sso.Outcome {
	if direction == sso.DirectionRevoke {
		return sso.OutcomeSkippedAbsent
	}
	return sso.OutcomeSkippedPresent
}

// operationDirection recovers the original direction from a record.
func operationDirection(record *oplog.Record) (sso.Direction, error) {
	if d := record.Metadata[oplog.MetaDirection]; d != "" {
		direction := sso.Direction(d)
		if direction != sso.DirectionAssign && direction != sso.DirectionRevoke {
			return "", trace.BadParameter("operation %v has unknown direction %q", record.ID, d)
		}
		return direction, nil
	}
	switch record.Kind {
	case oplog.KindAssign, oplog.KindBulkAssign, oplog.KindTemplateApply:
		return sso.DirectionAssign, nil
	case oplog.KindRevoke, oplog.KindBulkRevoke:
		return sso.DirectionRevoke, nil
	default:
		return "", trace.BadParameter("operation %v of kind %v cannot be rolled back without a recorded direction",
			record.ID, record.Kind)
	}
}

// actionGroup batches actions sharing one (principal, permission set)
// pair into a single executor task.
type actionGroup struct {
	principalID      string
	principalType    sso.PrincipalType
	permissionSetArn string
	accountIDs       []string
}

func groupActions(actions []Action) []*actionGroup {
	var groups []*actionGroup
	index := map[string]*actionGroup{}
	for _, action := range actions {
		key := action.PrincipalID + "|" + action.PermissionSetArn
		group, ok := index[key]
		if !ok {
			group = &actionGroup{
				principalID:      action.PrincipalID,
				principalType:    action.PrincipalType,
				permissionSetArn: action.PermissionSetArn,
			}
			index[key] = group
			groups = append(groups, group)
		}
		group.accountIDs = append(group.accountIDs, action.AccountID)
	}
	return groups
}

// assignmentPresent reads live state for one original result.
func (p *Processor) assignmentPresent(ctx context.Context, result sso.AssignmentRecord) (bool, error) {
	var nextToken *string
	for {
		var out *ssoadmin.ListAccountAssignmentsOutput
		_, err := retryutils.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
			var callErr error
			out, callErr = p.cfg.SSOAdmin.ListAccountAssignments(ctx, &ssoadmin.ListAccountAssignmentsInput{
				InstanceArn:      aws.String(p.cfg.InstanceArn),
				AccountId:        aws.String(result.AccountID),
				PermissionSetArn: aws.String(result.PermissionSetArn),
				NextToken:        nextToken,
			})
			return callErr
		})
		if err != nil {
			return false, trace.Wrap(err)
		}
		for _, assignment := range out.AccountAssignments {
			if aws.ToString(assignment.PrincipalId) == result.PrincipalID &&
				assignment.PrincipalType == principalType(result.PrincipalType) {
				return true, nil
			}
		}
		if out.NextToken == nil {
			return false, nil
		}
		nextToken = out.NextToken
	}
}

func principalType(t sso.PrincipalType) ssoadmintypes.PrincipalType {
	if t == sso.PrincipalTypeGroup {
		return ssoadmintypes.PrincipalTypeGroup
	}
	return ssoadmintypes.PrincipalTypeUser
}
