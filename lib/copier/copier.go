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

// Package copier copies assignments between principals and clones
// permission set configurations.
package copier

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	ssoadmintypes "github.com/aws/aws-sdk-go-v2/service/ssoadmin/types"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/awsideman"
	"github.com/gravitational/awsideman/lib/asciitable"
	"github.com/gravitational/awsideman/lib/awsapi"
	"github.com/gravitational/awsideman/lib/executor"
	"github.com/gravitational/awsideman/lib/logutils"
	"github.com/gravitational/awsideman/lib/oplog"
	"github.com/gravitational/awsideman/lib/resolver"
	"github.com/gravitational/awsideman/lib/retryutils"
	"github.com/gravitational/awsideman/lib/sso"
)

var log = logutils.NewPackageLogger(awsideman.ComponentKey, awsideman.ComponentCopier)

// CopyFilters restricts which source assignments are copied. The four
// sets combine with AND: an assignment must pass every non-empty set.
// Entries may be display names, permission set ARNs or account ids.
type CopyFilters struct {
	IncludePermissionSets []string
	ExcludePermissionSets []string
	IncludeAccounts       []string
	ExcludeAccounts       []string
}

// CopyItem is one assignment to create on the target principal.
type CopyItem struct {
	// PermissionSetArn and PermissionSetName identify the permission
	// set being copied.
	PermissionSetArn  string
	PermissionSetName string
	// AccountID is the target account.
	AccountID string
}

// CopyPlan is the computed difference between source and target.
type CopyPlan struct {
	// From and To are the source and target principals.
	From, To sso.PrincipalRef
	// FromID and ToID are their resolved ids.
	FromID, ToID string
	// Items are the assignments missing on the target.
	Items []CopyItem
	// AlreadyPresent counts source assignments the target already has.
	AlreadyPresent int
	// Filtered counts source assignments removed by the filters.
	Filtered int
}

// Preview renders the plan as a table.
func (p *CopyPlan) Preview() string {
	table := asciitable.MakeTable([]string{"Permission Set", "Account"})
	for _, item := range p.Items {
		table.AddRow([]string{item.PermissionSetName, item.AccountID})
	}
	table.SortRowsBy(0, 1)
	return table.String() + fmt.Sprintf("copy %s -> %s: %d to create, %d already present, %d filtered out\n",
		p.From, p.To, len(p.Items), p.AlreadyPresent, p.Filtered)
}

// Config configures a Copier.
type Config struct {
	// Profile is recorded on operations.
	Profile string
	// Resolver translates names to identifiers.
	Resolver *resolver.Resolver
	// Executor dispatches assignment creation.
	Executor *executor.Executor
	// Store is the operation journal.
	Store oplog.Store
	// SSOAdmin enumerates assignments and manages permission sets.
	SSOAdmin awsapi.SSOAdmin
	// InstanceArn is the Identity Center instance.
	InstanceArn string
	// Retry wraps read calls.
	Retry retryutils.Config
	// Clock timestamps operation records.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Profile == "" {
		return trace.BadParameter("missing profile")
	}
	if c.Resolver == nil {
		return trace.BadParameter("missing resolver")
	}
	if c.Executor == nil {
		return trace.BadParameter("missing executor")
	}
	if c.Store == nil {
		return trace.BadParameter("missing operation store")
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

// Copier plans and executes assignment copies and permission set
// clones.
type Copier struct {
	cfg Config
}

// New creates a Copier.
func New(cfg Config) (*Copier, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Copier{cfg: cfg}, nil
}

// PlanCopy enumerates the source principal's assignments, applies the
// filters and subtracts what the target already has. Cross-type copies
// (user to group and back) are allowed.
func (c *Copier) PlanCopy(ctx context.Context, from, to sso.PrincipalRef, filters CopyFilters) (*CopyPlan, error) {
	if from == to {
		return nil, trace.BadParameter("source and target principal are the same")
	}
	fromID, err := c.cfg.Resolver.ResolvePrincipal(ctx, from)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	toID, err := c.cfg.Resolver.ResolvePrincipal(ctx, to)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	source, err := c.principalAssignments(ctx, fromID, from.Type)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	target, err := c.principalAssignments(ctx, toID, to.Type)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	targetSet := map[CopyItem]bool{}
	for _, item := range target {
		targetSet[CopyItem{PermissionSetArn: item.PermissionSetArn, AccountID: item.AccountID}] = true
	}

	match, err := c.compileFilters(ctx, filters)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	plan := &CopyPlan{From: from, To: to, FromID: fromID, ToID: toID}
	for _, item := range source {
		if !match(item) {
			plan.Filtered++
			continue
		}
		if targetSet[CopyItem{PermissionSetArn: item.PermissionSetArn, AccountID: item.AccountID}] {
			plan.AlreadyPresent++
			continue
		}
		name, err := c.cfg.Resolver.PermissionSetName(ctx, item.PermissionSetArn)
		if err != nil {
			name = item.PermissionSetArn
		}
		item.PermissionSetName = name
		plan.Items = append(plan.Items, item)
	}
	sort.Slice(plan.Items, func(i, j int) bool {
		if plan.Items[i].PermissionSetArn != plan.Items[j].PermissionSetArn {
			return plan.Items[i].PermissionSetArn < plan.Items[j].PermissionSetArn
		}
		return plan.Items[i].AccountID < plan.Items[j].AccountID
	})
	log.InfoContext(ctx, "Planned assignment copy",
		"from", from.String(), "to", to.String(),
		"items", len(plan.Items), "present", plan.AlreadyPresent, "filtered", plan.Filtered)
	return plan, nil
}

// ExecuteCopy creates the planned assignments on the target principal
// and journals the run as a bulk assign sourced from a copy.
func (c *Copier) ExecuteCopy(ctx context.Context, plan *CopyPlan, policy executor.Policy) (*oplog.Record, error) {
	if plan == nil {
		return nil, trace.BadParameter("missing copy plan")
	}
	if len(plan.Items) == 0 {
		return nil, nil
	}

	record := &oplog.Record{
		ID:            uuid.NewString(),
		Kind:          oplog.KindBulkAssign,
		Timestamp:     c.cfg.Clock.Now().UTC(),
		Profile:       c.cfg.Profile,
		PrincipalID:   plan.ToID,
		PrincipalType: plan.To.Type,
		PrincipalName: plan.To.Name,
		Metadata: map[string]string{
			oplog.MetaDirection: string(sso.DirectionAssign),
			"source":            "copy",
			"copy_from":         plan.From.String(),
			"copy_to":           plan.To.String(),
		},
	}

	cancelled := false
	for _, group := range groupByPermissionSet(plan.Items) {
		task := executor.Task{
			PrincipalID:       plan.ToID,
			PrincipalType:     plan.To.Type,
			PrincipalName:     plan.To.Name,
			PermissionSetArn:  group.arn,
			PermissionSetName: group.name,
			Direction:         sso.DirectionAssign,
			AccountIDs:        group.accountIDs,
		}
		result, err := c.cfg.Executor.Execute(ctx, task, policy)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		// Journal the processed accounts so the account set lines up with
		// the results even when the run stops early. Names resolve best
		// effort; an unresolvable id journals as an empty name.
		for _, rec := range result.Records {
			record.AccountIDs = append(record.AccountIDs, rec.AccountID)
			name, err := c.cfg.Resolver.AccountName(ctx, rec.AccountID)
			if err != nil {
				name = ""
			}
			record.AccountNames = append(record.AccountNames, name)
		}
		record.Results = append(record.Results, result.Records...)
		if result.Cancelled {
			cancelled = true
			break
		}
	}
	if cancelled {
		record.Metadata[oplog.MetaCancelled] = "true"
		record.Metadata[oplog.MetaIncomplete] = "true"
	}
	if err := c.cfg.Store.Append(ctx, record); err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(ctx, "Assignment copy completed",
		"operation_id", record.ID, "results", len(record.Results), "cancelled", cancelled)
	return record, nil
}

// principalAssignments lists every assignment the principal holds,
// across all accounts.
func (c *Copier) principalAssignments(ctx context.Context, principalID string, principalType sso.PrincipalType) ([]CopyItem, error) {
	var items []CopyItem
	var nextToken *string
	for {
		var out *ssoadmin.ListAccountAssignmentsForPrincipalOutput
		_, err := retryutils.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
			var callErr error
			out, callErr = c.cfg.SSOAdmin.ListAccountAssignmentsForPrincipal(ctx, &ssoadmin.ListAccountAssignmentsForPrincipalInput{
				InstanceArn:   aws.String(c.cfg.InstanceArn),
				PrincipalId:   aws.String(principalID),
				PrincipalType: principalTypeOf(principalType),
				NextToken:     nextToken,
			})
			return callErr
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, assignment := range out.AccountAssignments {
			items = append(items, CopyItem{
				PermissionSetArn: aws.ToString(assignment.PermissionSetArn),
				AccountID:        aws.ToString(assignment.AccountId),
			})
		}
		if out.NextToken == nil {
			return items, nil
		}
		nextToken = out.NextToken
	}
}

// compileFilters resolves filter entries and returns the combined AND
// predicate.
func (c *Copier) compileFilters(ctx context.Context, filters CopyFilters) (func(CopyItem) bool, error) {
	includePS, err := c.permissionSetArns(ctx, filters.IncludePermissionSets)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	excludePS, err := c.permissionSetArns(ctx, filters.ExcludePermissionSets)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	includeAccounts, err := c.accountIDs(ctx, filters.IncludeAccounts)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	excludeAccounts, err := c.accountIDs(ctx, filters.ExcludeAccounts)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return func(item CopyItem) bool {
		if len(includePS) > 0 && !includePS[item.PermissionSetArn] {
			return false
		}
		if excludePS[item.PermissionSetArn] {
			return false
		}
		if len(includeAccounts) > 0 && !includeAccounts[item.AccountID] {
			return false
		}
		if excludeAccounts[item.AccountID] {
			return false
		}
		return true
	}, nil
}

func (c *Copier) permissionSetArns(ctx context.Context, refs []string) (map[string]bool, error) {
	arns := map[string]bool{}
	for _, ref := range refs {
		if strings.HasPrefix(ref, "arn:") {
			arns[ref] = true
			continue
		}
		arn, err := c.cfg.Resolver.ResolvePermissionSet(ctx, ref)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		arns[arn] = true
	}
	return arns, nil
}

func (c *Copier) accountIDs(ctx context.Context, refs []string) (map[string]bool, error) {
	ids := map[string]bool{}
	for _, ref := range refs {
		if isAccountID(ref) {
			ids[ref] = true
			continue
		}
		id, err := c.cfg.Resolver.ResolveAccount(ctx, ref)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		ids[id] = true
	}
	return ids, nil
}

type permissionSetGroup struct {
	arn        string
	name       string
	accountIDs []string
}

func groupByPermissionSet(items []CopyItem) []*permissionSetGroup {
	var groups []*permissionSetGroup
	index := map[string]*permissionSetGroup{}
	for _, item := range items {
		group, ok := index[item.PermissionSetArn]
		if !ok {
			group = &permissionSetGroup{arn: item.PermissionSetArn, name: item.PermissionSetName}
			index[item.PermissionSetArn] = group
			groups = append(groups, group)
		}
		group.accountIDs = append(group.accountIDs, item.AccountID)
	}
	return groups
}

func principalTypeOf(t sso.PrincipalType) ssoadmintypes.PrincipalType {
	if t == sso.PrincipalTypeGroup {
		return ssoadmintypes.PrincipalTypeGroup
	}
	return ssoadmintypes.PrincipalTypeUser
}

func isAccountID(s string) bool {
	if len(s) != 12 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
