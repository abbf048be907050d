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

package template

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/awsideman"
	"github.com/gravitational/awsideman/lib/accountfilter"
	"github.com/gravitational/awsideman/lib/asciitable"
	"github.com/gravitational/awsideman/lib/awsapi"
	"github.com/gravitational/awsideman/lib/executor"
	"github.com/gravitational/awsideman/lib/logutils"
	"github.com/gravitational/awsideman/lib/oplog"
	"github.com/gravitational/awsideman/lib/orgcache"
	"github.com/gravitational/awsideman/lib/resolver"
	"github.com/gravitational/awsideman/lib/retryutils"
	"github.com/gravitational/awsideman/lib/sso"
)

var log = logutils.NewPackageLogger(awsideman.ComponentKey, awsideman.ComponentTemplate)

// Config configures an Engine.
type Config struct {
	// Profile is recorded on operations.
	Profile string
	// Resolver translates names to identifiers.
	Resolver *resolver.Resolver
	// Org supplies the account snapshot for target expansion.
	Org *orgcache.OrgCache
	// Executor dispatches the additions.
	Executor *executor.Executor
	// Store is the operation journal.
	Store oplog.Store
	// SSOAdmin backs the live-state diff.
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
	if c.Org == nil {
		return trace.BadParameter("missing organization cache")
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

// Engine validates, plans and applies templates.
type Engine struct {
	cfg Config
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{cfg: cfg}, nil
}

// Validate runs semantic validation: every entity and permission set
// must resolve and every target selector must select at least one
// account. All failures are reported in one batch.
func (e *Engine) Validate(ctx context.Context, t *Template) error {
	if err := t.CheckStructure(); err != nil {
		return trace.Wrap(err)
	}
	var errors []error
	for i, block := range t.Assignments {
		refs, err := block.principals()
		if err != nil {
			errors = append(errors, trace.Wrap(err))
			continue
		}
		for _, ref := range refs {
			if _, err := e.cfg.Resolver.ResolvePrincipal(ctx, ref); err != nil {
				errors = append(errors, trace.Wrap(err, "assignment %d", i))
			}
		}
		for _, name := range block.PermissionSets {
			if _, err := e.resolvePermissionSet(ctx, name); err != nil {
				errors = append(errors, trace.Wrap(err, "assignment %d", i))
			}
		}
		if _, err := e.selectAccounts(ctx, &block); err != nil {
			errors = append(errors, trace.Wrap(err, "assignment %d", i))
		}
	}
	return trace.NewAggregate(errors...)
}

// Item is one planned addition.
type Item struct {
	// Assignment is the resolved triple.
	Assignment sso.Assignment
	// PrincipalName, PermissionSetName and AccountName are display
	// names for previews.
	PrincipalName     string
	PermissionSetName string
	AccountName       string
}

// Plan is the diff between the flattened template and live state.
type Plan struct {
	// TemplateName is the metadata name, recorded on the operation.
	TemplateName string
	// Items are the missing assignments the apply will create.
	Items []Item
	// AlreadyPresent counts triples the live state already has.
	AlreadyPresent int
	// Duplicates counts triples collapsed during flattening.
	Duplicates int
}

// Preview renders the diff.
func (p *Plan) Preview() string {
	table := asciitable.MakeTable([]string{"Principal", "Permission Set", "Account"})
	for _, item := range p.Items {
		table.AddRow([]string{
			item.PrincipalName,
			item.PermissionSetName,
			fmt.Sprintf("%s (%s)", item.AccountName, item.Assignment.AccountID),
		})
	}
	table.SortRowsBy(0, 1, 2)
	return table.String() + fmt.Sprintf("template %q: %d to create, %d already present, %d duplicate(s) collapsed\n",
		p.TemplateName, len(p.Items), p.AlreadyPresent, p.Duplicates)
}

// Plan flattens the template into (entity, permission set, account)
// triples, deduplicates them and diffs against live assignments. Only
// additions are planned; templates never revoke.
func (e *Engine) Plan(ctx context.Context, t *Template) (*Plan, error) {
	if err := t.CheckStructure(); err != nil {
		return nil, trace.Wrap(err)
	}
	plan := &Plan{TemplateName: t.Metadata.Name}

	seen := map[sso.Assignment]bool{}
	type pair struct{ permissionSetArn, accountID string }
	presentCache := map[pair]map[string]bool{}

	for i := range t.Assignments {
		block := &t.Assignments[i]
		refs, err := block.principals()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		accounts, err := e.selectAccounts(ctx, block)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, ref := range refs {
			principalID, err := e.cfg.Resolver.ResolvePrincipal(ctx, ref)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			for _, permissionSetRef := range block.PermissionSets {
				permissionSetArn, err := e.resolvePermissionSet(ctx, permissionSetRef)
				if err != nil {
					return nil, trace.Wrap(err)
				}
				for _, account := range accounts {
					assignment := sso.Assignment{
						PrincipalID:      principalID,
						PrincipalType:    ref.Type,
						PermissionSetArn: permissionSetArn,
						AccountID:        account.ID,
					}
					if seen[assignment] {
						plan.Duplicates++
						continue
					}
					seen[assignment] = true

					key := pair{permissionSetArn, account.ID}
					principals, ok := presentCache[key]
					if !ok {
						principals, err = e.listPrincipals(ctx, permissionSetArn, account.ID)
						if err != nil {
							return nil, trace.Wrap(err, "diffing assignments on account %v", account.ID)
						}
						presentCache[key] = principals
					}
					if principals[principalID] {
						plan.AlreadyPresent++
						continue
					}
					plan.Items = append(plan.Items, Item{
						Assignment:        assignment,
						PrincipalName:     ref.Name,
						PermissionSetName: permissionSetRef,
						AccountName:       account.Name,
					})
				}
			}
		}
	}
	log.InfoContext(ctx, "Planned template apply",
		"template", t.Metadata.Name,
		"items", len(plan.Items),
		"present", plan.AlreadyPresent,
		"duplicates", plan.Duplicates)
	return plan, nil
}

// Apply submits the planned additions and journals one template_apply
// operation. An empty plan appends nothing and returns nil.
func (e *Engine) Apply(ctx context.Context, plan *Plan, policy executor.Policy) (*oplog.Record, error) {
	if plan == nil {
		return nil, trace.BadParameter("missing template plan")
	}
	if len(plan.Items) == 0 {
		return nil, nil
	}

	record := &oplog.Record{
		ID:        uuid.NewString(),
		Kind:      oplog.KindTemplateApply,
		Timestamp: e.cfg.Clock.Now().UTC(),
		Profile:   e.cfg.Profile,
		Metadata: map[string]string{
			oplog.MetaDirection: string(sso.DirectionAssign),
			"template":          plan.TemplateName,
		},
	}
	nameOf := make(map[string]string, len(plan.Items))
	for _, item := range plan.Items {
		nameOf[item.Assignment.AccountID] = item.AccountName
	}
	cancelled := false
	for _, group := range groupItems(plan.Items) {
		task := executor.Task{
			PrincipalID:       group.principalID,
			PrincipalType:     group.principalType,
			PrincipalName:     group.principalName,
			PermissionSetArn:  group.permissionSetArn,
			PermissionSetName: group.permissionSetName,
			Direction:         sso.DirectionAssign,
			AccountIDs:        group.accountIDs,
		}
		result, err := e.cfg.Executor.Execute(ctx, task, policy)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		// The journaled account set mirrors the processed records so an
		// interrupted apply records exactly what ran.
		for _, rec := range result.Records {
			record.AccountIDs = append(record.AccountIDs, rec.AccountID)
			record.AccountNames = append(record.AccountNames, nameOf[rec.AccountID])
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
	if err := e.cfg.Store.Append(ctx, record); err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(ctx, "Template applied",
		"operation_id", record.ID,
		"template", plan.TemplateName,
		"results", len(record.Results),
		"cancelled", cancelled)
	return record, nil
}

// resolvePermissionSet accepts a display name or a full ARN.
func (e *Engine) resolvePermissionSet(ctx context.Context, ref string) (string, error) {
	if len(ref) > 4 && ref[:4] == "arn:" {
		return ref, nil
	}
	arn, err := e.cfg.Resolver.ResolvePermissionSet(ctx, ref)
	return arn, trace.Wrap(err)
}

// selectAccounts evaluates the block targets against the organization
// snapshot.
func (e *Engine) selectAccounts(ctx context.Context, block *Block) ([]sso.Account, error) {
	filter, err := accountfilter.Parse(block.filterExpression())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	snapshot, err := e.cfg.Org.Accounts(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	accounts := filter.Select(snapshot)
	if len(accounts) == 0 {
		return nil, trace.NotFound("targets select no accounts")
	}
	return accounts, nil
}

func (e *Engine) listPrincipals(ctx context.Context, permissionSetArn, accountID string) (map[string]bool, error) {
	principals := map[string]bool{}
	var nextToken *string
	for {
		var out *ssoadmin.ListAccountAssignmentsOutput
		_, err := retryutils.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
			var callErr error
			out, callErr = e.cfg.SSOAdmin.ListAccountAssignments(ctx, &ssoadmin.ListAccountAssignmentsInput{
				InstanceArn:      aws.String(e.cfg.InstanceArn),
				AccountId:        aws.String(accountID),
				PermissionSetArn: aws.String(permissionSetArn),
				NextToken:        nextToken,
			})
			return callErr
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, assignment := range out.AccountAssignments {
			principals[aws.ToString(assignment.PrincipalId)] = true
		}
		if out.NextToken == nil {
			return principals, nil
		}
		nextToken = out.NextToken
	}
}

type itemGroup struct {
	principalID       string
	principalType     sso.PrincipalType
	principalName     string
	permissionSetArn  string
	permissionSetName string
	accountIDs        []string
}

func groupItems(items []Item) []*itemGroup {
	var groups []*itemGroup
	index := map[string]*itemGroup{}
	for _, item := range items {
		key := item.Assignment.PrincipalID + "|" + item.Assignment.PermissionSetArn
		group, ok := index[key]
		if !ok {
			group = &itemGroup{
				principalID:       item.Assignment.PrincipalID,
				principalType:     item.Assignment.PrincipalType,
				principalName:     item.PrincipalName,
				permissionSetArn:  item.Assignment.PermissionSetArn,
				permissionSetName: item.PermissionSetName,
			}
			index[key] = group
			groups = append(groups, group)
		}
		group.accountIDs = append(group.accountIDs, item.Assignment.AccountID)
	}
	return groups
}
