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

// Package bulk runs file-driven assignment changes: parse, resolve,
// expand account filters, deduplicate, preview and execute.
package bulk

import (
	"context"
	"fmt"
	"strconv"
	"strings"

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

var log = logutils.NewPackageLogger(awsideman.ComponentKey, awsideman.ComponentBulk)

// Item is one resolved assignment change.
type Item struct {
	// Assignment is the resolved triple.
	Assignment sso.Assignment
	// PrincipalName, PermissionSetName and AccountName are the display
	// names shown in previews.
	PrincipalName     string
	PermissionSetName string
	AccountName       string
	// Conflict marks items whose target state was already observed
	// during the preview probe.
	Conflict bool
}

// RecordError attaches a resolution failure to the input row it came
// from.
type RecordError struct {
	// Row is the offending input row.
	Row int
	// Err is the resolution failure, usually an UnresolvedEntityError.
	Err error
}

// Plan is the resolved, deduplicated change set ready for preview and
// execution.
type Plan struct {
	// Direction is assign or revoke for every item.
	Direction sso.Direction
	// Items are the deduplicated resolved triples.
	Items []Item
	// Errors lists rows that failed resolution. Non-empty only under
	// continue-on-error.
	Errors []RecordError
	// Duplicates counts input triples collapsed during deduplication.
	Duplicates int
}

// Conflicts counts items already in the target state.
func (p *Plan) Conflicts() int {
	n := 0
	for _, item := range p.Items {
		if item.Conflict {
			n++
		}
	}
	return n
}

// Preview renders the plan as a table, sorted by principal then
// account.
func (p *Plan) Preview() string {
	table := asciitable.MakeTable([]string{"Principal", "Type", "Permission Set", "Account", "State"})
	for _, item := range p.Items {
		state := "pending"
		if item.Conflict {
			if p.Direction == sso.DirectionAssign {
				state = "already assigned"
			} else {
				state = "already absent"
			}
		}
		table.AddRow([]string{
			item.PrincipalName,
			string(item.Assignment.PrincipalType),
			item.PermissionSetName,
			fmt.Sprintf("%s (%s)", item.AccountName, item.Assignment.AccountID),
			state,
		})
	}
	table.SortRowsBy(0, 3)

	summary := fmt.Sprintf("%d change(s), %d duplicate(s) collapsed, %d conflict(s), %d error(s)\n",
		len(p.Items), p.Duplicates, p.Conflicts(), len(p.Errors))
	return table.String() + summary
}

// Config configures a Pipeline.
type Config struct {
	// Profile is recorded on operations.
	Profile string
	// Resolver translates names to identifiers.
	Resolver *resolver.Resolver
	// Org supplies the account snapshot for filter expansion.
	Org *orgcache.OrgCache
	// Executor dispatches the changes.
	Executor *executor.Executor
	// Store is the operation journal.
	Store oplog.Store
	// SSOAdmin backs the read-only conflict probe.
	SSOAdmin awsapi.SSOAdmin
	// InstanceArn is the Identity Center instance.
	InstanceArn string
	// Retry wraps the probe reads.
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

// Pipeline prepares and executes bulk changes.
type Pipeline struct {
	cfg Config
}

// New creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pipeline{cfg: cfg}, nil
}

// Prepare resolves, expands and deduplicates the parsed records into an
// executable plan. With continueOnError, rows that fail resolution are
// carried as plan errors; otherwise any failure aborts with an
// aggregate of every failed row.
func (p *Pipeline) Prepare(ctx context.Context, direction sso.Direction, records []RawRecord, continueOnError bool) (*Plan, error) {
	if direction != sso.DirectionAssign && direction != sso.DirectionRevoke {
		return nil, trace.BadParameter("unknown direction %q", direction)
	}
	plan := &Plan{Direction: direction}

	seen := map[sso.Assignment]bool{}
	for _, record := range records {
		items, err := p.resolveRecord(ctx, record)
		if err != nil {
			plan.Errors = append(plan.Errors, RecordError{Row: record.Row, Err: err})
			continue
		}
		for _, item := range items {
			if seen[item.Assignment] {
				plan.Duplicates++
				continue
			}
			seen[item.Assignment] = true
			plan.Items = append(plan.Items, item)
		}
	}
	if len(plan.Errors) > 0 && !continueOnError {
		errors := make([]error, 0, len(plan.Errors))
		for _, recordErr := range plan.Errors {
			errors = append(errors, trace.Wrap(recordErr.Err, "row %d", recordErr.Row))
		}
		return nil, trace.NewAggregate(errors...)
	}

	if err := p.probeConflicts(ctx, plan); err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(ctx, "Prepared bulk plan",
		"direction", direction,
		"items", len(plan.Items),
		"duplicates", plan.Duplicates,
		"conflicts", plan.Conflicts(),
		"errors", len(plan.Errors))
	return plan, nil
}

// resolveRecord turns one input row into one or more resolved items,
// expanding account filter expressions against the organization
// snapshot.
func (p *Pipeline) resolveRecord(ctx context.Context, record RawRecord) ([]Item, error) {
	principalID := record.PrincipalID
	principalName := record.PrincipalName
	var err error
	if principalID == "" {
		principalID, err = p.cfg.Resolver.ResolvePrincipal(ctx, sso.PrincipalRef{
			Type: record.PrincipalType,
			Name: record.PrincipalName,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	} else if principalName == "" {
		principalName = principalID
	}

	permissionSetArn := record.PermissionSetArn
	permissionSetName := record.PermissionSetName
	if permissionSetArn == "" {
		permissionSetArn, err = p.cfg.Resolver.ResolvePermissionSet(ctx, record.PermissionSetName)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	} else if permissionSetName == "" {
		permissionSetName = permissionSetArn
	}

	accounts, err := p.expandAccounts(ctx, record)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	items := make([]Item, 0, len(accounts))
	for _, account := range accounts {
		items = append(items, Item{
			Assignment: sso.Assignment{
				PrincipalID:      principalID,
				PrincipalType:    record.PrincipalType,
				PermissionSetArn: permissionSetArn,
				AccountID:        account.ID,
			},
			PrincipalName:     principalName,
			PermissionSetName: permissionSetName,
			AccountName:       account.Name,
		})
	}
	return items, nil
}

// expandAccounts maps the record's account reference to concrete
// accounts: a pre-resolved id or plain 12-digit id passes through, a
// filter expression selects from the snapshot, anything else resolves
// as an account name.
func (p *Pipeline) expandAccounts(ctx context.Context, record RawRecord) ([]sso.Account, error) {
	if record.AccountID != "" {
		name := record.AccountName
		if name == "" {
			name = record.AccountID
		}
		return []sso.Account{{ID: record.AccountID, Name: name}}, nil
	}
	if isFilterExpression(record.AccountName) {
		filter, err := accountfilter.Parse(record.AccountName)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		snapshot, err := p.cfg.Org.Accounts(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		selected := filter.Select(snapshot)
		if len(selected) == 0 && !filter.IsWildcard() {
			return nil, trace.NotFound("account filter %q selects no accounts", record.AccountName)
		}
		// A wildcard over an empty organization is not an input error:
		// the run completes with zero submissions.
		return selected, nil
	}
	if isAccountID(record.AccountName) {
		return []sso.Account{{ID: record.AccountName, Name: record.AccountName}}, nil
	}
	id, err := p.cfg.Resolver.ResolveAccount(ctx, record.AccountName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return []sso.Account{{ID: id, Name: record.AccountName}}, nil
}

// probeConflicts marks items already in the target state using
// read-only assignment listings, one per (permission set, account)
// pair.
func (p *Pipeline) probeConflicts(ctx context.Context, plan *Plan) error {
	type pair struct{ permissionSetArn, accountID string }
	present := map[pair]map[string]bool{}

	for i := range plan.Items {
		item := &plan.Items[i]
		key := pair{item.Assignment.PermissionSetArn, item.Assignment.AccountID}
		principals, ok := present[key]
		if !ok {
			var err error
			principals, err = p.listPrincipals(ctx, key.permissionSetArn, key.accountID)
			if err != nil {
				return trace.Wrap(err, "probing assignments on account %v", key.accountID)
			}
			present[key] = principals
		}
		assigned := principals[item.Assignment.PrincipalID]
		item.Conflict = (plan.Direction == sso.DirectionAssign && assigned) ||
			(plan.Direction == sso.DirectionRevoke && !assigned)
	}
	return nil
}

func (p *Pipeline) listPrincipals(ctx context.Context, permissionSetArn, accountID string) (map[string]bool, error) {
	principals := map[string]bool{}
	var nextToken *string
	for {
		var out *ssoadmin.ListAccountAssignmentsOutput
		_, err := retryutils.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
			var callErr error
			out, callErr = p.cfg.SSOAdmin.ListAccountAssignments(ctx, &ssoadmin.ListAccountAssignmentsInput{
				InstanceArn:      aws.String(p.cfg.InstanceArn),
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

// Execute runs the plan through the executor and journals one bulk
// operation record. An empty plan appends nothing and returns nil.
func (p *Pipeline) Execute(ctx context.Context, plan *Plan, policy executor.Policy) (*oplog.Record, error) {
	if plan == nil {
		return nil, trace.BadParameter("missing bulk plan")
	}

	kind := oplog.KindBulkAssign
	if plan.Direction == sso.DirectionRevoke {
		kind = oplog.KindBulkRevoke
	}
	record := &oplog.Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: p.cfg.Clock.Now().UTC(),
		Profile:   p.cfg.Profile,
		Metadata: map[string]string{
			oplog.MetaDirection: string(plan.Direction),
		},
	}
	if len(plan.Errors) > 0 {
		record.Metadata["unresolved_rows"] = strconv.Itoa(len(plan.Errors))
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
			Direction:         plan.Direction,
			AccountIDs:        group.accountIDs,
		}
		result, err := p.cfg.Executor.Execute(ctx, task, policy)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		// Journal the processed accounts, not the submitted group: on a
		// cancelled run the record covers exactly what ran.
		for _, rec := range result.Records {
			record.AccountIDs = append(record.AccountIDs, rec.AccountID)
			record.AccountNames = append(record.AccountNames, nameOf[rec.AccountID])
		}
		record.Results = append(record.Results, result.Records...)
		if result.Cancelled {
			// Either stop-on-error tripped or the run context was
			// cancelled; later groups do not execute.
			cancelled = true
			break
		}
	}
	if cancelled {
		record.Metadata[oplog.MetaCancelled] = "true"
		record.Metadata[oplog.MetaIncomplete] = "true"
	}
	if len(plan.Items) == 1 {
		// Single-principal runs keep their names queryable.
		record.PrincipalID = plan.Items[0].Assignment.PrincipalID
		record.PrincipalType = plan.Items[0].Assignment.PrincipalType
		record.PrincipalName = plan.Items[0].PrincipalName
		record.PermissionSetArn = plan.Items[0].Assignment.PermissionSetArn
		record.PermissionSetName = plan.Items[0].PermissionSetName
	}

	if err := p.cfg.Store.Append(ctx, record); err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(ctx, "Bulk operation completed",
		"operation_id", record.ID,
		"kind", record.Kind,
		"results", len(record.Results),
		"cancelled", cancelled)
	return record, nil
}

// Summarize renders the post-execution result table.
func Summarize(record *oplog.Record) string {
	if record == nil {
		return "no changes attempted\n"
	}
	table := asciitable.MakeTable([]string{"Account", "Outcome", "Retries", "Duration", "Error"})
	counts := map[sso.Outcome]int{}
	for _, result := range record.Results {
		counts[result.Outcome]++
		table.AddRow([]string{
			result.AccountID,
			string(result.Outcome),
			strconv.Itoa(result.Retries),
			fmt.Sprintf("%dms", result.DurationMs),
			result.Error,
		})
	}
	table.SortRowsBy(0)
	return table.String() + fmt.Sprintf("operation %s: %d succeeded, %d skipped, %d failed\n",
		record.ID,
		counts[sso.OutcomeSucceeded],
		counts[sso.OutcomeSkippedPresent]+counts[sso.OutcomeSkippedAbsent],
		counts[sso.OutcomeFailed])
}

// ExitCode maps a run to the process exit status: 0 when every change
// succeeded or was an idempotent skip (a selector legitimately matching
// nothing counts as success), 1 when any change failed, 2 when nothing
// was attempted at all.
func ExitCode(plan *Plan, record *oplog.Record) int {
	if record == nil {
		return 2
	}
	for _, result := range record.Results {
		if result.Outcome == sso.OutcomeFailed {
			return 1
		}
	}
	if plan != nil && len(plan.Errors) > 0 {
		return 1
	}
	return 0
}

// itemGroup batches items sharing one (principal, permission set) pair
// into a single executor task.
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

// isFilterExpression reports whether an account reference should be
// expanded through the filter engine rather than resolved as a name.
func isFilterExpression(s string) bool {
	if s == "*" {
		return true
	}
	for _, prefix := range []string{"tag:", "ou:", "id:", "name:"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	// Compound expressions contain whitespace or parentheses.
	return strings.ContainsAny(s, " \t()")
}

// isAccountID reports whether s is a literal 12-digit account id.
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
