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

package common

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/awsideman/lib/accountfilter"
	"github.com/gravitational/awsideman/lib/asciitable"
	"github.com/gravitational/awsideman/lib/bulk"
	"github.com/gravitational/awsideman/lib/executor"
	"github.com/gravitational/awsideman/lib/oplog"
	"github.com/gravitational/awsideman/lib/sso"
)

// AssignCommand implements the assign and revoke commands: one
// principal, one permission set, any number of accounts.
type AssignCommand struct {
	config *GlobalFlags

	principal     string
	permissionSet string
	accounts      string
	force         bool
	dryRun        bool

	assignCmd *kingpin.CmdClause
	revokeCmd *kingpin.CmdClause
}

// Initialize registers the assign and revoke commands.
func (c *AssignCommand) Initialize(app *kingpin.Application, cfg *GlobalFlags) {
	c.config = cfg

	c.assignCmd = app.Command("assign", "Assign a permission set to a principal on the selected accounts.")
	c.revokeCmd = app.Command("revoke", "Revoke a permission set from a principal on the selected accounts.")
	for _, cmd := range []*kingpin.CmdClause{c.assignCmd, c.revokeCmd} {
		cmd.Arg("principal", "Principal reference, e.g. user:alice@example.com or group:Engineering.").Required().StringVar(&c.principal)
		cmd.Arg("permission-set", "Permission set name or ARN.").Required().StringVar(&c.permissionSet)
		cmd.Flag("accounts", "Account selector: an account id, an account name, or a filter expression such as 'tag:Environment=production'.").Required().StringVar(&c.accounts)
		cmd.Flag("force", "Skip the confirmation prompt.").BoolVar(&c.force)
		cmd.Flag("dry-run", "Show what would change without doing it.").BoolVar(&c.dryRun)
	}
}

// TryRun executes the command if it matches.
func (c *AssignCommand) TryRun(ctx context.Context, env *Env, cmd string) (bool, int, error) {
	switch cmd {
	case c.assignCmd.FullCommand():
		code, err := c.run(ctx, env, sso.DirectionAssign)
		return true, code, trace.Wrap(err)
	case c.revokeCmd.FullCommand():
		code, err := c.run(ctx, env, sso.DirectionRevoke)
		return true, code, trace.Wrap(err)
	}
	return false, 0, nil
}

func (c *AssignCommand) run(ctx context.Context, env *Env, direction sso.Direction) (int, error) {
	ref, err := sso.ParsePrincipalRef(c.principal)
	if err != nil {
		return ExitValidation, trace.Wrap(err)
	}
	res, err := env.Resolver(ctx)
	if err != nil {
		return ExitSystem, trace.Wrap(err)
	}
	principalID, err := res.ResolvePrincipal(ctx, ref)
	if err != nil {
		return ExitValidation, trace.Wrap(err)
	}
	permissionSetArn := c.permissionSet
	if !strings.HasPrefix(permissionSetArn, "arn:") {
		permissionSetArn, err = res.ResolvePermissionSet(ctx, c.permissionSet)
		if err != nil {
			return ExitValidation, trace.Wrap(err)
		}
	}
	permissionSetName, err := res.PermissionSetName(ctx, permissionSetArn)
	if err != nil {
		permissionSetName = permissionSetArn
	}

	accounts, err := selectAccounts(ctx, env, c.accounts)
	if err != nil {
		return ExitValidation, trace.Wrap(err)
	}

	verb := "Assign"
	if direction == sso.DirectionRevoke {
		verb = "Revoke"
	}
	fmt.Fprintf(env.Stdout, "%s %s %s %s on %d account(s):\n",
		verb, permissionSetName, directionPreposition(direction), ref.String(), len(accounts))
	if ref.Type == sso.PrincipalTypeGroup {
		// Best effort; the preview still renders if the directory call
		// fails.
		if members, err := res.GroupMemberCount(ctx, principalID); err == nil {
			fmt.Fprintf(env.Stdout, "Group %s has %d member(s).\n", ref.Name, members)
		}
	}
	table := asciitable.MakeTable([]string{"Account ID", "Account Name"})
	accountIDs := make([]string, 0, len(accounts))
	nameOf := make(map[string]string, len(accounts))
	for _, account := range accounts {
		accountIDs = append(accountIDs, account.ID)
		nameOf[account.ID] = account.Name
		table.AddRow([]string{account.ID, account.Name})
	}
	fmt.Fprintln(env.Stdout, table.String())

	if c.dryRun {
		fmt.Fprintln(env.Stdout, "Dry run, no changes made.")
		return ExitSuccess, nil
	}
	if !c.force && !env.Confirm("Proceed?") {
		fmt.Fprintln(env.Stdout, "Cancelled.")
		return ExitValidation, nil
	}

	exec, err := env.Executor(ctx)
	if err != nil {
		return ExitSystem, trace.Wrap(err)
	}
	task := executor.Task{
		PrincipalID:       principalID,
		PrincipalType:     ref.Type,
		PrincipalName:     ref.Name,
		PermissionSetArn:  permissionSetArn,
		PermissionSetName: permissionSetName,
		Direction:         direction,
		AccountIDs:        accountIDs,
	}
	result, err := exec.Execute(ctx, task, executor.Policy{
		ContinueOnError: env.Config.ContinueOnErrorEnabled(),
		MaxConcurrent:   env.Config.MaxConcurrentAccounts,
		AccountTimeout:  env.Config.AccountTimeout(),
	})
	if err != nil {
		return ExitFailure, trace.Wrap(err)
	}

	kind := oplog.KindAssign
	if direction == sso.DirectionRevoke {
		kind = oplog.KindRevoke
	}
	record := &oplog.Record{
		ID:                result.OperationID,
		Kind:              kind,
		Timestamp:         time.Now().UTC(),
		Profile:           env.Config.Profile,
		PrincipalID:       principalID,
		PrincipalType:     ref.Type,
		PrincipalName:     ref.Name,
		PermissionSetArn:  permissionSetArn,
		PermissionSetName: permissionSetName,
		Results:           result.Records,
		Metadata:          map[string]string{oplog.MetaDirection: string(direction)},
	}
	// Journal only the accounts the executor actually processed so the
	// account set always lines up with the results, cancelled or not.
	for _, rec := range result.Records {
		record.AccountIDs = append(record.AccountIDs, rec.AccountID)
		record.AccountNames = append(record.AccountNames, nameOf[rec.AccountID])
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if result.Cancelled {
		record.Metadata[oplog.MetaCancelled] = "true"
		record.Metadata[oplog.MetaIncomplete] = "true"
	}
	store, err := env.Store(ctx)
	if err != nil {
		return ExitSystem, trace.Wrap(err)
	}
	if err := store.Append(ctx, record); err != nil {
		return ExitSystem, trace.Wrap(err)
	}

	fmt.Fprint(env.Stdout, bulk.Summarize(record))
	fmt.Fprintf(env.Stdout, "Operation ID: %s\n", record.ID)
	if len(result.Failed()) > 0 || result.Cancelled {
		return ExitFailure, nil
	}
	return ExitSuccess, nil
}

func directionPreposition(direction sso.Direction) string {
	if direction == sso.DirectionRevoke {
		return "from"
	}
	return "to"
}

// selectAccounts expands an account selector into concrete accounts.
// Filter expressions go through the organization snapshot; a bare id
// or name resolves to a single account.
func selectAccounts(ctx context.Context, env *Env, selector string) ([]sso.Account, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil, trace.BadParameter("missing account selector")
	}
	if isFilterSelector(selector) {
		filter, err := accountfilter.Parse(selector)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		org, err := env.Org(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		snap, err := org.Accounts(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		accounts := filter.Select(snap)
		if len(accounts) == 0 {
			return nil, trace.NotFound("no accounts match %q", selector)
		}
		return accounts, nil
	}
	if isAccountID(selector) {
		return []sso.Account{{ID: selector}}, nil
	}
	res, err := env.Resolver(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	id, err := res.ResolveAccount(ctx, selector)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return []sso.Account{{ID: id, Name: selector}}, nil
}

func isFilterSelector(selector string) bool {
	if selector == "*" {
		return true
	}
	for _, prefix := range []string{"tag:", "ou:", "id:", "name:"} {
		if strings.HasPrefix(selector, prefix) {
			return true
		}
	}
	return strings.ContainsAny(selector, " ()")
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
