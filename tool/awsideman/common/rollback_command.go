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
	"strconv"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/gravitational/trace"

	"github.com/gravitational/awsideman/lib/asciitable"
	"github.com/gravitational/awsideman/lib/bulk"
	"github.com/gravitational/awsideman/lib/executor"
	"github.com/gravitational/awsideman/lib/oplog"
	"github.com/gravitational/awsideman/lib/rollback"
	"github.com/gravitational/awsideman/lib/sso"
)

// RollbackCommand lists journaled operations and reverses them.
type RollbackCommand struct {
	config *GlobalFlags

	days          int
	principal     string
	permissionSet string
	kind          string

	operationID string
	dryRun      bool
	batchSize   int
	yes         bool

	listCmd  *kingpin.CmdClause
	applyCmd *kingpin.CmdClause
}

// Initialize registers the rollback command family.
func (c *RollbackCommand) Initialize(app *kingpin.Application, cfg *GlobalFlags) {
	c.config = cfg

	rollbackCmd := app.Command("rollback", "Inspect and reverse past operations.")

	c.listCmd = rollbackCmd.Command("list", "List journaled operations, newest first.")
	c.listCmd.Flag("days", "Only show operations from the last N days.").Default("30").IntVar(&c.days)
	c.listCmd.Flag("principal", "Filter by principal name or id.").StringVar(&c.principal)
	c.listCmd.Flag("permission-set", "Filter by permission set name or ARN.").StringVar(&c.permissionSet)
	c.listCmd.Flag("type", "Filter by operation type, e.g. assign or bulk_revoke.").StringVar(&c.kind)

	c.applyCmd = rollbackCmd.Command("apply", "Reverse a journaled operation.")
	c.applyCmd.Arg("operation-id", "Operation to roll back.").Required().StringVar(&c.operationID)
	c.applyCmd.Flag("dry-run", "Show the rollback plan without applying it.").BoolVar(&c.dryRun)
	c.applyCmd.Flag("batch-size", "Worker pool size override.").IntVar(&c.batchSize)
	c.applyCmd.Flag("yes", "Skip the confirmation prompt.").BoolVar(&c.yes)
}

// TryRun executes the command if it matches.
func (c *RollbackCommand) TryRun(ctx context.Context, env *Env, cmd string) (bool, int, error) {
	switch cmd {
	case c.listCmd.FullCommand():
		code, err := c.list(ctx, env)
		return true, code, trace.Wrap(err)
	case c.applyCmd.FullCommand():
		code, err := c.apply(ctx, env)
		return true, code, trace.Wrap(err)
	}
	return false, 0, nil
}

func (c *RollbackCommand) list(ctx context.Context, env *Env) (int, error) {
	store, err := env.Store(ctx)
	if err != nil {
		return ExitSystem, trace.Wrap(err)
	}
	if env.Config.RetentionDays > 0 {
		cutoff := time.Now().Add(-time.Duration(env.Config.RetentionDays) * 24 * time.Hour)
		if removed, err := store.Sweep(ctx, cutoff); err == nil && removed > 0 {
			fmt.Fprintf(env.Stdout, "Expired %d operation(s) past the %d day retention.\n",
				removed, env.Config.RetentionDays)
		}
	}
	filter := oplog.Filter{
		Principal:     c.principal,
		PermissionSet: c.permissionSet,
	}
	if c.days > 0 {
		filter.Since = time.Now().Add(-time.Duration(c.days) * 24 * time.Hour)
	}
	if c.kind != "" {
		filter.Kinds = []oplog.Kind{oplog.Kind(c.kind)}
	}
	records, err := store.List(ctx, filter)
	if err != nil {
		return ExitSystem, trace.Wrap(err)
	}
	if len(records) == 0 {
		fmt.Fprintln(env.Stdout, "No matching operations.")
		return ExitSuccess, nil
	}

	table := asciitable.MakeTable([]string{"Operation ID", "When", "Type", "Principal", "Permission Set", "Accounts", "Status"})
	for _, record := range records {
		status := summarizeOutcomes(record)
		if record.RolledBack {
			status = "rolled back"
		}
		table.AddRow([]string{
			record.ID,
			humanize.Time(record.Timestamp),
			string(record.Kind),
			c.principalLabel(ctx, env, record),
			c.permissionSetLabel(ctx, env, record),
			strconv.Itoa(len(record.AccountIDs)),
			status,
		})
	}
	fmt.Fprintln(env.Stdout, table.String())
	return ExitSuccess, nil
}

// principalLabel prefers the recorded display name, falling back to a
// best-effort reverse resolution of the id.
func (c *RollbackCommand) principalLabel(ctx context.Context, env *Env, record *oplog.Record) string {
	if record.PrincipalName != "" {
		return record.PrincipalName
	}
	if record.PrincipalID == "" {
		return ""
	}
	if res, err := env.Resolver(ctx); err == nil {
		if name, err := res.PrincipalName(ctx, record.PrincipalType, record.PrincipalID); err == nil {
			return name
		}
	}
	return record.PrincipalID
}

func (c *RollbackCommand) permissionSetLabel(ctx context.Context, env *Env, record *oplog.Record) string {
	if record.PermissionSetName != "" {
		return record.PermissionSetName
	}
	if record.PermissionSetArn == "" {
		return ""
	}
	if res, err := env.Resolver(ctx); err == nil {
		if name, err := res.PermissionSetName(ctx, record.PermissionSetArn); err == nil {
			return name
		}
	}
	return record.PermissionSetArn
}

// summarizeOutcomes condenses a record's results into one cell.
func summarizeOutcomes(record *oplog.Record) string {
	var succeeded, skipped, failed int
	for _, result := range record.Results {
		switch {
		case result.Outcome == sso.OutcomeFailed:
			failed++
		case result.Outcome.Skipped():
			skipped++
		default:
			succeeded++
		}
	}
	if failed > 0 {
		return fmt.Sprintf("%d ok, %d failed", succeeded+skipped, failed)
	}
	if record.Metadata[oplog.MetaIncomplete] == "true" {
		return "incomplete"
	}
	return "ok"
}

func (c *RollbackCommand) apply(ctx context.Context, env *Env) (int, error) {
	processor, err := env.Rollback(ctx)
	if err != nil {
		return ExitSystem, trace.Wrap(err)
	}
	plan, err := processor.Plan(ctx, c.operationID, rollback.Options{
		Concurrency: c.batchSize,
	})
	if err != nil {
		return ExitValidation, trace.Wrap(err)
	}

	c.printPlan(env, plan)
	if c.dryRun {
		fmt.Fprintln(env.Stdout, "Dry run, no changes made.")
		return ExitSuccess, nil
	}
	if !c.yes && !env.Confirm("Proceed with rollback?") {
		fmt.Fprintln(env.Stdout, "Cancelled.")
		return ExitValidation, nil
	}

	record, err := processor.Execute(ctx, plan, executor.Policy{
		ContinueOnError: env.Config.ContinueOnErrorEnabled(),
		MaxConcurrent:   c.batchSize,
		AccountTimeout:  env.Config.AccountTimeout(),
	})
	if err != nil {
		return ExitFailure, trace.Wrap(err)
	}

	if plan.DeletePermissionSetArn != "" {
		fmt.Fprintf(env.Stdout, "Deleted permission set %s\n", plan.DeletePermissionSetArn)
	} else {
		fmt.Fprint(env.Stdout, bulk.Summarize(record))
	}
	fmt.Fprintf(env.Stdout, "Rollback operation ID: %s\n", record.ID)
	for _, result := range record.Results {
		if result.Outcome == sso.OutcomeFailed {
			return ExitFailure, nil
		}
	}
	return ExitSuccess, nil
}

func (c *RollbackCommand) printPlan(env *Env, plan *rollback.Plan) {
	fmt.Fprintf(env.Stdout, "Rolling back %s %s from %s (%s)\n",
		plan.Operation.Kind, plan.Operation.ID,
		humanize.Time(plan.Operation.Timestamp),
		plan.Operation.Timestamp.Format(time.RFC3339))
	if plan.DeletePermissionSetArn != "" {
		fmt.Fprintf(env.Stdout, "Will delete the cloned permission set %s (no assignments exist).\n",
			plan.DeletePermissionSetArn)
		return
	}
	for _, warning := range plan.Warnings {
		env.Warnf("%s: %s", warning.AccountID, warning.Message)
	}
	pending := plan.Pending()
	fmt.Fprintf(env.Stdout, "%d action(s) to %s, %d skipped, estimated %s.\n",
		len(pending), plan.Direction, len(plan.Actions)-len(pending),
		plan.EstimatedDuration.Round(time.Second))
}
