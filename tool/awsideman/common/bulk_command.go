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

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/awsideman/lib/bulk"
	"github.com/gravitational/awsideman/lib/executor"
	"github.com/gravitational/awsideman/lib/sso"
)

// BulkCommand implements bulk assign and bulk revoke from CSV or JSON
// files.
type BulkCommand struct {
	config *GlobalFlags

	file            string
	dryRun          bool
	continueOnError bool
	stopOnError     bool
	batchSize       int
	force           bool

	assignCmd *kingpin.CmdClause
	revokeCmd *kingpin.CmdClause
}

// Initialize registers the bulk command family.
func (c *BulkCommand) Initialize(app *kingpin.Application, cfg *GlobalFlags) {
	c.config = cfg

	bulkCmd := app.Command("bulk", "Bulk assignment operations from a file.")
	c.assignCmd = bulkCmd.Command("assign", "Assign permission sets listed in a CSV or JSON file.")
	c.revokeCmd = bulkCmd.Command("revoke", "Revoke permission sets listed in a CSV or JSON file.")
	for _, cmd := range []*kingpin.CmdClause{c.assignCmd, c.revokeCmd} {
		cmd.Arg("file", "Input file, .csv or .json.").Required().StringVar(&c.file)
		cmd.Flag("dry-run", "Resolve and preview without changing anything.").BoolVar(&c.dryRun)
		cmd.Flag("continue-on-error", "Keep going past individual failures.").BoolVar(&c.continueOnError)
		cmd.Flag("stop-on-error", "Stop at the first failure.").BoolVar(&c.stopOnError)
		cmd.Flag("batch-size", "Worker pool size override.").IntVar(&c.batchSize)
		cmd.Flag("force", "Skip the confirmation prompt.").BoolVar(&c.force)
	}
}

// TryRun executes the command if it matches.
func (c *BulkCommand) TryRun(ctx context.Context, env *Env, cmd string) (bool, int, error) {
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

func (c *BulkCommand) run(ctx context.Context, env *Env, direction sso.Direction) (int, error) {
	if c.continueOnError && c.stopOnError {
		return ExitValidation, trace.BadParameter("--continue-on-error and --stop-on-error are mutually exclusive")
	}
	continueOnError := env.Config.ContinueOnErrorEnabled()
	if c.continueOnError {
		continueOnError = true
	}
	if c.stopOnError {
		continueOnError = false
	}

	records, err := bulk.ParseFile(c.file)
	if err != nil {
		return ExitValidation, trace.Wrap(err)
	}

	pipeline, err := env.Bulk(ctx)
	if err != nil {
		return ExitSystem, trace.Wrap(err)
	}
	plan, err := pipeline.Prepare(ctx, direction, records, continueOnError)
	if err != nil {
		return ExitValidation, trace.Wrap(err)
	}

	fmt.Fprint(env.Stdout, plan.Preview())
	for _, planErr := range plan.Errors {
		env.Warnf("row %d: %v", planErr.Row, planErr.Err)
	}

	if c.dryRun {
		fmt.Fprintln(env.Stdout, "Dry run, no changes made.")
		if len(plan.Errors) > 0 {
			return ExitFailure, nil
		}
		return ExitSuccess, nil
	}
	if len(plan.Items) > 0 && !c.force && !env.Confirm(fmt.Sprintf("Apply %d change(s)?", len(plan.Items))) {
		fmt.Fprintln(env.Stdout, "Cancelled.")
		return ExitValidation, nil
	}

	record, err := pipeline.Execute(ctx, plan, executor.Policy{
		ContinueOnError: continueOnError,
		MaxConcurrent:   c.batchSize,
		AccountTimeout:  env.Config.AccountTimeout(),
	})
	if err != nil {
		return ExitFailure, trace.Wrap(err)
	}

	fmt.Fprint(env.Stdout, bulk.Summarize(record))
	if record != nil {
		fmt.Fprintf(env.Stdout, "Operation ID: %s\n", record.ID)
	}
	return bulk.ExitCode(plan, record), nil
}
