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
	"github.com/gravitational/awsideman/lib/copier"
	"github.com/gravitational/awsideman/lib/executor"
	"github.com/gravitational/awsideman/lib/sso"
)

// CopyCommand copies every assignment one principal holds to another.
type CopyCommand struct {
	config *GlobalFlags

	from                  string
	to                    string
	includePermissionSets []string
	excludePermissionSets []string
	includeAccounts       []string
	excludeAccounts       []string
	preview               bool
	force                 bool

	copyCmd *kingpin.CmdClause
}

// Initialize registers the copy command.
func (c *CopyCommand) Initialize(app *kingpin.Application, cfg *GlobalFlags) {
	c.config = cfg

	c.copyCmd = app.Command("copy", "Copy all assignments from one principal to another.")
	c.copyCmd.Flag("from", "Source principal reference.").Required().StringVar(&c.from)
	c.copyCmd.Flag("to", "Target principal reference.").Required().StringVar(&c.to)
	c.copyCmd.Flag("include-permission-set", "Only copy these permission sets. Repeatable.").StringsVar(&c.includePermissionSets)
	c.copyCmd.Flag("exclude-permission-set", "Skip these permission sets. Repeatable.").StringsVar(&c.excludePermissionSets)
	c.copyCmd.Flag("include-account", "Only copy assignments on these accounts. Repeatable.").StringsVar(&c.includeAccounts)
	c.copyCmd.Flag("exclude-account", "Skip assignments on these accounts. Repeatable.").StringsVar(&c.excludeAccounts)
	c.copyCmd.Flag("preview", "Show the plan without applying it.").BoolVar(&c.preview)
	c.copyCmd.Flag("force", "Skip the confirmation prompt.").BoolVar(&c.force)
}

// TryRun executes the command if it matches.
func (c *CopyCommand) TryRun(ctx context.Context, env *Env, cmd string) (bool, int, error) {
	if cmd != c.copyCmd.FullCommand() {
		return false, 0, nil
	}
	code, err := c.run(ctx, env)
	return true, code, trace.Wrap(err)
}

func (c *CopyCommand) run(ctx context.Context, env *Env) (int, error) {
	from, err := sso.ParsePrincipalRef(c.from)
	if err != nil {
		return ExitValidation, trace.Wrap(err)
	}
	to, err := sso.ParsePrincipalRef(c.to)
	if err != nil {
		return ExitValidation, trace.Wrap(err)
	}

	cp, err := env.Copier(ctx)
	if err != nil {
		return ExitSystem, trace.Wrap(err)
	}
	plan, err := cp.PlanCopy(ctx, from, to, copier.CopyFilters{
		IncludePermissionSets: c.includePermissionSets,
		ExcludePermissionSets: c.excludePermissionSets,
		IncludeAccounts:       c.includeAccounts,
		ExcludeAccounts:       c.excludeAccounts,
	})
	if err != nil {
		return ExitValidation, trace.Wrap(err)
	}

	fmt.Fprint(env.Stdout, plan.Preview())
	if c.preview {
		return ExitSuccess, nil
	}
	if len(plan.Items) == 0 {
		fmt.Fprintln(env.Stdout, "Nothing to copy.")
		return ExitSuccess, nil
	}
	if !c.force && !env.Confirm(fmt.Sprintf("Copy %d assignment(s) to %s?", len(plan.Items), to.String())) {
		fmt.Fprintln(env.Stdout, "Cancelled.")
		return ExitValidation, nil
	}

	record, err := cp.ExecuteCopy(ctx, plan, executor.Policy{
		ContinueOnError: env.Config.ContinueOnErrorEnabled(),
		MaxConcurrent:   env.Config.MaxConcurrentAccounts,
		AccountTimeout:  env.Config.AccountTimeout(),
	})
	if err != nil {
		return ExitFailure, trace.Wrap(err)
	}

	fmt.Fprint(env.Stdout, bulk.Summarize(record))
	if record != nil {
		fmt.Fprintf(env.Stdout, "Operation ID: %s\n", record.ID)
		for _, result := range record.Results {
			if result.Outcome == sso.OutcomeFailed {
				return ExitFailure, nil
			}
		}
	}
	return ExitSuccess, nil
}

// CloneCommand duplicates a permission set, policies included.
type CloneCommand struct {
	config *GlobalFlags

	source      string
	target      string
	description string
	preview     bool
	force       bool

	cloneCmd *kingpin.CmdClause
}

// Initialize registers the clone command.
func (c *CloneCommand) Initialize(app *kingpin.Application, cfg *GlobalFlags) {
	c.config = cfg

	c.cloneCmd = app.Command("clone", "Clone a permission set with its policies and settings.")
	c.cloneCmd.Flag("name", "Source permission set name.").Required().StringVar(&c.source)
	c.cloneCmd.Flag("to", "Name for the new permission set.").Required().StringVar(&c.target)
	c.cloneCmd.Flag("description", "Description override for the new permission set.").StringVar(&c.description)
	c.cloneCmd.Flag("preview", "Show the plan without creating anything.").BoolVar(&c.preview)
	c.cloneCmd.Flag("force", "Skip the confirmation prompt.").BoolVar(&c.force)
}

// TryRun executes the command if it matches.
func (c *CloneCommand) TryRun(ctx context.Context, env *Env, cmd string) (bool, int, error) {
	if cmd != c.cloneCmd.FullCommand() {
		return false, 0, nil
	}
	code, err := c.run(ctx, env)
	return true, code, trace.Wrap(err)
}

func (c *CloneCommand) run(ctx context.Context, env *Env) (int, error) {
	cp, err := env.Copier(ctx)
	if err != nil {
		return ExitSystem, trace.Wrap(err)
	}
	plan, err := cp.PlanClone(ctx, copier.CloneRequest{
		SourceName:  c.source,
		TargetName:  c.target,
		Description: c.description,
	})
	if err != nil {
		return ExitValidation, trace.Wrap(err)
	}

	fmt.Fprint(env.Stdout, plan.Preview())
	if c.preview {
		return ExitSuccess, nil
	}
	if !c.force && !env.Confirm(fmt.Sprintf("Create permission set %s?", c.target)) {
		fmt.Fprintln(env.Stdout, "Cancelled.")
		return ExitValidation, nil
	}

	record, err := cp.ExecuteClone(ctx, plan)
	if err != nil {
		return ExitFailure, trace.Wrap(err)
	}
	fmt.Fprintf(env.Stdout, "Created %s (%s)\n", c.target, record.PermissionSetArn)
	fmt.Fprintf(env.Stdout, "Operation ID: %s\n", record.ID)
	return ExitSuccess, nil
}
