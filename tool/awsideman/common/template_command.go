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
	"github.com/gravitational/awsideman/lib/template"
)

// TemplateCommand validates, previews and applies assignment
// templates.
type TemplateCommand struct {
	config *GlobalFlags

	file   string
	dryRun bool
	force  bool

	validateCmd *kingpin.CmdClause
	previewCmd  *kingpin.CmdClause
	applyCmd    *kingpin.CmdClause
}

// Initialize registers the template command family.
func (c *TemplateCommand) Initialize(app *kingpin.Application, cfg *GlobalFlags) {
	c.config = cfg

	templateCmd := app.Command("template", "Assignment templates.")
	c.validateCmd = templateCmd.Command("validate", "Check a template's structure and resolve every entity in it.")
	c.previewCmd = templateCmd.Command("preview", "Show what applying a template would change.")
	c.applyCmd = templateCmd.Command("apply", "Apply a template, creating the missing assignments.")
	for _, cmd := range []*kingpin.CmdClause{c.validateCmd, c.previewCmd, c.applyCmd} {
		cmd.Arg("file", "Template file, .yaml or .json.").Required().StringVar(&c.file)
	}
	c.applyCmd.Flag("dry-run", "Alias for preview.").BoolVar(&c.dryRun)
	c.applyCmd.Flag("force", "Skip the confirmation prompt.").BoolVar(&c.force)
}

// TryRun executes the command if it matches.
func (c *TemplateCommand) TryRun(ctx context.Context, env *Env, cmd string) (bool, int, error) {
	switch cmd {
	case c.validateCmd.FullCommand():
		code, err := c.validate(ctx, env)
		return true, code, trace.Wrap(err)
	case c.previewCmd.FullCommand():
		code, err := c.preview(ctx, env)
		return true, code, trace.Wrap(err)
	case c.applyCmd.FullCommand():
		code, err := c.apply(ctx, env)
		return true, code, trace.Wrap(err)
	}
	return false, 0, nil
}

func (c *TemplateCommand) validate(ctx context.Context, env *Env) (int, error) {
	t, err := template.Parse(c.file)
	if err != nil {
		return ExitValidation, trace.Wrap(err)
	}
	engine, err := env.Template(ctx)
	if err != nil {
		return ExitSystem, trace.Wrap(err)
	}
	if err := engine.Validate(ctx, t); err != nil {
		return ExitValidation, trace.Wrap(err)
	}
	fmt.Fprintf(env.Stdout, "Template %q is valid: %d assignment block(s).\n",
		t.Metadata.Name, len(t.Assignments))
	return ExitSuccess, nil
}

func (c *TemplateCommand) preview(ctx context.Context, env *Env) (int, error) {
	_, code, err := c.plan(ctx, env)
	return code, trace.Wrap(err)
}

func (c *TemplateCommand) plan(ctx context.Context, env *Env) (*template.Plan, int, error) {
	t, err := template.Parse(c.file)
	if err != nil {
		return nil, ExitValidation, trace.Wrap(err)
	}
	engine, err := env.Template(ctx)
	if err != nil {
		return nil, ExitSystem, trace.Wrap(err)
	}
	plan, err := engine.Plan(ctx, t)
	if err != nil {
		return nil, ExitValidation, trace.Wrap(err)
	}
	fmt.Fprint(env.Stdout, plan.Preview())
	return plan, ExitSuccess, nil
}

func (c *TemplateCommand) apply(ctx context.Context, env *Env) (int, error) {
	plan, code, err := c.plan(ctx, env)
	if err != nil {
		return code, trace.Wrap(err)
	}
	if c.dryRun {
		fmt.Fprintln(env.Stdout, "Dry run, no changes made.")
		return ExitSuccess, nil
	}
	if len(plan.Items) == 0 {
		fmt.Fprintln(env.Stdout, "Nothing to do.")
		return ExitSuccess, nil
	}
	if !c.force && !env.Confirm(fmt.Sprintf("Create %d assignment(s)?", len(plan.Items))) {
		fmt.Fprintln(env.Stdout, "Cancelled.")
		return ExitValidation, nil
	}

	engine, err := env.Template(ctx)
	if err != nil {
		return ExitSystem, trace.Wrap(err)
	}
	record, err := engine.Apply(ctx, plan, executor.Policy{
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
