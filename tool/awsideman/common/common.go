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

// Package common implements the awsideman commands shared by the CLI
// entry point.
package common

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
	"github.com/gravitational/trace"

	"github.com/gravitational/awsideman"
	"github.com/gravitational/awsideman/lib/awsapi"
	"github.com/gravitational/awsideman/lib/bulk"
	"github.com/gravitational/awsideman/lib/cache"
	"github.com/gravitational/awsideman/lib/config"
	"github.com/gravitational/awsideman/lib/copier"
	"github.com/gravitational/awsideman/lib/defaults"
	"github.com/gravitational/awsideman/lib/executor"
	"github.com/gravitational/awsideman/lib/logutils"
	"github.com/gravitational/awsideman/lib/oplog"
	"github.com/gravitational/awsideman/lib/orgcache"
	"github.com/gravitational/awsideman/lib/resolver"
	"github.com/gravitational/awsideman/lib/retryutils"
	"github.com/gravitational/awsideman/lib/rollback"
	"github.com/gravitational/awsideman/lib/template"
)

var log = logutils.NewPackageLogger(awsideman.ComponentKey, awsideman.ComponentCLI)

// Process exit codes.
const (
	// ExitSuccess means every requested change landed.
	ExitSuccess = 0
	// ExitFailure means some or all changes failed.
	ExitFailure = 1
	// ExitValidation means nothing was attempted: bad input or the
	// user cancelled.
	ExitValidation = 2
	// ExitSystem means an unrecoverable system error.
	ExitSystem = 3
)

// CLICommand is implemented by every command family.
type CLICommand interface {
	// Initialize registers the family's subcommands on the
	// application.
	Initialize(app *kingpin.Application, cfg *GlobalFlags)
	// TryRun executes the selected command if it belongs to this
	// family. The returned exit code is meaningful only when match is
	// true and err is nil.
	TryRun(ctx context.Context, env *Env, cmd string) (match bool, code int, err error)
}

// GlobalFlags are the application-level flags every command sees.
type GlobalFlags struct {
	// ConfigPath points at an alternate configuration file.
	ConfigPath string
	// Profile overrides the configured credential profile.
	Profile string
	// Debug drops the log level to debug.
	Debug bool
}

// Env is the lazily built service stack handed to commands.
type Env struct {
	// Config is the loaded configuration.
	Config *config.Config
	// Clients caches AWS service clients per profile.
	Clients *awsapi.ClientCache
	// Stdout and Stdin carry command I/O, swappable in tests.
	Stdout io.Writer
	Stdin  io.Reader

	cacheBackend cache.Backend
	org          *orgcache.OrgCache
	resolver     *resolver.Resolver
	executor     *executor.Executor
	store        oplog.Store
	governor     *retryutils.Governor
}

// Retry returns the retry configuration derived from the loaded
// config.
func (e *Env) Retry() retryutils.Config {
	return retryutils.Config{
		Base:       defaults.RetryBase,
		Cap:        defaults.RetryCap,
		MaxRetries: e.Config.MaxRetries,
	}
}

// Cache returns the configured cache backend, building it on first
// use.
func (e *Env) Cache(ctx context.Context) (cache.Backend, error) {
	if e.cacheBackend != nil {
		return e.cacheBackend, nil
	}
	params := cache.Params{
		Config:  e.Config.Cache,
		Profile: e.Config.Profile,
	}
	if e.Config.Cache.Backend != "file" && e.Config.Cache.Backend != "" {
		dynamo, err := e.Clients.DynamoDB(ctx, e.clientProfile())
		if err != nil {
			return nil, trace.Wrap(err)
		}
		params.Dynamo = dynamo
	}
	backend, err := cache.New(ctx, params)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.cacheBackend = backend
	return backend, nil
}

// clientProfile maps the cache wildcard to real credentials.
func (e *Env) clientProfile() string {
	if e.Config.Profile == cache.WildcardProfile {
		return "default"
	}
	return e.Config.Profile
}

// Org returns the organization account cache.
func (e *Env) Org(ctx context.Context) (*orgcache.OrgCache, error) {
	if e.org != nil {
		return e.org, nil
	}
	organizations, err := e.Clients.Organizations(ctx, e.Config.Profile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	backend, err := e.Cache(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	org, err := orgcache.New(orgcache.Config{
		Profile: e.Config.Profile,
		Client:  organizations,
		Cache:   backend,
		Retry:   e.Retry(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.org = org
	return org, nil
}

// Resolver returns the entity resolver.
func (e *Env) Resolver(ctx context.Context) (*resolver.Resolver, error) {
	if e.resolver != nil {
		return e.resolver, nil
	}
	admin, err := e.Clients.SSOAdmin(ctx, e.Config.Profile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	directory, err := e.Clients.IdentityStore(ctx, e.Config.Profile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	org, err := e.Org(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	backend, err := e.Cache(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	res, err := resolver.New(resolver.Config{
		Profile:         e.Config.Profile,
		InstanceArn:     e.Config.InstanceArn,
		IdentityStoreID: e.Config.IdentityStoreID,
		SSOAdmin:        admin,
		IdentityStore:   directory,
		Org:             org,
		Cache:           backend,
		Retry:           e.Retry(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.resolver = res
	return res, nil
}

// Executor returns the assignment executor with its adaptive governor.
func (e *Env) Executor(ctx context.Context) (*executor.Executor, error) {
	if e.executor != nil {
		return e.executor, nil
	}
	admin, err := e.Clients.SSOAdmin(ctx, e.Config.Profile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ceiling := e.Config.MaxConcurrentAccounts
	if ceiling <= 0 {
		ceiling = defaults.WorkersForAccountCount(0)
	}
	e.governor = retryutils.NewGovernor(ceiling, nil)
	exec, err := executor.New(executor.Config{
		InstanceArn:    e.Config.InstanceArn,
		SSOAdmin:       admin,
		Retry:          e.Retry(),
		Governor:       e.governor,
		RateLimitDelay: e.Config.RateLimitDelay(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.executor = exec
	return exec, nil
}

// Store returns the operation journal, remote when an operations
// table is configured.
func (e *Env) Store(ctx context.Context) (oplog.Store, error) {
	if e.store != nil {
		return e.store, nil
	}
	if e.Config.OperationsTable != "" {
		dynamo, err := e.Clients.DynamoDB(ctx, e.clientProfile())
		if err != nil {
			return nil, trace.Wrap(err)
		}
		store, err := oplog.NewDynamoStore(oplog.DynamoStoreConfig{
			Client: dynamo,
			Table:  e.Config.OperationsTable,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		e.store = store
		return store, nil
	}
	store, err := oplog.NewFileStore(config.OperationsDir())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.store = store
	return store, nil
}

// Bulk returns a bulk pipeline wired to the env.
func (e *Env) Bulk(ctx context.Context) (*bulk.Pipeline, error) {
	res, err := e.Resolver(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	org, err := e.Org(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	exec, err := e.Executor(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	store, err := e.Store(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	admin, err := e.Clients.SSOAdmin(ctx, e.Config.Profile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pipeline, err := bulk.New(bulk.Config{
		Profile:     e.Config.Profile,
		Resolver:    res,
		Org:         org,
		Executor:    exec,
		Store:       store,
		SSOAdmin:    admin,
		InstanceArn: e.Config.InstanceArn,
		Retry:       e.Retry(),
	})
	return pipeline, trace.Wrap(err)
}

// Copier returns a copy/clone engine wired to the env.
func (e *Env) Copier(ctx context.Context) (*copier.Copier, error) {
	res, err := e.Resolver(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	exec, err := e.Executor(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	store, err := e.Store(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	admin, err := e.Clients.SSOAdmin(ctx, e.Config.Profile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c, err := copier.New(copier.Config{
		Profile:     e.Config.Profile,
		Resolver:    res,
		Executor:    exec,
		Store:       store,
		SSOAdmin:    admin,
		InstanceArn: e.Config.InstanceArn,
		Retry:       e.Retry(),
	})
	return c, trace.Wrap(err)
}

// Rollback returns a rollback processor wired to the env.
func (e *Env) Rollback(ctx context.Context) (*rollback.Processor, error) {
	exec, err := e.Executor(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	store, err := e.Store(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	admin, err := e.Clients.SSOAdmin(ctx, e.Config.Profile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	processor, err := rollback.New(rollback.Config{
		Profile:     e.Config.Profile,
		Store:       store,
		Executor:    exec,
		SSOAdmin:    admin,
		InstanceArn: e.Config.InstanceArn,
		Retry:       e.Retry(),
	})
	return processor, trace.Wrap(err)
}

// Template returns a template engine wired to the env.
func (e *Env) Template(ctx context.Context) (*template.Engine, error) {
	res, err := e.Resolver(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	org, err := e.Org(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	exec, err := e.Executor(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	store, err := e.Store(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	admin, err := e.Clients.SSOAdmin(ctx, e.Config.Profile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	engine, err := template.New(template.Config{
		Profile:     e.Config.Profile,
		Resolver:    res,
		Org:         org,
		Executor:    exec,
		Store:       store,
		SSOAdmin:    admin,
		InstanceArn: e.Config.InstanceArn,
		Retry:       e.Retry(),
	})
	return engine, trace.Wrap(err)
}

// Confirm prints the prompt and reads a y/N answer from stdin.
func (e *Env) Confirm(prompt string) bool {
	fmt.Fprintf(e.Stdout, "%s [y/N]: ", prompt)
	reader := bufio.NewReader(e.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// Warnf prints a highlighted warning line.
func (e *Env) Warnf(format string, args ...any) {
	fmt.Fprintln(e.Stdout, color.YellowString("WARNING: "+fmt.Sprintf(format, args...)))
}

// Commands returns the full command set.
func Commands() []CLICommand {
	return []CLICommand{
		&AssignCommand{},
		&BulkCommand{},
		&CopyCommand{},
		&CloneCommand{},
		&RollbackCommand{},
		&TemplateCommand{},
		&CacheCommand{},
	}
}

// Run parses the arguments and executes the selected command,
// returning the process exit code.
func Run(args []string) int {
	var global GlobalFlags

	app := kingpin.New("awsideman", "AWS Identity Center administration tool.")
	app.Flag("config", "Path to the configuration file.").Short('c').StringVar(&global.ConfigPath)
	app.Flag("profile", "AWS credential profile to use.").StringVar(&global.Profile)
	app.Flag("debug", "Enable verbose logging.").Short('d').BoolVar(&global.Debug)
	app.HelpFlag.Short('h')
	app.Version(awsideman.Version)

	commands := Commands()
	for _, command := range commands {
		command.Initialize(app, &global)
	}

	selected, err := app.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, trace.UserMessage(err))
		return ExitValidation
	}

	logutils.Initialize(os.Stderr, global.Debug)

	cfg, err := config.Load(global.ConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, trace.UserMessage(err))
		return ExitValidation
	}
	if global.Profile != "" {
		cfg.Profile = global.Profile
	}

	env := &Env{
		Config:  cfg,
		Clients: awsapi.NewClientCache(cfg.Region),
		Stdout:  os.Stdout,
		Stdin:   os.Stdin,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.DebugContext(ctx, "Dispatching command",
		"command", selected,
		"profile", cfg.Profile,
		"region", cfg.Region)

	for _, command := range commands {
		match, code, err := command.TryRun(ctx, env, selected)
		if !match {
			continue
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, trace.UserMessage(err))
			return exitCodeFor(err)
		}
		return code
	}
	fmt.Fprintf(os.Stderr, "unknown command %q\n", selected)
	return ExitValidation
}

// exitCodeFor maps an error to the documented exit codes: validation
// failures and refusals exit 2, operational failures exit 1, anything
// that smells like a broken system exits 3.
func exitCodeFor(err error) int {
	switch {
	case trace.IsBadParameter(err), trace.IsAlreadyExists(err), trace.IsNotFound(err):
		return ExitValidation
	case trace.IsConnectionProblem(err):
		return ExitSystem
	default:
		return ExitFailure
	}
}
