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
	"sort"
	"strconv"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/gravitational/trace"

	"github.com/gravitational/awsideman/lib/asciitable"
	"github.com/gravitational/awsideman/lib/cache"
)

// CacheCommand inspects and maintains the entity cache.
type CacheCommand struct {
	config *GlobalFlags

	accountsOnly bool

	statusCmd *kingpin.CmdClause
	clearCmd  *kingpin.CmdClause
	warmCmd   *kingpin.CmdClause
}

// Initialize registers the cache command family.
func (c *CacheCommand) Initialize(app *kingpin.Application, cfg *GlobalFlags) {
	c.config = cfg

	cacheCmd := app.Command("cache", "Entity cache maintenance.")
	c.statusCmd = cacheCmd.Command("status", "Show cache entry counts and sizes per profile.")
	c.clearCmd = cacheCmd.Command("clear", "Remove cached entries for the selected profile. Pass --profile '*' to clear every profile.")
	c.clearCmd.Flag("accounts-only", "Only clear the organization account data.").BoolVar(&c.accountsOnly)
	c.warmCmd = cacheCmd.Command("warm", "Rebuild the organization account snapshot from the live API.")
}

// TryRun executes the command if it matches.
func (c *CacheCommand) TryRun(ctx context.Context, env *Env, cmd string) (bool, int, error) {
	switch cmd {
	case c.statusCmd.FullCommand():
		code, err := c.status(ctx, env)
		return true, code, trace.Wrap(err)
	case c.clearCmd.FullCommand():
		code, err := c.clear(ctx, env)
		return true, code, trace.Wrap(err)
	case c.warmCmd.FullCommand():
		code, err := c.warm(ctx, env)
		return true, code, trace.Wrap(err)
	}
	return false, 0, nil
}

func (c *CacheCommand) status(ctx context.Context, env *Env) (int, error) {
	backend, err := env.Cache(ctx)
	if err != nil {
		return ExitSystem, trace.Wrap(err)
	}
	stats, err := backend.Stats(ctx)
	if err != nil {
		return ExitSystem, trace.Wrap(err)
	}
	keys, err := backend.Keys(ctx)
	if err != nil {
		return ExitSystem, trace.Wrap(err)
	}

	perProfile := map[string]int{}
	for _, key := range keys {
		perProfile[cache.ProfileOf(key)]++
	}
	profiles := make([]string, 0, len(perProfile))
	for profile := range perProfile {
		profiles = append(profiles, profile)
	}
	sort.Strings(profiles)

	fmt.Fprintf(env.Stdout, "Backend: %s, %d entries, %s.\n",
		env.Config.Cache.Backend, stats.Entries, humanize.IBytes(uint64(stats.Bytes)))
	table := asciitable.MakeTable([]string{"Profile", "Entries"})
	for _, profile := range profiles {
		table.AddRow([]string{profile, strconv.Itoa(perProfile[profile])})
	}
	if table.RowCount() > 0 {
		fmt.Fprintln(env.Stdout, table.String())
	}
	return ExitSuccess, nil
}

func (c *CacheCommand) clear(ctx context.Context, env *Env) (int, error) {
	backend, err := env.Cache(ctx)
	if err != nil {
		return ExitSystem, trace.Wrap(err)
	}
	before, err := backend.Stats(ctx)
	if err != nil {
		return ExitSystem, trace.Wrap(err)
	}

	profile := env.Config.Profile
	var removed int
	switch {
	case profile == cache.WildcardProfile && c.accountsOnly:
		removed, err = clearAccountKeys(ctx, backend)
	case profile == cache.WildcardProfile:
		removed, err = backend.DeletePrefix(ctx, "profiles/")
	case c.accountsOnly:
		removed, err = backend.DeletePrefix(ctx, cache.Key(profile, "accounts"))
	default:
		removed, err = backend.DeletePrefix(ctx, cache.Key(profile, ""))
	}
	if err != nil {
		return ExitSystem, trace.Wrap(err)
	}
	after, err := backend.Stats(ctx)
	if err != nil {
		return ExitSystem, trace.Wrap(err)
	}
	fmt.Fprintf(env.Stdout, "Removed %d entries: %d -> %d.\n", removed, before.Entries, after.Entries)
	return ExitSuccess, nil
}

// clearAccountKeys deletes the account data of every profile. The
// accounts prefix sits mid-key, so this walks instead of using
// DeletePrefix.
func clearAccountKeys(ctx context.Context, backend cache.Backend) (int, error) {
	keys, err := backend.Keys(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	removed := 0
	for _, key := range keys {
		marker := cache.Key(cache.ProfileOf(key), "accounts") + "/"
		if !strings.HasPrefix(key, marker) {
			continue
		}
		if err := backend.Delete(ctx, key); err != nil {
			return removed, trace.Wrap(err)
		}
		removed++
	}
	return removed, nil
}

func (c *CacheCommand) warm(ctx context.Context, env *Env) (int, error) {
	org, err := env.Org(ctx)
	if err != nil {
		return ExitSystem, trace.Wrap(err)
	}
	snap, err := org.Refresh(ctx)
	if err != nil {
		return ExitFailure, trace.Wrap(err)
	}
	res, err := env.Resolver(ctx)
	if err != nil {
		return ExitSystem, trace.Wrap(err)
	}
	sets, err := res.WarmPermissionSets(ctx)
	if err != nil {
		return ExitFailure, trace.Wrap(err)
	}
	fmt.Fprintf(env.Stdout, "Cached %d accounts and %d permission sets for profile %s (captured %s).\n",
		len(snap.Accounts), sets, env.Config.Profile, humanize.Time(snap.CapturedAt))
	return ExitSuccess, nil
}
