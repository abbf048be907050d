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

// Package awsideman holds process-wide constants shared by the libraries
// and the CLI.
package awsideman

const (
	// Version is the current tool version.
	Version = "0.9.0"

	// ComponentKey is the name of the log attribute containing the
	// component name emitting the entry.
	ComponentKey = "component"

	// ComponentCache is the tiered cache layer.
	ComponentCache = "cache"
	// ComponentResolver is the entity name resolver.
	ComponentResolver = "resolver"
	// ComponentOrgCache is the organization account cache.
	ComponentOrgCache = "orgcache"
	// ComponentExecutor is the multi-account assignment executor.
	ComponentExecutor = "executor"
	// ComponentOpLog is the operation journal.
	ComponentOpLog = "oplog"
	// ComponentRollback is the rollback processor.
	ComponentRollback = "rollback"
	// ComponentBulk is the bulk operations pipeline.
	ComponentBulk = "bulk"
	// ComponentCopier is the assignment copy and clone engine.
	ComponentCopier = "copier"
	// ComponentTemplate is the template engine.
	ComponentTemplate = "template"
	// ComponentRetry is the retry and rate-limit governor.
	ComponentRetry = "retry"
	// ComponentAWS is the AWS client layer.
	ComponentAWS = "aws"
	// ComponentCLI is the command line tool.
	ComponentCLI = "cli"
)
