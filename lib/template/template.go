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

// Package template turns declarative YAML or JSON access templates
// into concrete assignment changes: parse, validate structurally,
// resolve every named entity, expand account targets and diff against
// live state.
package template

import (
	"os"
	"sort"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"

	"github.com/gravitational/awsideman/lib/sso"
)

// Metadata names a template.
type Metadata struct {
	// Name identifies the template in operation records. Required.
	Name string `json:"name"`
	// Description is free text.
	Description string `json:"description,omitempty"`
	// Version is an opaque version marker.
	Version string `json:"version,omitempty"`
}

// Targets selects the accounts an assignment block applies to. At
// least one of AccountIDs and AccountTags must be set. An account is
// selected when it is listed by id or carries every tag; exclusions
// are subtracted afterwards.
type Targets struct {
	AccountIDs        []string          `json:"account_ids,omitempty"`
	AccountTags       map[string]string `json:"account_tags,omitempty"`
	ExcludeAccountIDs []string          `json:"exclude_account_ids,omitempty"`
}

// Block is one template assignment block: every listed entity gets
// every listed permission set on every selected account.
type Block struct {
	// Entities are principal references, user:<name> or group:<name>.
	Entities []string `json:"entities"`
	// PermissionSets are display names or ARNs.
	PermissionSets []string `json:"permission_sets"`
	// Targets selects the accounts.
	Targets Targets `json:"targets"`
}

// Template is a parsed access template.
type Template struct {
	Metadata    Metadata `json:"metadata"`
	Assignments []Block  `json:"assignments"`
}

// Parse loads a template from a YAML or JSON file. Both formats go
// through the same decoder; the extension only gates what is accepted.
func Parse(path string) (*Template, error) {
	switch strings.ToLower(lastExt(path)) {
	case ".yaml", ".yml", ".json":
	default:
		return nil, trace.BadParameter("unsupported template format %q, expected .yaml, .yml or .json", lastExt(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return ParseBytes(data)
}

// ParseBytes parses template content and runs structural validation.
func ParseBytes(data []byte) (*Template, error) {
	var template Template
	if err := yaml.Unmarshal(data, &template); err != nil {
		return nil, trace.BadParameter("malformed template: %v", err)
	}
	if err := template.CheckStructure(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &template, nil
}

// CheckStructure validates required fields, entity prefixes and target
// selector syntax, collecting every violation before failing.
func (t *Template) CheckStructure() error {
	var errors []error
	if t.Metadata.Name == "" {
		errors = append(errors, trace.BadParameter("missing metadata.name"))
	}
	if len(t.Assignments) == 0 {
		errors = append(errors, trace.BadParameter("template has no assignments"))
	}
	for i, block := range t.Assignments {
		if len(block.Entities) == 0 {
			errors = append(errors, trace.BadParameter("assignment %d: missing entities", i))
		}
		for _, entity := range block.Entities {
			if !strings.HasPrefix(entity, "user:") && !strings.HasPrefix(entity, "group:") {
				errors = append(errors, trace.BadParameter(
					"assignment %d: entity %q must start with user: or group:", i, entity))
			}
		}
		if len(block.PermissionSets) == 0 {
			errors = append(errors, trace.BadParameter("assignment %d: missing permission_sets", i))
		}
		if len(block.Targets.AccountIDs) == 0 && len(block.Targets.AccountTags) == 0 {
			errors = append(errors, trace.BadParameter(
				"assignment %d: targets need account_ids or account_tags", i))
		}
		for _, id := range block.Targets.AccountIDs {
			if !isAccountID(id) {
				errors = append(errors, trace.BadParameter(
					"assignment %d: %q is not a 12-digit account id", i, id))
			}
		}
		for key, value := range block.Targets.AccountTags {
			if key == "" || value == "" {
				errors = append(errors, trace.BadParameter(
					"assignment %d: account tags need non-empty keys and values", i))
			}
		}
		for _, id := range block.Targets.ExcludeAccountIDs {
			if !isAccountID(id) {
				errors = append(errors, trace.BadParameter(
					"assignment %d: exclusion %q is not a 12-digit account id", i, id))
			}
		}
	}
	return trace.NewAggregate(errors...)
}

// principals parses the block's entities. Structure is checked first,
// so failures here are programmer errors.
func (b *Block) principals() ([]sso.PrincipalRef, error) {
	refs := make([]sso.PrincipalRef, 0, len(b.Entities))
	for _, entity := range b.Entities {
		ref, err := sso.ParsePrincipalRef(entity)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// filterExpression renders the block targets as an account filter
// expression: listed ids OR the tag conjunction, minus exclusions.
func (b *Block) filterExpression() string {
	var groups []string
	for _, id := range b.Targets.AccountIDs {
		groups = append(groups, "id:"+id)
	}
	if len(b.Targets.AccountTags) > 0 {
		keys := make([]string, 0, len(b.Targets.AccountTags))
		for key := range b.Targets.AccountTags {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		terms := make([]string, 0, len(keys))
		for _, key := range keys {
			terms = append(terms, "tag:"+key+"="+b.Targets.AccountTags[key])
		}
		conjunction := strings.Join(terms, " AND ")
		if len(terms) > 1 {
			conjunction = "(" + conjunction + ")"
		}
		groups = append(groups, conjunction)
	}
	expression := strings.Join(groups, " OR ")
	if len(groups) > 1 {
		expression = "(" + expression + ")"
	}
	for _, id := range b.Targets.ExcludeAccountIDs {
		expression += " exclude:id:" + id
	}
	return expression
}

func lastExt(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[i:]
	}
	return ""
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
