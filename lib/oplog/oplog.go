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

// Package oplog is the append-only journal of executed operations.
// Records are immutable once written, with a single exception: the
// rolled-back transition, which is a compare-and-set so an operation
// can be rolled back exactly once.
package oplog

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/awsideman"
	"github.com/gravitational/awsideman/lib/logutils"
	"github.com/gravitational/awsideman/lib/sso"
)

var log = logutils.NewPackageLogger(awsideman.ComponentKey, awsideman.ComponentOpLog)

// Kind classifies an operation record.
type Kind string

const (
	KindAssign        Kind = "assign"
	KindRevoke        Kind = "revoke"
	KindRollback      Kind = "rollback"
	KindBulkAssign    Kind = "bulk_assign"
	KindBulkRevoke    Kind = "bulk_revoke"
	KindClone         Kind = "clone"
	KindTemplateApply Kind = "template_apply"
)

// Metadata keys with defined meaning.
const (
	// MetaIncomplete marks an operation whose executor run did not
	// finish; only its recorded successes are rollback candidates.
	MetaIncomplete = "incomplete"
	// MetaCancelled marks an operation interrupted by the user.
	MetaCancelled = "cancelled"
	// MetaRollbackOf holds the original operation id on a rollback
	// record.
	MetaRollbackOf = "rollback_of"
	// MetaDirection records whether the operation assigned or revoked,
	// independent of its kind.
	MetaDirection = "direction"
)

// Record is one journal entry. All fields except the rolled-back pair
// are write-once.
type Record struct {
	// ID is the unique operation id.
	ID string `json:"operation_id"`
	// Kind classifies the operation.
	Kind Kind `json:"kind"`
	// Timestamp is when the operation started.
	Timestamp time.Time `json:"timestamp"`
	// Profile is the credential profile the operation ran under.
	Profile string `json:"profile"`

	// PrincipalID and friends identify what was assigned to whom.
	// Bulk operations spanning several principals leave these empty
	// and rely on Results.
	PrincipalID       string            `json:"principal_id,omitempty"`
	PrincipalType     sso.PrincipalType `json:"principal_type,omitempty"`
	PrincipalName     string            `json:"principal_name,omitempty"`
	PermissionSetArn  string            `json:"permission_set_arn,omitempty"`
	PermissionSetName string            `json:"permission_set_name,omitempty"`

	// AccountIDs is the ordered target account set.
	AccountIDs []string `json:"account_ids"`
	// AccountNames holds the display names aligned with AccountIDs.
	// Empty entries mean the name was not known at journal time.
	AccountNames []string `json:"account_names,omitempty"`
	// Results holds the per-assignment outcomes.
	Results []sso.AssignmentRecord `json:"results"`
	// Metadata carries operation annotations, see the Meta constants.
	Metadata map[string]string `json:"metadata,omitempty"`

	// RolledBack is set once by MarkRolledBack.
	RolledBack bool `json:"rolled_back"`
	// RollbackOperationID cross-links to the rollback record.
	RollbackOperationID string `json:"rollback_operation_id,omitempty"`
}

// CheckAndSetDefaults validates a record before it is appended.
func (r *Record) CheckAndSetDefaults() error {
	if r.ID == "" {
		return trace.BadParameter("missing operation id")
	}
	if r.Kind == "" {
		return trace.BadParameter("missing operation kind")
	}
	if r.Timestamp.IsZero() {
		return trace.BadParameter("missing operation timestamp")
	}
	if r.Profile == "" {
		return trace.BadParameter("missing operation profile")
	}
	return nil
}

// Successes returns the account ids whose results were recorded
// succeeded. These are the rollback candidates.
func (r *Record) Successes() []string {
	var ids []string
	for _, result := range r.Results {
		if result.Outcome == sso.OutcomeSucceeded {
			ids = append(ids, result.AccountID)
		}
	}
	return ids
}

// Incomplete reports whether the operation was interrupted before all
// accounts were processed.
func (r *Record) Incomplete() bool {
	return r.Metadata[MetaIncomplete] == "true"
}

// Filter narrows a List scan. Zero fields match everything.
type Filter struct {
	// Since excludes records older than this.
	Since time.Time
	// Until excludes records newer than this.
	Until time.Time
	// Principal matches the principal name or id, case-insensitive.
	Principal string
	// PermissionSet matches the permission set name or ARN.
	PermissionSet string
	// Kinds restricts to the given kinds.
	Kinds []Kind
	// Limit caps the number of returned records, newest first.
	// Zero means no cap.
	Limit int
}

// Match reports whether a record passes the filter.
func (f *Filter) Match(r *Record) bool {
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Timestamp.After(f.Until) {
		return false
	}
	if f.Principal != "" &&
		!strings.EqualFold(r.PrincipalName, f.Principal) &&
		!strings.EqualFold(r.PrincipalID, f.Principal) {
		return false
	}
	if f.PermissionSet != "" &&
		!strings.EqualFold(r.PermissionSetName, f.PermissionSet) &&
		!strings.EqualFold(r.PermissionSetArn, f.PermissionSet) {
		return false
	}
	if len(f.Kinds) != 0 && !slices.Contains(f.Kinds, r.Kind) {
		return false
	}
	return true
}

// Store is the journal backend.
type Store interface {
	// Append writes a new record. Appending an existing id is
	// trace.AlreadyExists.
	Append(ctx context.Context, record *Record) error
	// Get returns a record by operation id, or trace.NotFound.
	Get(ctx context.Context, id string) (*Record, error)
	// List returns matching records ordered newest first.
	List(ctx context.Context, filter Filter) ([]*Record, error)
	// MarkRolledBack flips the rolled-back flag exactly once; a second
	// attempt is trace.CompareFailed.
	MarkRolledBack(ctx context.Context, id, rollbackID string) error
	// Sweep removes records older than the cutoff and returns how many
	// were removed. Idempotent.
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
}

// sortNewestFirst orders records by timestamp descending, breaking
// ties on id for stable output.
func sortNewestFirst(records []*Record) {
	slices.SortFunc(records, func(a, b *Record) int {
		if !a.Timestamp.Equal(b.Timestamp) {
			if a.Timestamp.After(b.Timestamp) {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// applyLimit trims a sorted record list to the filter's cap.
func applyLimit(records []*Record, limit int) []*Record {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}
