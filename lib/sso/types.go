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

// Package sso holds the Identity Center domain model shared across the
// awsideman libraries.
package sso

import (
	"fmt"

	"github.com/gravitational/trace"
)

// PrincipalType distinguishes users from groups.
type PrincipalType string

const (
	// PrincipalTypeUser is an identity store user.
	PrincipalTypeUser PrincipalType = "USER"
	// PrincipalTypeGroup is an identity store group.
	PrincipalTypeGroup PrincipalType = "GROUP"
)

// ParsePrincipalType normalizes and validates a principal type string.
// An empty input defaults to USER.
func ParsePrincipalType(raw string) (PrincipalType, error) {
	switch raw {
	case "", "USER", "user", "User":
		return PrincipalTypeUser, nil
	case "GROUP", "group", "Group":
		return PrincipalTypeGroup, nil
	default:
		return "", trace.BadParameter("unknown principal type %q, expected USER or GROUP", raw)
	}
}

// PrincipalRef names a principal by type and display name, the form
// users type on the command line: user:alice or group:platform-admins.
type PrincipalRef struct {
	// Type is USER or GROUP.
	Type PrincipalType
	// Name is the username or group display name.
	Name string
}

// ParsePrincipalRef parses "user:<name>" or "group:<name>". A bare name
// is a user.
func ParsePrincipalRef(raw string) (PrincipalRef, error) {
	if raw == "" {
		return PrincipalRef{}, trace.BadParameter("missing principal")
	}
	switch {
	case len(raw) > 5 && raw[:5] == "user:":
		return PrincipalRef{Type: PrincipalTypeUser, Name: raw[5:]}, nil
	case len(raw) > 6 && raw[:6] == "group:":
		return PrincipalRef{Type: PrincipalTypeGroup, Name: raw[6:]}, nil
	default:
		return PrincipalRef{Type: PrincipalTypeUser, Name: raw}, nil
	}
}

// String implements fmt.Stringer.
func (r PrincipalRef) String() string {
	switch r.Type {
	case PrincipalTypeGroup:
		return "group:" + r.Name
	default:
		return "user:" + r.Name
	}
}

// AccountStatus is the organization account lifecycle state.
type AccountStatus string

const (
	// AccountStatusActive marks a usable account.
	AccountStatusActive AccountStatus = "ACTIVE"
	// AccountStatusSuspended marks a closed or suspended account.
	AccountStatusSuspended AccountStatus = "SUSPENDED"
)

// Account is one organization member account, immutable within a
// snapshot.
type Account struct {
	// ID is the 12-digit account id.
	ID string `json:"id"`
	// Name is the account display name.
	Name string `json:"name"`
	// Email is the root email address.
	Email string `json:"email"`
	// Status is ACTIVE or SUSPENDED.
	Status AccountStatus `json:"status"`
	// OUID is the organizational unit holding the account.
	OUID string `json:"ou_id"`
	// Tags are the organization tags on the account.
	Tags map[string]string `json:"tags,omitempty"`
}

// Direction selects between granting and removing access.
type Direction string

const (
	// DirectionAssign grants access.
	DirectionAssign Direction = "assign"
	// DirectionRevoke removes access.
	DirectionRevoke Direction = "revoke"
)

// Inverse returns the opposite direction, used by rollback planning.
func (d Direction) Inverse() Direction {
	if d == DirectionAssign {
		return DirectionRevoke
	}
	return DirectionAssign
}

// Assignment is the (principal, permission set, account) triple.
type Assignment struct {
	// PrincipalID is the identity store principal id.
	PrincipalID string `json:"principal_id"`
	// PrincipalType is USER or GROUP.
	PrincipalType PrincipalType `json:"principal_type"`
	// PermissionSetArn is the permission set being conveyed.
	PermissionSetArn string `json:"permission_set_arn"`
	// AccountID is the target account.
	AccountID string `json:"account_id"`
}

// String implements fmt.Stringer.
func (a Assignment) String() string {
	return fmt.Sprintf("%s/%s -> %s @ %s", a.PrincipalType, a.PrincipalID, a.PermissionSetArn, a.AccountID)
}

// Outcome is the per-account result of an assignment operation.
type Outcome string

const (
	// OutcomeSucceeded means AWS applied the change.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeSkippedPresent means the assignment already existed.
	OutcomeSkippedPresent Outcome = "skipped_already_present"
	// OutcomeSkippedAbsent means the assignment was already gone.
	OutcomeSkippedAbsent Outcome = "skipped_already_absent"
	// OutcomeFailed means the change did not land.
	OutcomeFailed Outcome = "failed"
)

// Skipped reports whether the outcome is one of the idempotent skips.
func (o Outcome) Skipped() bool {
	return o == OutcomeSkippedPresent || o == OutcomeSkippedAbsent
}

// AssignmentRecord is the result of processing one account.
type AssignmentRecord struct {
	// PrincipalID is the identity store principal id.
	PrincipalID string `json:"principal_id"`
	// PrincipalType is USER or GROUP.
	PrincipalType PrincipalType `json:"principal_type"`
	// PermissionSetArn is the permission set conveyed or removed.
	PermissionSetArn string `json:"permission_set_arn"`
	// AccountID is the processed account.
	AccountID string `json:"account_id"`
	// Outcome records what AWS actually did.
	Outcome Outcome `json:"outcome"`
	// Error holds the failure message for failed outcomes.
	Error string `json:"error,omitempty"`
	// Retries is the number of retries the call needed.
	Retries int `json:"retries"`
	// DurationMs is the wall time spent on the account.
	DurationMs int64 `json:"duration_ms"`
}
