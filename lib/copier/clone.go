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

package copier

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	ssoadmintypes "github.com/aws/aws-sdk-go-v2/service/ssoadmin/types"
	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/awsideman/lib/oplog"
	"github.com/gravitational/awsideman/lib/retryutils"
)

// CloneRequest names the source and target of a permission set clone.
type CloneRequest struct {
	// SourceName is the display name of the permission set to copy.
	SourceName string
	// TargetName is the name of the permission set to create. Must not
	// exist yet.
	TargetName string
	// Description overrides the source description when non-empty.
	Description string
}

// Check validates the request.
func (r *CloneRequest) Check() error {
	if r.SourceName == "" {
		return trace.BadParameter("missing source permission set name")
	}
	if r.TargetName == "" {
		return trace.BadParameter("missing target permission set name")
	}
	if r.SourceName == r.TargetName {
		return trace.BadParameter("source and target permission set names are the same")
	}
	return nil
}

// permissionSetConfig is the full cloneable configuration of a
// permission set.
type permissionSetConfig struct {
	description     string
	sessionDuration string
	relayState      string
	inlinePolicy    string
	managedPolicies []string
	customerManaged []ssoadmintypes.CustomerManagedPolicyReference
}

// ClonePlan describes what a clone will create.
type ClonePlan struct {
	// SourceArn is the permission set being copied.
	SourceArn string
	// TargetName is the name that will be created.
	TargetName string
	// Description is the description the clone will carry.
	Description string
	// ManagedPolicies and CustomerManagedPolicies count the
	// attachments to copy.
	ManagedPolicies         int
	CustomerManagedPolicies int
	// HasInlinePolicy is set when the source carries an inline policy.
	HasInlinePolicy bool

	config permissionSetConfig
	req    CloneRequest
}

// Preview renders the plan.
func (p *ClonePlan) Preview() string {
	inline := "no"
	if p.HasInlinePolicy {
		inline = "yes"
	}
	return fmt.Sprintf("clone %s -> %s: %d managed, %d customer managed, inline policy: %s\n",
		p.req.SourceName, p.TargetName, p.ManagedPolicies, p.CustomerManagedPolicies, inline)
}

// PlanClone reads the source configuration and verifies the target name
// is free. No AWS state is mutated.
func (c *Copier) PlanClone(ctx context.Context, req CloneRequest) (*ClonePlan, error) {
	if err := req.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	sourceArn, err := c.cfg.Resolver.ResolvePermissionSet(ctx, req.SourceName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := c.cfg.Resolver.ResolvePermissionSet(ctx, req.TargetName); err == nil {
		return nil, trace.AlreadyExists("permission set %q already exists", req.TargetName)
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	config, err := c.readPermissionSet(ctx, sourceArn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	description := config.description
	if req.Description != "" {
		description = req.Description
	}
	return &ClonePlan{
		SourceArn:               sourceArn,
		TargetName:              req.TargetName,
		Description:             description,
		ManagedPolicies:         len(config.managedPolicies),
		CustomerManagedPolicies: len(config.customerManaged),
		HasInlinePolicy:         config.inlinePolicy != "",
		config:                  config,
		req:                     req,
	}, nil
}

// ExecuteClone creates the target permission set and copies every
// attachment. The clone starts with no assignments, so its journal
// record carries no results; rolling it back deletes the created
// permission set while it stays unassigned.
func (c *Copier) ExecuteClone(ctx context.Context, plan *ClonePlan) (*oplog.Record, error) {
	if plan == nil {
		return nil, trace.BadParameter("missing clone plan")
	}

	createInput := &ssoadmin.CreatePermissionSetInput{
		InstanceArn: aws.String(c.cfg.InstanceArn),
		Name:        aws.String(plan.TargetName),
	}
	if plan.Description != "" {
		createInput.Description = aws.String(plan.Description)
	}
	if plan.config.sessionDuration != "" {
		createInput.SessionDuration = aws.String(plan.config.sessionDuration)
	}
	if plan.config.relayState != "" {
		createInput.RelayState = aws.String(plan.config.relayState)
	}
	var created *ssoadmin.CreatePermissionSetOutput
	_, err := retryutils.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		var callErr error
		created, callErr = c.cfg.SSOAdmin.CreatePermissionSet(ctx, createInput)
		return callErr
	})
	if err != nil {
		if retryutils.IsConflict(err) {
			return nil, trace.AlreadyExists("permission set %q already exists", plan.TargetName)
		}
		return nil, trace.Wrap(err)
	}
	createdArn := aws.ToString(created.PermissionSet.PermissionSetArn)

	for _, policyArn := range plan.config.managedPolicies {
		_, err := retryutils.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
			_, callErr := c.cfg.SSOAdmin.AttachManagedPolicyToPermissionSet(ctx, &ssoadmin.AttachManagedPolicyToPermissionSetInput{
				InstanceArn:      aws.String(c.cfg.InstanceArn),
				PermissionSetArn: aws.String(createdArn),
				ManagedPolicyArn: aws.String(policyArn),
			})
			return callErr
		})
		if err != nil {
			return nil, trace.Wrap(err, "attaching managed policy %v", policyArn)
		}
	}
	for _, reference := range plan.config.customerManaged {
		_, err := retryutils.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
			_, callErr := c.cfg.SSOAdmin.AttachCustomerManagedPolicyReferenceToPermissionSet(ctx, &ssoadmin.AttachCustomerManagedPolicyReferenceToPermissionSetInput{
				InstanceArn:                    aws.String(c.cfg.InstanceArn),
				PermissionSetArn:               aws.String(createdArn),
				CustomerManagedPolicyReference: &reference,
			})
			return callErr
		})
		if err != nil {
			return nil, trace.Wrap(err, "attaching customer managed policy %v", aws.ToString(reference.Name))
		}
	}
	if plan.config.inlinePolicy != "" {
		_, err := retryutils.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
			_, callErr := c.cfg.SSOAdmin.PutInlinePolicyToPermissionSet(ctx, &ssoadmin.PutInlinePolicyToPermissionSetInput{
				InstanceArn:      aws.String(c.cfg.InstanceArn),
				PermissionSetArn: aws.String(createdArn),
				InlinePolicy:     aws.String(plan.config.inlinePolicy),
			})
			return callErr
		})
		if err != nil {
			return nil, trace.Wrap(err, "copying inline policy")
		}
	}

	record := &oplog.Record{
		ID:                uuid.NewString(),
		Kind:              oplog.KindClone,
		Timestamp:         c.cfg.Clock.Now().UTC(),
		Profile:           c.cfg.Profile,
		PermissionSetArn:  createdArn,
		PermissionSetName: plan.TargetName,
		Metadata: map[string]string{
			"source_permission_set": plan.SourceArn,
		},
	}
	if err := c.cfg.Store.Append(ctx, record); err != nil {
		return record, trace.Wrap(err)
	}
	log.InfoContext(ctx, "Permission set cloned",
		"operation_id", record.ID,
		"source", plan.SourceArn,
		"created", createdArn,
		"managed_policies", len(plan.config.managedPolicies),
		"customer_managed_policies", len(plan.config.customerManaged))
	return record, nil
}

// readPermissionSet loads the full cloneable configuration.
func (c *Copier) readPermissionSet(ctx context.Context, arn string) (permissionSetConfig, error) {
	var config permissionSetConfig

	var described *ssoadmin.DescribePermissionSetOutput
	_, err := retryutils.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		var callErr error
		described, callErr = c.cfg.SSOAdmin.DescribePermissionSet(ctx, &ssoadmin.DescribePermissionSetInput{
			InstanceArn:      aws.String(c.cfg.InstanceArn),
			PermissionSetArn: aws.String(arn),
		})
		return callErr
	})
	if err != nil {
		return config, trace.Wrap(err)
	}
	config.description = aws.ToString(described.PermissionSet.Description)
	config.sessionDuration = aws.ToString(described.PermissionSet.SessionDuration)
	config.relayState = aws.ToString(described.PermissionSet.RelayState)

	var nextToken *string
	for {
		var out *ssoadmin.ListManagedPoliciesInPermissionSetOutput
		_, err := retryutils.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
			var callErr error
			out, callErr = c.cfg.SSOAdmin.ListManagedPoliciesInPermissionSet(ctx, &ssoadmin.ListManagedPoliciesInPermissionSetInput{
				InstanceArn:      aws.String(c.cfg.InstanceArn),
				PermissionSetArn: aws.String(arn),
				NextToken:        nextToken,
			})
			return callErr
		})
		if err != nil {
			return config, trace.Wrap(err)
		}
		for _, policy := range out.AttachedManagedPolicies {
			config.managedPolicies = append(config.managedPolicies, aws.ToString(policy.Arn))
		}
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	nextToken = nil
	for {
		var out *ssoadmin.ListCustomerManagedPolicyReferencesInPermissionSetOutput
		_, err := retryutils.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
			var callErr error
			out, callErr = c.cfg.SSOAdmin.ListCustomerManagedPolicyReferencesInPermissionSet(ctx, &ssoadmin.ListCustomerManagedPolicyReferencesInPermissionSetInput{
				InstanceArn:      aws.String(c.cfg.InstanceArn),
				PermissionSetArn: aws.String(arn),
				NextToken:        nextToken,
			})
			return callErr
		})
		if err != nil {
			return config, trace.Wrap(err)
		}
		config.customerManaged = append(config.customerManaged, out.CustomerManagedPolicyReferences...)
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	var inline *ssoadmin.GetInlinePolicyForPermissionSetOutput
	_, err = retryutils.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		var callErr error
		inline, callErr = c.cfg.SSOAdmin.GetInlinePolicyForPermissionSet(ctx, &ssoadmin.GetInlinePolicyForPermissionSetInput{
			InstanceArn:      aws.String(c.cfg.InstanceArn),
			PermissionSetArn: aws.String(arn),
		})
		return callErr
	})
	if err != nil {
		return config, trace.Wrap(err)
	}
	config.inlinePolicy = aws.ToString(inline.InlinePolicy)
	return config, nil
}
