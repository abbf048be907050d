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

// Package executor fans one assignment change out over many accounts
// through a bounded worker pool, polling AWS provisioning status to a
// terminal state and reporting one record per account.
package executor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	ssoadmintypes "github.com/aws/aws-sdk-go-v2/service/ssoadmin/types"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/awsideman"
	"github.com/gravitational/awsideman/lib/awsapi"
	"github.com/gravitational/awsideman/lib/defaults"
	"github.com/gravitational/awsideman/lib/logutils"
	"github.com/gravitational/awsideman/lib/retryutils"
	"github.com/gravitational/awsideman/lib/sso"
)

var log = logutils.NewPackageLogger(awsideman.ComponentKey, awsideman.ComponentExecutor)

// EventType distinguishes progress events.
type EventType string

const (
	// EventStarted fires when a worker picks up an account.
	EventStarted EventType = "started"
	// EventCompleted fires with the account's outcome.
	EventCompleted EventType = "completed"
)

// Event is one progress notification. Delivery is best effort: the
// executor never blocks on a slow consumer.
type Event struct {
	Type      EventType
	AccountID string
	Outcome   sso.Outcome
}

// Task describes one assignment change across an account set.
type Task struct {
	// PrincipalID is the resolved user or group id.
	PrincipalID string
	// PrincipalType is USER or GROUP.
	PrincipalType sso.PrincipalType
	// PrincipalName is carried through to records for display.
	PrincipalName string
	// PermissionSetArn is the resolved permission set.
	PermissionSetArn string
	// PermissionSetName is carried through to records for display.
	PermissionSetName string
	// Direction is assign or revoke.
	Direction sso.Direction
	// AccountIDs is the target account set.
	AccountIDs []string
}

// Check validates the task.
func (t *Task) Check() error {
	if t.PrincipalID == "" {
		return trace.BadParameter("missing principal id")
	}
	if t.PrincipalType != sso.PrincipalTypeUser && t.PrincipalType != sso.PrincipalTypeGroup {
		return trace.BadParameter("unknown principal type %q", t.PrincipalType)
	}
	if t.PermissionSetArn == "" {
		return trace.BadParameter("missing permission set ARN")
	}
	if t.Direction != sso.DirectionAssign && t.Direction != sso.DirectionRevoke {
		return trace.BadParameter("unknown direction %q", t.Direction)
	}
	return nil
}

// Policy controls batch behavior.
type Policy struct {
	// ContinueOnError keeps the batch running past individual account
	// failures. When false the first failure cancels pending work.
	ContinueOnError bool
	// MaxConcurrent caps the worker pool; zero auto-scales on the
	// account count.
	MaxConcurrent int
	// AccountTimeout bounds one account's submit plus provisioning
	// poll. Zero uses the default.
	AccountTimeout time.Duration
	// Progress optionally receives events; sends never block.
	Progress chan<- Event
}

// Result is the outcome of one executed task.
type Result struct {
	// OperationID uniquely names this run.
	OperationID string
	// Records holds one entry per processed account, ordered by
	// account id.
	Records []sso.AssignmentRecord
	// Cancelled is set when the run stopped before processing every
	// account, either by context or by stop-on-error policy.
	Cancelled bool
	// DroppedEvents counts progress events discarded because the
	// consumer lagged.
	DroppedEvents int
}

// Failed returns the records that ended in a failed outcome.
func (r *Result) Failed() []sso.AssignmentRecord {
	var failed []sso.AssignmentRecord
	for _, record := range r.Records {
		if record.Outcome == sso.OutcomeFailed {
			failed = append(failed, record)
		}
	}
	return failed
}

// Config configures an Executor.
type Config struct {
	// InstanceArn is the Identity Center instance.
	InstanceArn string
	// SSOAdmin submits assignment changes.
	SSOAdmin awsapi.SSOAdmin
	// Retry wraps every AWS call. Its OnThrottle hook is chained to
	// the governor automatically.
	Retry retryutils.Config
	// Governor adapts pool size to throttling. Optional.
	Governor *retryutils.Governor
	// RateLimitDelay spaces out submissions per worker.
	RateLimitDelay time.Duration
	// PollInterval is the provisioning status poll cadence.
	PollInterval time.Duration
	// Clock is used for pacing and timeouts.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.InstanceArn == "" {
		return trace.BadParameter("missing Identity Center instance ARN")
	}
	if c.SSOAdmin == nil {
		return trace.BadParameter("missing SSO admin client")
	}
	if c.RateLimitDelay == 0 {
		c.RateLimitDelay = defaults.RateLimitDelay
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Retry.Clock == nil {
		c.Retry.Clock = c.Clock
	}
	return nil
}

// Executor runs assignment tasks. Safe for concurrent use.
type Executor struct {
	cfg Config
}

// New creates an Executor.
func New(cfg Config) (*Executor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.Governor != nil {
		// Every throttle observed by the retry layer feeds the
		// governor's sliding window.
		prev := cfg.Retry.OnThrottle
		governor := cfg.Governor
		cfg.Retry.OnThrottle = func() {
			governor.Throttled()
			if prev != nil {
				prev()
			}
		}
	}
	return &Executor{cfg: cfg}, nil
}

// Workers returns the pool size for an account count under a policy.
func (e *Executor) Workers(accountCount int, policy Policy) int {
	workers := policy.MaxConcurrent
	if workers <= 0 {
		workers = defaults.WorkersForAccountCount(accountCount)
	}
	if e.cfg.Governor != nil {
		if limit := e.cfg.Governor.Limit(); workers > limit {
			workers = limit
		}
	}
	if workers > accountCount && accountCount > 0 {
		workers = accountCount
	}
	return workers
}

// Execute runs the task over its account set and returns per-account
// records ordered by account id. A context cancellation stops
// dispatching new accounts; in-flight calls run to their own
// timeouts and their results are still recorded.
func (e *Executor) Execute(ctx context.Context, task Task, policy Policy) (*Result, error) {
	if err := task.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	result := &Result{OperationID: uuid.NewString()}
	if len(task.AccountIDs) == 0 {
		return result, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := e.Workers(len(task.AccountIDs), policy)
	log.InfoContext(ctx, "Dispatching assignment task",
		"operation_id", result.OperationID,
		"direction", task.Direction,
		"accounts", len(task.AccountIDs),
		"workers", workers)

	accounts := make(chan string)
	records := make(chan sso.AssignmentRecord, len(task.AccountIDs))
	dropped := &droppedCounter{}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		workerIndex := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for accountID := range accounts {
				emit(policy.Progress, dropped, Event{Type: EventStarted, AccountID: accountID})
				record := e.processAccount(runCtx, task, policy, accountID)
				emit(policy.Progress, dropped, Event{Type: EventCompleted, AccountID: accountID, Outcome: record.Outcome})
				records <- record
				if record.Outcome == sso.OutcomeFailed && !policy.ContinueOnError {
					cancel()
					return
				}
				// Shrink the pool when the governor has pulled the
				// limit below this worker's index.
				if e.cfg.Governor != nil && workerIndex >= e.cfg.Governor.Limit() {
					return
				}
			}
		}()
	}

	dispatched := 0
dispatch:
	for _, accountID := range task.AccountIDs {
		select {
		case accounts <- accountID:
			dispatched++
		case <-runCtx.Done():
			break dispatch
		}
	}
	close(accounts)
	wg.Wait()
	close(records)

	for record := range records {
		result.Records = append(result.Records, record)
	}
	sort.Slice(result.Records, func(i, j int) bool {
		return result.Records[i].AccountID < result.Records[j].AccountID
	})
	result.Cancelled = len(result.Records) < len(task.AccountIDs)
	result.DroppedEvents = dropped.count()
	return result, nil
}

type droppedCounter struct {
	mu sync.Mutex
	n  int
}

func (d *droppedCounter) inc() {
	d.mu.Lock()
	d.n++
	d.mu.Unlock()
}

func (d *droppedCounter) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

// emit delivers a progress event without ever blocking the worker.
func emit(progress chan<- Event, dropped *droppedCounter, event Event) {
	if progress == nil {
		return
	}
	select {
	case progress <- event:
	default:
		dropped.inc()
	}
}

// processAccount performs the submit and provisioning poll for one
// account and always returns a record, successful or not.
func (e *Executor) processAccount(ctx context.Context, task Task, policy Policy, accountID string) sso.AssignmentRecord {
	timeout := policy.AccountTimeout
	if timeout == 0 {
		timeout = defaults.AccountTimeout
	}
	accountCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	record := sso.AssignmentRecord{
		PrincipalID:      task.PrincipalID,
		PrincipalType:    task.PrincipalType,
		PermissionSetArn: task.PermissionSetArn,
		AccountID:        accountID,
	}
	start := e.cfg.Clock.Now()

	// Pace submissions so a large pool does not burst past the API
	// rate limits on the first wave.
	if e.cfg.RateLimitDelay > 0 {
		select {
		case <-e.cfg.Clock.After(e.cfg.RateLimitDelay):
		case <-accountCtx.Done():
		}
	}

	var retries int
	var err error
	switch task.Direction {
	case sso.DirectionAssign:
		retries, err = e.assign(accountCtx, task, accountID)
	case sso.DirectionRevoke:
		retries, err = e.revoke(accountCtx, task, accountID)
	}
	record.Retries = retries
	record.DurationMs = e.cfg.Clock.Now().Sub(start).Milliseconds()

	switch {
	case err == nil:
		record.Outcome = sso.OutcomeSucceeded
	case task.Direction == sso.DirectionAssign && retryutils.IsConflict(err):
		record.Outcome = sso.OutcomeSkippedPresent
	case task.Direction == sso.DirectionRevoke && retryutils.IsNotFound(err):
		record.Outcome = sso.OutcomeSkippedAbsent
	default:
		record.Outcome = sso.OutcomeFailed
		record.Error = trace.UserMessage(err)
		log.WarnContext(ctx, "Account assignment change failed",
			"account_id", accountID, "direction", task.Direction, "error", err)
	}
	return record
}

func (e *Executor) assign(ctx context.Context, task Task, accountID string) (int, error) {
	var requestID string
	retries, err := retryutils.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
		out, err := e.cfg.SSOAdmin.CreateAccountAssignment(ctx, &ssoadmin.CreateAccountAssignmentInput{
			InstanceArn:      aws.String(e.cfg.InstanceArn),
			PermissionSetArn: aws.String(task.PermissionSetArn),
			PrincipalId:      aws.String(task.PrincipalID),
			PrincipalType:    principalType(task.PrincipalType),
			TargetId:         aws.String(accountID),
			TargetType:       ssoadmintypes.TargetTypeAwsAccount,
		})
		if err != nil {
			return err
		}
		if status := out.AccountAssignmentCreationStatus; status != nil {
			requestID = aws.ToString(status.RequestId)
			if status.Status == ssoadmintypes.StatusValuesFailed {
				return trace.Errorf("assignment creation failed: %v", aws.ToString(status.FailureReason))
			}
			if status.Status == ssoadmintypes.StatusValuesSucceeded {
				requestID = ""
			}
		}
		return nil
	})
	if err != nil {
		return retries, trace.Wrap(err)
	}
	if requestID == "" {
		return retries, nil
	}
	return retries, trace.Wrap(e.pollCreation(ctx, requestID))
}

func (e *Executor) revoke(ctx context.Context, task Task, accountID string) (int, error) {
	var requestID string
	retries, err := retryutils.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
		out, err := e.cfg.SSOAdmin.DeleteAccountAssignment(ctx, &ssoadmin.DeleteAccountAssignmentInput{
			InstanceArn:      aws.String(e.cfg.InstanceArn),
			PermissionSetArn: aws.String(task.PermissionSetArn),
			PrincipalId:      aws.String(task.PrincipalID),
			PrincipalType:    principalType(task.PrincipalType),
			TargetId:         aws.String(accountID),
			TargetType:       ssoadmintypes.TargetTypeAwsAccount,
		})
		if err != nil {
			return err
		}
		if status := out.AccountAssignmentDeletionStatus; status != nil {
			requestID = aws.ToString(status.RequestId)
			if status.Status == ssoadmintypes.StatusValuesFailed {
				return trace.Errorf("assignment deletion failed: %v", aws.ToString(status.FailureReason))
			}
			if status.Status == ssoadmintypes.StatusValuesSucceeded {
				requestID = ""
			}
		}
		return nil
	})
	if err != nil {
		return retries, trace.Wrap(err)
	}
	if requestID == "" {
		return retries, nil
	}
	return retries, trace.Wrap(e.pollDeletion(ctx, requestID))
}

func (e *Executor) pollCreation(ctx context.Context, requestID string) error {
	return e.poll(ctx, func(ctx context.Context) (ssoadmintypes.StatusValues, string, error) {
		out, err := e.cfg.SSOAdmin.DescribeAccountAssignmentCreationStatus(ctx, &ssoadmin.DescribeAccountAssignmentCreationStatusInput{
			InstanceArn:                        aws.String(e.cfg.InstanceArn),
			AccountAssignmentCreationRequestId: aws.String(requestID),
		})
		if err != nil {
			return "", "", err
		}
		status := out.AccountAssignmentCreationStatus
		if status == nil {
			return "", "", trace.NotFound("creation request %v has no status", requestID)
		}
		return status.Status, aws.ToString(status.FailureReason), nil
	})
}

func (e *Executor) pollDeletion(ctx context.Context, requestID string) error {
	return e.poll(ctx, func(ctx context.Context) (ssoadmintypes.StatusValues, string, error) {
		out, err := e.cfg.SSOAdmin.DescribeAccountAssignmentDeletionStatus(ctx, &ssoadmin.DescribeAccountAssignmentDeletionStatusInput{
			InstanceArn:                        aws.String(e.cfg.InstanceArn),
			AccountAssignmentDeletionRequestId: aws.String(requestID),
		})
		if err != nil {
			return "", "", err
		}
		status := out.AccountAssignmentDeletionStatus
		if status == nil {
			return "", "", trace.NotFound("deletion request %v has no status", requestID)
		}
		return status.Status, aws.ToString(status.FailureReason), nil
	})
}

// poll drives a provisioning request to a terminal state within the
// per-account deadline.
func (e *Executor) poll(ctx context.Context, describe func(context.Context) (ssoadmintypes.StatusValues, string, error)) error {
	for {
		var status ssoadmintypes.StatusValues
		var failureReason string
		_, err := retryutils.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
			var callErr error
			status, failureReason, callErr = describe(ctx)
			return callErr
		})
		if err != nil {
			return trace.Wrap(err)
		}
		switch status {
		case ssoadmintypes.StatusValuesSucceeded:
			return nil
		case ssoadmintypes.StatusValuesFailed:
			return trace.Errorf("provisioning failed: %v", failureReason)
		}
		select {
		case <-e.cfg.Clock.After(e.cfg.PollInterval):
		case <-ctx.Done():
			return trace.Wrap(ctx.Err(), "provisioning status poll interrupted")
		}
	}
}

func principalType(t sso.PrincipalType) ssoadmintypes.PrincipalType {
	if t == sso.PrincipalTypeGroup {
		return ssoadmintypes.PrincipalTypeGroup
	}
	return ssoadmintypes.PrincipalTypeUser
}
