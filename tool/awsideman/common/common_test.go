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
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/awsideman/lib/oplog"
	"github.com/gravitational/awsideman/lib/sso"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "bad parameter", err: trace.BadParameter("nope"), code: ExitValidation},
		{name: "not found", err: trace.NotFound("missing"), code: ExitValidation},
		{name: "already exists", err: trace.AlreadyExists("dup"), code: ExitValidation},
		{name: "connection problem", err: trace.ConnectionProblem(nil, "down"), code: ExitSystem},
		{name: "generic", err: trace.Errorf("boom"), code: ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.code, exitCodeFor(tt.err))
		})
	}
}

func TestCommandRegistration(t *testing.T) {
	var global GlobalFlags
	app := kingpin.New("awsideman", "test")
	app.Terminate(func(int) {})
	for _, command := range Commands() {
		command.Initialize(app, &global)
	}

	tests := []struct {
		args []string
		want string
	}{
		{args: []string{"assign", "user:alice@example.com", "AdministratorAccess", "--accounts", "123456789012"}, want: "assign"},
		{args: []string{"revoke", "group:Engineering", "ReadOnlyAccess", "--accounts", "tag:Environment=dev", "--dry-run"}, want: "revoke"},
		{args: []string{"bulk", "assign", "input.csv", "--stop-on-error"}, want: "bulk assign"},
		{args: []string{"bulk", "revoke", "input.json", "--batch-size", "10"}, want: "bulk revoke"},
		{args: []string{"copy", "--from", "user:alice@example.com", "--to", "user:bob@example.com", "--preview"}, want: "copy"},
		{args: []string{"clone", "--name", "AdministratorAccess", "--to", "AdminCopy"}, want: "clone"},
		{args: []string{"rollback", "list", "--days", "7"}, want: "rollback list"},
		{args: []string{"rollback", "apply", "op-123", "--yes"}, want: "rollback apply"},
		{args: []string{"template", "validate", "access.yaml"}, want: "template validate"},
		{args: []string{"template", "apply", "access.yaml", "--dry-run"}, want: "template apply"},
		{args: []string{"cache", "status"}, want: "cache status"},
		{args: []string{"cache", "clear", "--accounts-only"}, want: "cache clear"},
		{args: []string{"cache", "warm"}, want: "cache warm"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			selected, err := app.Parse(tt.args)
			require.NoError(t, err)
			require.Equal(t, tt.want, selected)
		})
	}
}

func TestBulkFlagConflict(t *testing.T) {
	cmd := &BulkCommand{continueOnError: true, stopOnError: true}
	env := &Env{Stdout: &bytes.Buffer{}}
	code, err := cmd.run(context.Background(), env, sso.DirectionAssign)
	require.True(t, trace.IsBadParameter(err))
	require.Equal(t, ExitValidation, code)
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{input: "y\n", want: true},
		{input: "Y\n", want: true},
		{input: "yes\n", want: true},
		{input: "n\n", want: false},
		{input: "\n", want: false},
		{input: "", want: false},
	}
	for _, tt := range tests {
		env := &Env{
			Stdout: &bytes.Buffer{},
			Stdin:  strings.NewReader(tt.input),
		}
		require.Equal(t, tt.want, env.Confirm("Proceed?"), "input %q", tt.input)
	}
}

func TestSelectorClassification(t *testing.T) {
	require.True(t, isFilterSelector("*"))
	require.True(t, isFilterSelector("tag:Environment=production"))
	require.True(t, isFilterSelector("ou:ou-root-a1b2"))
	require.True(t, isFilterSelector("tag:Env=prod AND name:pay*"))
	require.False(t, isFilterSelector("123456789012"))
	require.False(t, isFilterSelector("prod-payments"))

	require.True(t, isAccountID("123456789012"))
	require.False(t, isAccountID("12345678901"))
	require.False(t, isAccountID("12345678901x"))
}

func TestSummarizeOutcomes(t *testing.T) {
	record := &oplog.Record{
		Timestamp: time.Now(),
		Results: []sso.AssignmentRecord{
			{AccountID: "111111111111", Outcome: sso.OutcomeSucceeded},
			{AccountID: "222222222222", Outcome: sso.OutcomeSkippedPresent},
			{AccountID: "333333333333", Outcome: sso.OutcomeFailed},
		},
	}
	require.Equal(t, "2 ok, 1 failed", summarizeOutcomes(record))

	record.Results = record.Results[:2]
	require.Equal(t, "ok", summarizeOutcomes(record))

	record.Metadata = map[string]string{oplog.MetaIncomplete: "true"}
	require.Equal(t, "incomplete", summarizeOutcomes(record))
}
