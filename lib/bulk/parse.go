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

package bulk

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/awsideman/lib/sso"
)

// RawRecord is one input row before resolution.
type RawRecord struct {
	// Row is the 1-based data row (CSV) or array index (JSON) the
	// record came from, used in error messages.
	Row int `json:"-"`
	// PrincipalName is the username or group display name. Required.
	PrincipalName string `json:"principal_name"`
	// PrincipalType is USER or GROUP; empty defaults to USER.
	PrincipalType sso.PrincipalType `json:"principal_type,omitempty"`
	// PermissionSetName is the permission set display name. Required.
	PermissionSetName string `json:"permission_set_name"`
	// AccountName is an account name, a 12-digit id, or an account
	// filter expression. Required.
	AccountName string `json:"account_name"`
	// PrincipalID, PermissionSetArn and AccountID are optional
	// pre-resolved identifiers that skip the resolver when set.
	PrincipalID      string `json:"principal_id,omitempty"`
	PermissionSetArn string `json:"permission_set_arn,omitempty"`
	AccountID        string `json:"account_id,omitempty"`
}

// check validates the required fields, normalizing the principal type.
func (r *RawRecord) check() error {
	var errors []error
	if r.PrincipalName == "" && r.PrincipalID == "" {
		errors = append(errors, trace.BadParameter("row %d: missing principal_name", r.Row))
	}
	if r.PermissionSetName == "" && r.PermissionSetArn == "" {
		errors = append(errors, trace.BadParameter("row %d: missing permission_set_name", r.Row))
	}
	if r.AccountName == "" && r.AccountID == "" {
		errors = append(errors, trace.BadParameter("row %d: missing account_name", r.Row))
	}
	principalType, err := sso.ParsePrincipalType(string(r.PrincipalType))
	if err != nil {
		errors = append(errors, trace.BadParameter("row %d: %v", r.Row, err))
	} else {
		r.PrincipalType = principalType
	}
	return trace.NewAggregate(errors...)
}

// ParseFile loads bulk records from path, detecting the format from the
// file extension. Every row-level error is collected before the file is
// rejected.
func ParseFile(path string) ([]RawRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ParseCSV(f)
	case ".json":
		return ParseJSON(f)
	default:
		return nil, trace.BadParameter("unsupported input format %q, expected .csv or .json", filepath.Ext(path))
	}
}

// csv columns, after header normalization.
const (
	columnPrincipalName     = "principal_name"
	columnPrincipalType     = "principal_type"
	columnPermissionSetName = "permission_set_name"
	columnAccountName       = "account_name"
	columnPrincipalID       = "principal_id"
	columnPermissionSetArn  = "permission_set_arn"
	columnAccountID         = "account_id"
)

// ParseCSV reads the CSV bulk format: a header row naming at least the
// three required columns, snake_case or kebab-case, then one record per
// row. Blank lines are ignored.
func ParseCSV(r io.Reader) ([]RawRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, trace.BadParameter("empty input, expected a CSV header row")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	columns := map[string]int{}
	for i, name := range header {
		columns[normalizeHeader(name)] = i
	}
	for _, required := range []string{columnPrincipalName, columnPermissionSetName, columnAccountName} {
		if _, ok := columns[required]; !ok {
			return nil, trace.BadParameter("missing required CSV column %q", required)
		}
	}

	var records []RawRecord
	var errors []error
	row := 0
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			errors = append(errors, trace.Wrap(err))
			continue
		}
		row++
		if blankRow(fields) {
			continue
		}
		cell := func(column string) string {
			i, ok := columns[column]
			if !ok || i >= len(fields) {
				return ""
			}
			return strings.TrimSpace(fields[i])
		}
		record := RawRecord{
			Row:               row,
			PrincipalName:     cell(columnPrincipalName),
			PrincipalType:     sso.PrincipalType(cell(columnPrincipalType)),
			PermissionSetName: cell(columnPermissionSetName),
			AccountName:       cell(columnAccountName),
			PrincipalID:       cell(columnPrincipalID),
			PermissionSetArn:  cell(columnPermissionSetArn),
			AccountID:         cell(columnAccountID),
		}
		if err := record.check(); err != nil {
			errors = append(errors, err)
			continue
		}
		records = append(records, record)
	}
	if len(errors) > 0 {
		return nil, trace.NewAggregate(errors...)
	}
	if len(records) == 0 {
		return nil, trace.BadParameter("input contains no records")
	}
	return records, nil
}

// ParseJSON reads the JSON bulk format: an object with an "assignments"
// array whose members use the same field names as the CSV columns.
func ParseJSON(r io.Reader) ([]RawRecord, error) {
	var input struct {
		Assignments []RawRecord `json:"assignments"`
	}
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&input); err != nil {
		return nil, trace.BadParameter("malformed JSON input: %v", err)
	}
	if len(input.Assignments) == 0 {
		return nil, trace.BadParameter(`input contains no records under "assignments"`)
	}
	var errors []error
	for i := range input.Assignments {
		input.Assignments[i].Row = i + 1
		if err := input.Assignments[i].check(); err != nil {
			errors = append(errors, err)
		}
	}
	if len(errors) > 0 {
		return nil, trace.NewAggregate(errors...)
	}
	return input.Assignments, nil
}

func normalizeHeader(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
}

func blankRow(fields []string) bool {
	for _, field := range fields {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
