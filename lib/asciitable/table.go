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

// Package asciitable renders previews and summaries as plain text
// tables for the terminal.
package asciitable

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
)

// Column describes one table column.
type Column struct {
	// Title is the header cell.
	Title string
	// MaxCellLength truncates longer cells with an ellipsis. Zero
	// means unbounded. Permission set ARNs want this.
	MaxCellLength int
}

// Table accumulates rows and renders them aligned.
type Table struct {
	columns []Column
	rows    [][]string
}

// MakeTable creates a table with the given headers, optionally seeded
// with rows.
func MakeTable(headers []string, rows ...[]string) Table {
	t := Table{}
	for _, header := range headers {
		t.AddColumn(Column{Title: header})
	}
	for _, row := range rows {
		t.AddRow(row)
	}
	return t
}

// AddColumn appends a column definition.
func (t *Table) AddColumn(c Column) {
	t.columns = append(t.columns, c)
}

// AddRow appends a row, dropping cells beyond the column count.
func (t *Table) AddRow(row []string) {
	t.rows = append(t.rows, row[:min(len(row), len(t.columns))])
}

// RowCount returns the number of body rows.
func (t *Table) RowCount() int {
	return len(t.rows)
}

// SortRowsBy sorts rows using the given column indices as the key.
// Out-of-range indices are skipped.
func (t *Table) SortRowsBy(keyColumns ...int) {
	slices.SortStableFunc(t.rows, func(a, b []string) int {
		for _, col := range keyColumns {
			if col >= min(len(a), len(b)) {
				continue
			}
			if c := strings.Compare(a[col], b[col]); c != 0 {
				return c
			}
		}
		return 0
	})
}

func (t *Table) truncate(colIndex int, cell string) string {
	limit := t.columns[colIndex].MaxCellLength
	if limit == 0 || len(cell) <= limit {
		return cell
	}
	return cell[:limit] + "..."
}

// AsBuffer renders the table.
func (t *Table) AsBuffer() *bytes.Buffer {
	var buffer bytes.Buffer

	writer := tabwriter.NewWriter(&buffer, 5, 0, 1, ' ', 0)
	template := strings.Repeat("%v\t", len(t.columns))

	headers := make([]any, 0, len(t.columns))
	separators := make([]any, 0, len(t.columns))
	for _, col := range t.columns {
		headers = append(headers, col.Title)
		separators = append(separators, strings.Repeat("-", len(col.Title)))
	}
	fmt.Fprintf(writer, template+"\n", headers...)
	fmt.Fprintf(writer, template+"\n", separators...)

	for _, row := range t.rows {
		cells := make([]any, 0, len(row))
		for i, cell := range row {
			cells = append(cells, t.truncate(i, cell))
		}
		fmt.Fprintf(writer, template+"\n", cells...)
	}

	writer.Flush()
	return &buffer
}

// String renders the table, implementing fmt.Stringer.
func (t *Table) String() string {
	return t.AsBuffer().String()
}
