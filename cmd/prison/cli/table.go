// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// Table prints rows under a header with aligned columns and a dashed
// rule under the header.
type Table struct {
	Header []string
	rows   [][]string
}

// NewTable starts a table with the given column headings.
func NewTable(header ...string) *Table {
	return &Table{Header: header}
}

// Add appends a row. Missing cells print empty; extra cells are
// dropped.
func (t *Table) Add(cells ...string) {
	row := make([]string, len(t.Header))
	copy(row, cells)
	t.rows = append(t.rows, row)
}

// Len returns the number of rows added.
func (t *Table) Len() int { return len(t.rows) }

// Write renders the table to w.
func (t *Table) Write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rule := make([]string, len(t.Header))
	for index, heading := range t.Header {
		rule[index] = strings.Repeat("-", len(heading))
	}
	for _, row := range append([][]string{t.Header, rule}, t.rows...) {
		if _, err := fmt.Fprintln(tw, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return tw.Flush()
}
