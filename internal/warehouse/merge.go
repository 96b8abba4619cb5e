// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

package warehouse

import (
	"fmt"
	"strings"
)

// Assignment is one SET clause in a MERGE update. Assignments are ordered so
// generated SQL is deterministic and testable.
type Assignment struct {
	Column string
	Expr   string
}

// MergeStatement declaratively describes one MERGE. All persistence-layer
// upserts route through this builder so the test suite can substitute a stub
// executor and assert the generated SQL.
type MergeStatement struct {
	// Target is the table merged into.
	Target string
	// Using is the source SELECT; bind placeholders inside it consume from
	// Binds in order.
	Using string
	// On is the match condition between Target and the source alias "src".
	On string
	// UpdateSet is applied WHEN MATCHED; empty means insert-only merge.
	UpdateSet []Assignment
	// InsertCols / InsertVals are applied WHEN NOT MATCHED.
	InsertCols []string
	InsertVals []string
	// Binds are the positional bind values for the whole statement.
	Binds []any
}

// SQL renders the statement.
func (m MergeStatement) SQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s USING (%s) AS src ON (%s)", m.Target, m.Using, m.On)

	if len(m.UpdateSet) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		for i, a := range m.UpdateSet {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = %s", a.Column, a.Expr)
		}
	}

	if len(m.InsertCols) > 0 {
		fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
			strings.Join(m.InsertCols, ", "), strings.Join(m.InsertVals, ", "))
	}

	return b.String()
}
