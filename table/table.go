// Ageingpanel: Ageing Panel Stroke and Psychosis Pipeline
// Copyright (c) 2022 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/ptra/blob/master/LICENSE.txt>.

package table

import (
	"errors"
	"fmt"
	"sort"

	"gopkg.in/guregu/null.v3"
)

// IDColumn is the participant identifier every table is keyed on.
const IDColumn = "idauniq"

var (
	ErrDuplicateKey    = errors.New("duplicate participant id")
	ErrColumnCollision = errors.New("column name collision")
	ErrUnknownColumn   = errors.New("unknown column")
)

// Kind is the value type of a column.
type Kind int

const (
	Float Kind = iota
	String
)

func (k Kind) String() string {
	if k == String {
		return "string"
	}
	return "float"
}

// Column holds the values of one named column, one cell per table row. Only the slice that matches Kind is used.
type Column struct {
	Name    string
	Kind    Kind
	Floats  []null.Float
	Strings []null.String
}

// Missing reports whether the cell at row is missing.
func (c *Column) Missing(row int) bool {
	if c.Kind == String {
		return !c.Strings[row].Valid
	}
	return !c.Floats[row].Valid
}

// clone makes a deep copy of a column.
func (c *Column) clone() *Column {
	nc := &Column{Name: c.Name, Kind: c.Kind}
	if c.Floats != nil {
		nc.Floats = append([]null.Float(nil), c.Floats...)
	}
	if c.Strings != nil {
		nc.Strings = append([]null.String(nil), c.Strings...)
	}
	return nc
}

// Table is a rectangular, column-oriented table with one row per participant. Rows are kept in ascending ID order so
// that every derived table and every file written from it is deterministic.
type Table struct {
	Name    string
	IDs     []int64
	Columns []*Column
	rows    map[int64]int  //maps participant ID onto its row
	cols    map[string]int //maps column name onto its index in Columns
}

// New creates a table without columns for the given participant IDs. Duplicate IDs are a data-integrity error.
func New(name string, ids []int64) (*Table, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return nil, fmt.Errorf("table %s: id %d: %w", name, sorted[i], ErrDuplicateKey)
		}
	}
	t := &Table{Name: name, IDs: sorted}
	t.reindex()
	return t, nil
}

// reindex rebuilds the ID and column lookup maps.
func (t *Table) reindex() {
	t.rows = make(map[int64]int, len(t.IDs))
	for i, id := range t.IDs {
		t.rows[id] = i
	}
	t.cols = make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		t.cols[c.Name] = i
	}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.IDs)
}

// ID returns the participant ID of a row.
func (t *Table) ID(row int) int64 {
	return t.IDs[row]
}

// Row returns the row of a participant ID.
func (t *Table) Row(id int64) (int, bool) {
	r, ok := t.rows[id]
	return r, ok
}

// Has reports whether the table has a column with the given name.
func (t *Table) Has(name string) bool {
	_, ok := t.cols[name]
	return ok
}

// Column returns the named column.
func (t *Table) Column(name string) (*Column, bool) {
	i, ok := t.cols[name]
	if !ok {
		return nil, false
	}
	return t.Columns[i], true
}

// Names returns the column names in table order, without the ID column.
func (t *Table) Names() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Require checks that all named columns exist.
func (t *Table) Require(names ...string) error {
	for _, name := range names {
		if !t.Has(name) {
			return fmt.Errorf("table %s: %s: %w", t.Name, name, ErrUnknownColumn)
		}
	}
	return nil
}

func (t *Table) addColumn(name string, kind Kind) (*Column, error) {
	if name == IDColumn || t.Has(name) {
		return nil, fmt.Errorf("table %s: %s: %w", t.Name, name, ErrColumnCollision)
	}
	c := &Column{Name: name, Kind: kind}
	if kind == String {
		c.Strings = make([]null.String, len(t.IDs))
	} else {
		c.Floats = make([]null.Float, len(t.IDs))
	}
	t.cols[name] = len(t.Columns)
	t.Columns = append(t.Columns, c)
	return c, nil
}

// AddFloat adds a numeric column with all cells missing.
func (t *Table) AddFloat(name string) (*Column, error) {
	return t.addColumn(name, Float)
}

// AddString adds a string column with all cells missing.
func (t *Table) AddString(name string) (*Column, error) {
	return t.addColumn(name, String)
}

// Float returns a numeric cell. Unknown columns and string columns read as missing.
func (t *Table) Float(name string, row int) null.Float {
	c, ok := t.Column(name)
	if !ok || c.Kind != Float {
		return null.Float{}
	}
	return c.Floats[row]
}

// String returns a string cell. Unknown columns and numeric columns read as missing.
func (t *Table) String(name string, row int) null.String {
	c, ok := t.Column(name)
	if !ok || c.Kind != String {
		return null.String{}
	}
	return c.Strings[row]
}

// SetFloat assigns a numeric cell of an existing column.
func (t *Table) SetFloat(name string, row int, v null.Float) error {
	c, ok := t.Column(name)
	if !ok || c.Kind != Float {
		return fmt.Errorf("table %s: float column %s: %w", t.Name, name, ErrUnknownColumn)
	}
	c.Floats[row] = v
	return nil
}

// SetString assigns a string cell of an existing column.
func (t *Table) SetString(name string, row int, v null.String) error {
	c, ok := t.Column(name)
	if !ok || c.Kind != String {
		return fmt.Errorf("table %s: string column %s: %w", t.Name, name, ErrUnknownColumn)
	}
	c.Strings[row] = v
	return nil
}

// Clone makes a deep copy of a table under a new name.
func (t *Table) Clone(name string) *Table {
	nt := &Table{Name: name, IDs: append([]int64(nil), t.IDs...)}
	for _, c := range t.Columns {
		nt.Columns = append(nt.Columns, c.clone())
	}
	nt.reindex()
	return nt
}

// Select returns a copy of the table restricted to the named columns, in the given order.
func (t *Table) Select(name string, names ...string) (*Table, error) {
	if err := t.Require(names...); err != nil {
		return nil, err
	}
	nt := &Table{Name: name, IDs: append([]int64(nil), t.IDs...)}
	for _, n := range names {
		c, _ := t.Column(n)
		nt.Columns = append(nt.Columns, c.clone())
	}
	nt.reindex()
	return nt, nil
}

// Filter returns a copy of the table with only the rows for which keep returns true.
func (t *Table) Filter(name string, keep func(row int) bool) *Table {
	kept := []int{}
	for row := range t.IDs {
		if keep(row) {
			kept = append(kept, row)
		}
	}
	nt := &Table{Name: name, IDs: make([]int64, len(kept))}
	for i, row := range kept {
		nt.IDs[i] = t.IDs[row]
	}
	for _, c := range t.Columns {
		nc := &Column{Name: c.Name, Kind: c.Kind}
		if c.Kind == String {
			nc.Strings = make([]null.String, len(kept))
			for i, row := range kept {
				nc.Strings[i] = c.Strings[row]
			}
		} else {
			nc.Floats = make([]null.Float, len(kept))
			for i, row := range kept {
				nc.Floats[i] = c.Floats[row]
			}
		}
		nt.Columns = append(nt.Columns, nc)
	}
	nt.reindex()
	return nt
}

// OuterJoin joins two tables on participant ID. The result has one row per ID present in either table; cells of
// participants absent from one side are missing. Every non-key column must occur in only one of the tables.
func OuterJoin(name string, a, b *Table) (*Table, error) {
	for _, c := range b.Columns {
		if a.Has(c.Name) {
			return nil, fmt.Errorf("joining %s and %s: %s: %w", a.Name, b.Name, c.Name, ErrColumnCollision)
		}
	}
	ids := append([]int64(nil), a.IDs...)
	for _, id := range b.IDs {
		if _, ok := a.rows[id]; !ok {
			ids = append(ids, id)
		}
	}
	nt, err := New(name, ids)
	if err != nil {
		return nil, err
	}
	for _, src := range []*Table{a, b} {
		for _, c := range src.Columns {
			nc, _ := nt.addColumn(c.Name, c.Kind)
			for row, id := range src.IDs {
				to := nt.rows[id]
				if c.Kind == String {
					nc.Strings[to] = c.Strings[row]
				} else {
					nc.Floats[to] = c.Floats[row]
				}
			}
		}
	}
	return nt, nil
}

// JoinAll outer joins a list of tables, left to right.
func JoinAll(name string, tables ...*Table) (*Table, error) {
	if len(tables) == 0 {
		return New(name, nil)
	}
	result := tables[0].Clone(name)
	for _, t := range tables[1:] {
		var err error
		if result, err = OuterJoin(name, result, t); err != nil {
			return nil, err
		}
	}
	return result, nil
}
