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
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/guregu/null.v3"
)

// storedColumn is the serialized form of a column: values and validity masks in separate slices.
type storedColumn struct {
	Name    string
	Kind    Kind
	Floats  []float64
	Strings []string
	Valid   []bool
}

type storedTable struct {
	Name    string
	IDs     []int64
	Columns []storedColumn
}

func toStored(t *Table) storedTable {
	st := storedTable{Name: t.Name, IDs: t.IDs}
	for _, c := range t.Columns {
		sc := storedColumn{Name: c.Name, Kind: c.Kind, Valid: make([]bool, len(t.IDs))}
		if c.Kind == String {
			sc.Strings = make([]string, len(t.IDs))
			for i, v := range c.Strings {
				sc.Strings[i], sc.Valid[i] = v.String, v.Valid
			}
		} else {
			sc.Floats = make([]float64, len(t.IDs))
			for i, v := range c.Floats {
				sc.Floats[i], sc.Valid[i] = v.Float64, v.Valid
			}
		}
		st.Columns = append(st.Columns, sc)
	}
	return st
}

func fromStored(st storedTable) (*Table, error) {
	t, err := New(st.Name, st.IDs)
	if err != nil {
		return nil, err
	}
	for _, sc := range st.Columns {
		c, err := t.addColumn(sc.Name, sc.Kind)
		if err != nil {
			return nil, err
		}
		if len(sc.Valid) != len(t.IDs) {
			return nil, fmt.Errorf("table %s: column %s has %d cells, expected %d", st.Name, sc.Name, len(sc.Valid), len(t.IDs))
		}
		for i, valid := range sc.Valid {
			if sc.Kind == String {
				c.Strings[i] = null.NewString(sc.Strings[i], valid)
			} else {
				c.Floats[i] = null.NewFloat(sc.Floats[i], valid)
			}
		}
	}
	return t, nil
}

// Save writes a table as a single gzip compressed gob object. The file is written under a temporary name and renamed
// into place, so a failing run never leaves a partial artifact behind.
func Save(t *Table, fileName string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(fileName), filepath.Base(fileName)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	zw := gzip.NewWriter(tmp)
	if err = gob.NewEncoder(zw).Encode(toStored(t)); err != nil {
		return fmt.Errorf("encoding table %s: %w", t.Name, err)
	}
	if err = zw.Close(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), fileName)
}

// Load reads a table written by Save.
func Load(fileName string) (*Table, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	zr, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", fileName, err)
	}
	defer zr.Close()
	var st storedTable
	if err := gob.NewDecoder(zr).Decode(&st); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", fileName, err)
	}
	return fromStored(st)
}
